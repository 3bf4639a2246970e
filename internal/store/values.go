package store

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
)

// ValidationError reports a patch the store refuses to write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var (
	clockSlot  = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	namedSlots = map[string]bool{
		"morning":   true,
		"afternoon": true,
		"evening":   true,
		"night":     true,
	}
)

// validatePatch checks the schedulable fields. Payload fields only need a
// JSON form.
func validatePatch(p card.Patch) error {
	if len(p) == 0 {
		return &ValidationError{Reason: "patch is empty"}
	}
	for _, field := range p.Fields() {
		if field == "" {
			return &ValidationError{Reason: "field name is empty"}
		}
		v := p[field]
		switch field {
		case card.FieldDay:
			n, ok := asInt(v)
			if !ok || n < 1 {
				return &ValidationError{Field: field, Reason: "must be an integer of at least 1"}
			}
		case card.FieldOrder:
			n, ok := asInt(v)
			if !ok || n < 0 {
				return &ValidationError{Field: field, Reason: "must be a non-negative integer"}
			}
		case card.FieldFavorite:
			if _, ok := v.(bool); !ok {
				return &ValidationError{Field: field, Reason: "must be a boolean"}
			}
		case card.FieldTimeSlot:
			if v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok || !(namedSlots[s] || clockSlot.MatchString(s)) {
				return &ValidationError{Field: field, Reason: "must be morning, afternoon, evening, night or HH:MM"}
			}
		}
	}
	return nil
}

// asInt converts integral numbers of any Go or JSON representation.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return asInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return asInt(f)
	default:
		return 0, false
	}
}

// encodeValue stores a field value as canonical JSON.
func encodeValue(v any) (string, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}

// decodeValue parses a stored value. Integral numbers come back as int64 so
// versions and positions survive above 2^53.
func decodeValue(data string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	default:
		return v
	}
}
