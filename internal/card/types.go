package card

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Well-known schedulable fields. Any other key in a Patch is payload.
const (
	FieldDay      = "day"
	FieldOrder    = "order"
	FieldTimeSlot = "time_slot"
	FieldFavorite = "favorite"
)

// Priority ranks how urgently a change must reach the server.
// Higher values are more urgent: Critical > Medium > Low.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityCritical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses "critical", "medium" or "low".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MaxPriority returns the more urgent of a and b.
func MaxPriority(a, b Priority) Priority {
	if b > a {
		return b
	}
	return a
}

// Patch is a partial field map. Merging is a field-level overwrite: nested
// objects are replaced whole, never deep-merged.
type Patch map[string]any

// Clone returns a shallow copy of the patch.
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Merge returns a new patch holding p's fields overwritten by other's.
func (p Patch) Merge(other Patch) Patch {
	out := make(Patch, len(p)+len(other))
	maps.Copy(out, p)
	maps.Copy(out, other)
	return out
}

// Fields returns the patch keys in sorted order.
func (p Patch) Fields() []string {
	return slices.Sorted(maps.Keys(p))
}

// Only returns a new patch restricted to the named fields.
func (p Patch) Only(fields ...string) Patch {
	out := make(Patch, len(fields))
	for _, f := range fields {
		if v, ok := p[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Without returns a new patch with the named fields removed.
func (p Patch) Without(fields ...string) Patch {
	out := p.Clone()
	if out == nil {
		return Patch{}
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Base identifies the remote state a local edit was made against.
//
// Version is the authoritative per-card counter. UpdatedAt is the remote
// updated_at timestamp. When Version is zero only the timestamp is known.
type Base struct {
	Version   int64     `json:"version" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// IsZero reports whether nothing is known about the remote state.
func (b Base) IsZero() bool {
	return b.Version == 0 && b.UpdatedAt.IsZero()
}

// After reports whether b describes a strictly later remote state than o.
func (b Base) After(o Base) bool {
	if b.Version != 0 && o.Version != 0 {
		return b.Version > o.Version
	}
	return b.UpdatedAt.After(o.UpdatedAt)
}

// Card is an itinerary item as held by the authoritative store.
type Card struct {
	ID        string         `json:"id" yaml:"id"`
	TripID    string         `json:"trip_id" yaml:"trip_id"`
	Fields    map[string]any `json:"fields" yaml:"fields"`
	Version   int64          `json:"version" yaml:"version"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
}

// Base returns the card's current remote state as a base for local edits.
func (c Card) Base() Base {
	return Base{Version: c.Version, UpdatedAt: c.UpdatedAt}
}

// ChangeRecord is one pending mutation to one card.
// Records handed to a flush are never mutated again.
//
// Seen holds per-field versions the editor has observed after Base, such as
// the version of its own previous write to that field. A field listed in
// Seen is compared against that version instead of Base.
type ChangeRecord struct {
	EntityID   string           `json:"entity_id"`
	Patch      Patch            `json:"patch"`
	Priority   Priority         `json:"priority"`
	Base       Base             `json:"base"`
	Seen       map[string]int64 `json:"seen,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Clone returns a copy whose patch and seen map may be modified independently.
func (r *ChangeRecord) Clone() *ChangeRecord {
	c := *r
	c.Patch = r.Patch.Clone()
	c.Seen = maps.Clone(r.Seen)
	return &c
}

// See records that version of field has been observed.
func (r *ChangeRecord) See(field string, version int64) {
	if version <= 0 {
		return
	}
	if r.Seen == nil {
		r.Seen = make(map[string]int64)
	}
	if version > r.Seen[field] {
		r.Seen[field] = version
	}
}

// RemoteChanged reports whether the remote state of field moved past what an
// edit with the given base and seen versions had observed.
//
// Versions are compared when known. With only a timestamp base, a remote
// change at or after the base timestamp counts as changed: ties fail safe.
func RemoteChanged(base Base, seen map[string]int64, field string, remote RemoteField) bool {
	if v, ok := seen[field]; ok {
		return remote.Version > v
	}
	if base.Version > 0 {
		return remote.Version > base.Version
	}
	return !remote.UpdatedAt.Before(base.UpdatedAt)
}

// ConflictInfo describes one field both sides changed since the local base.
type ConflictInfo struct {
	EntityID       string    `json:"entity_id"`
	Field          string    `json:"field"`
	YourValue      any       `json:"your_value"`
	TheirValue     any       `json:"their_value"`
	TheirTimestamp time.Time `json:"their_timestamp"`
	TheirUser      string    `json:"their_user,omitempty"`
}

// Choice selects which side wins a conflicted field.
type Choice string

const (
	ChoiceMine   Choice = "mine"
	ChoiceTheirs Choice = "theirs"
)

// Valid reports whether c is mine or theirs.
func (c Choice) Valid() bool {
	return c == ChoiceMine || c == ChoiceTheirs
}

// Resolution is the user's decision for one card's conflicts. Choice applies
// to every conflicted field unless Fields overrides it for that field.
type Resolution struct {
	Choice Choice            `json:"choice,omitempty" yaml:"choice,omitempty"`
	Fields map[string]Choice `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Mine resolves every conflicted field of a card in favor of the local edit.
func Mine() Resolution { return Resolution{Choice: ChoiceMine} }

// Theirs resolves every conflicted field of a card in favor of the remote value.
func Theirs() Resolution { return Resolution{Choice: ChoiceTheirs} }

// For returns the choice for field, and false if the resolution leaves it open.
func (r Resolution) For(field string) (Choice, bool) {
	if c, ok := r.Fields[field]; ok && c.Valid() {
		return c, true
	}
	if r.Choice.Valid() {
		return r.Choice, true
	}
	return "", false
}

// ResolveAll builds a resolution map choosing c for every card in conflicts.
func ResolveAll(conflicts []ConflictInfo, c Choice) map[string]Resolution {
	out := make(map[string]Resolution)
	for _, ci := range conflicts {
		out[ci.EntityID] = Resolution{Choice: c}
	}
	return out
}
