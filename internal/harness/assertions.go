package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/engine"
	"github.com/roach88/cardsync/internal/store"
)

// AssertionError is returned when an expectation fails.
type AssertionError struct {
	Step     int    // 1-based step number
	Type     string // step kind
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("step %d: %s failed: expected %s, got %s", e.Step, e.Type, e.Expected, e.Actual)
}

func assertStatus(step int, eng *engine.Engine, want StatusExpectation) error {
	got := eng.Status()
	if got.State == want.State && strings.Contains(got.Reason, want.Reason) {
		return nil
	}
	expected := string(want.State)
	if want.Reason != "" {
		expected += fmt.Sprintf(" with reason containing %q", want.Reason)
	}
	return &AssertionError{
		Step:     step,
		Type:     StepExpectStatus,
		Expected: expected,
		Actual:   got.String(),
	}
}

// assertConflicts compares the unresolved conflicts as card.field names,
// ignoring order.
func assertConflicts(step int, eng *engine.Engine, want []string) error {
	var got []string
	for _, c := range eng.Conflicts() {
		got = append(got, c.EntityID+"."+c.Field)
	}
	slices.Sort(got)
	want = slices.Clone(want)
	slices.Sort(want)

	if slices.Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Step:     step,
		Type:     StepExpectConflicts,
		Expected: formatNames(want),
		Actual:   formatNames(got),
	}
}

func assertRequests(step int, count, want int) error {
	if count == want {
		return nil
	}
	return &AssertionError{
		Step:     step,
		Type:     StepExpectRequests,
		Expected: fmt.Sprintf("%d requests", want),
		Actual:   fmt.Sprintf("%d requests", count),
	}
}

// assertCard checks the stored card. Field values are compared by their
// canonical JSON, so 2 and int64(2) match.
func assertCard(ctx context.Context, step int, st *store.Store, want CardExpectation) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Step: step, Type: StepExpectCard, Expected: expected, Actual: actual}
	}

	got, err := st.GetCard(ctx, want.Card)
	if errors.Is(err, store.ErrNotFound) {
		return fail("card "+want.Card, "no such card")
	}
	if err != nil {
		return err
	}

	if want.Version != 0 && got.Version != want.Version {
		return fail(fmt.Sprintf("%s at v%d", want.Card, want.Version), fmt.Sprintf("v%d", got.Version))
	}
	for _, field := range card.Patch(want.Fields).Fields() {
		v, ok := got.Fields[field]
		if !ok {
			return fail(fmt.Sprintf("%s.%s = %s", want.Card, field, formatValue(want.Fields[field])), "field missing")
		}
		if !canon.Equal(v, want.Fields[field]) {
			return fail(fmt.Sprintf("%s.%s = %s", want.Card, field, formatValue(want.Fields[field])), formatValue(v))
		}
	}
	return nil
}

func formatNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// formatValue renders v as canonical JSON.
func formatValue(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
