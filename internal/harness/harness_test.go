package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
)

func TestGoldenScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestParseScenario(t *testing.T) {
	s := mustParse(t, `
name: parse
description: every step kind
steps:
  - seed: [{id: A, fields: {day: 1}}]
  - queue: {card: A, priority: low, patch: {favorite: true}}
  - advance: 1500ms
  - remote_edit: {card: A, patch: {day: 3}}
  - fail_network: 2
  - force_save: true
  - resolve: {A: {fields: {day: theirs}}}
  - expect_status: pending
  - expect_status: {state: error, reason: REJECTED}
  - expect_conflicts: []
  - expect_requests: 0
  - expect_card: {card: A, fields: {day: 3}}
`)

	assert.Equal(t, DefaultActor, s.Actor)
	kinds := make([]string, len(s.Steps))
	for i := range s.Steps {
		kinds[i] = s.Steps[i].Kind()
	}
	assert.Equal(t, []string{
		StepSeed, StepQueue, StepAdvance, StepRemoteEdit, StepFailNetwork, StepForceSave,
		StepResolve, StepExpectStatus, StepExpectStatus, StepExpectConflicts,
		StepExpectRequests, StepExpectCard,
	}, kinds)

	assert.Equal(t, card.PriorityLow, s.Steps[1].Queue.Priority)
	assert.Equal(t, "1.5s", s.Steps[2].Advance.String())
	assert.Equal(t, card.ChoiceTheirs, s.Steps[6].Resolve["A"].Fields["day"])
	assert.Equal(t, StatusExpectation{State: card.StatePending}, *s.Steps[7].ExpectStatus)
	assert.Equal(t, StatusExpectation{State: card.StateError, Reason: "REJECTED"}, *s.Steps[8].ExpectStatus)
	assert.Empty(t, *s.Steps[9].ExpectConflicts)
}

func TestParseScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "description: d\nsteps: [{force_save: true}]", "name is required"},
		{"missing description", "name: n\nsteps: [{force_save: true}]", "description is required"},
		{"no steps", "name: n\ndescription: d\nsteps: []", "steps list is required"},
		{"unknown field", "name: n\ndescription: d\nstep: []", "field step not found"},
		{"empty step", "name: n\ndescription: d\nsteps: [{}]", "step has no action"},
		{"two actions", "name: n\ndescription: d\nsteps: [{force_save: true, expect_requests: 1}]", "several actions"},
		{"bad priority", "name: n\ndescription: d\nsteps: [{queue: {card: A, priority: urgent, patch: {day: 1}}}]", "unknown priority"},
		{"missing priority", "name: n\ndescription: d\nsteps: [{queue: {card: A, patch: {day: 1}}}]", "priority is required"},
		{"bad status", "name: n\ndescription: d\nsteps: [{expect_status: busy}]", "unknown state"},
		{"bad conflict name", "name: n\ndescription: d\nsteps: [{expect_conflicts: [A]}]", "not card.field"},
		{"zero failures", "name: n\ndescription: d\nsteps: [{fail_network: 0}]", "at least 1"},
		{"resolution without choice", "name: n\ndescription: d\nsteps: [{resolve: {A: {}}}]", "has no choice"},
		{"unknown card choice", "name: n\ndescription: d\nsteps: [{resolve: {A: {choice: keep, fields: {day: mine}}}}]", "invalid choice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestRunReportsFailedExpectations(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: expectations that do not hold
steps:
  - seed: [{id: A, fields: {day: 1}}]
  - expect_status: saving
  - expect_requests: 1
  - expect_conflicts: [A.day]
  - expect_card: {card: A, version: 5}
  - expect_card: {card: A, fields: {day: 2}}
  - expect_card: {card: Z}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Equal(t, "step 2: expect_status failed: expected saving, got idle", result.Errors[0])
	assert.Equal(t, "step 3: expect_requests failed: expected 1 requests, got 0 requests", result.Errors[1])
	assert.Equal(t, "step 4: expect_conflicts failed: expected A.day, got none", result.Errors[2])
	assert.Equal(t, "step 5: expect_card failed: expected A at v5, got v1", result.Errors[3])
	assert.Equal(t, "step 6: expect_card failed: expected A.day = 2, got 1", result.Errors[4])
	assert.Equal(t, "step 7: expect_card failed: expected card Z, got no such card", result.Errors[5])
}

func TestRunResolveTheirsRefreshes(t *testing.T) {
	s := mustParse(t, `
name: theirs
description: discarding the local value asks the UI to refetch
steps:
  - seed: [{id: B, fields: {time_slot: afternoon}}]
  - remote_edit: {card: B, actor: bob, patch: {time_slot: evening}}
  - queue: {card: B, priority: critical, patch: {time_slot: night}}
  - expect_status: conflict
  - resolve: {B: {choice: theirs}}
  - expect_status: idle
  - expect_conflicts: []
  - expect_requests: 1
  - expect_card: {card: B, version: 2, fields: {time_slot: evening}}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	refresh := result.Events(EventRefresh)
	require.Len(t, refresh, 1)
	assert.Equal(t, "B", refresh[0].Detail)
	assert.Equal(t, 5, refresh[0].Step)
}

func TestRunRejectedPatch(t *testing.T) {
	s := mustParse(t, `
name: rejected
description: the store refuses an out-of-range day
steps:
  - seed: [{id: A, fields: {day: 1}}]
  - queue: {card: A, priority: critical, patch: {day: 0}}
  - expect_status: {state: error, reason: REJECTED}
  - advance: 3s
  - expect_status: idle
  - expect_card: {card: A, version: 1, fields: {day: 1}}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	errs := result.Events(EventError)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Detail, "REJECTED: "), errs[0].Detail)
	assert.Contains(t, errs[0].Detail, "(card=A)")

	requests := result.Events(EventRequest)
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Detail, "-> A rejected (")
}

func TestRunStepErrors(t *testing.T) {
	s := mustParse(t, `
name: unknown-card
description: remote edits need an existing card
steps:
  - remote_edit: {card: ghost, patch: {day: 2}}
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (remote_edit)")
}

func TestRenderIsStable(t *testing.T) {
	path := filepath.Join("testdata", "scenarios", "basic_save.yaml")
	s, err := LoadScenario(path)
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, first.Render(), second.Render())
}
