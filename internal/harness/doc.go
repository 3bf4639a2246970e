// Package harness runs sync scenarios written in YAML against the real
// engine and store.
//
// # Scenario Format
//
//	name: conflict-resolve-mine
//	description: "A remote edit conflicts; the local value wins"
//	actor: alice
//	steps:
//	  - seed:
//	      - id: B
//	        trip_id: lisbon
//	        fields: { time_slot: afternoon }
//	  - remote_edit: { card: B, actor: bob, patch: { time_slot: evening } }
//	  - queue: { card: B, priority: medium, patch: { time_slot: night } }
//	  - advance: 2s
//	  - expect_status: conflict
//	  - expect_conflicts: [B.time_slot]
//	  - resolve: { B: { choice: mine } }
//	  - expect_card: { card: B, version: 3, fields: { time_slot: night } }
//
// Each step holds exactly one action:
//
//   - seed: write cards to the store and hand them to the engine as bases
//   - queue: queue a local change
//   - advance: move the clock, firing every timer on the way
//   - remote_edit: write fields as another user, bypassing conflict checks
//   - fail_network: make the next N save calls fail
//   - force_save: call ForceSave
//   - resolve: resolve conflicts per card
//   - expect_status, expect_conflicts, expect_requests, expect_card: checks
//
// # Deterministic Execution
//
// Scenarios run on a fake clock against an in-memory SQLite store. Timers
// fire only when a step advances the clock, request ids come from a
// sequence, and retry jitter is off, so the same scenario always yields the
// same trace. Traces can be compared with golden files (see RunWithGolden).
package harness
