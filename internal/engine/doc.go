// Package engine implements the optimistic card sync engine.
//
// The engine keeps a user's itinerary edits flowing to the authoritative
// store while edits arrive in rapid succession and while another actor may
// be changing the same cards.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every public call posts an event to a FIFO queue. Engine.Run drains the
// queue in one goroutine, so the mutation queue, the schedule and the
// conflict list need no locks. Save requests are the only suspension
// points: they run on their own goroutines and post their results back as
// events.
//
// Event Processing Flow:
//  1. QueueChange merges the patch into the card's single queue entry
//     (field-level overwrite, priority only rises)
//  2. The scheduler arms the entry's deadline from its priority window
//  3. One wake timer fires at the earliest deadline; every card due within
//     the coalescing interval goes out in one request
//  4. Network failures are retried with exponential backoff; exhausted
//     batches are put back, dormant, for ForceSave
//  5. Each card's outcome is classified independently: applied, conflict
//     (per field) or rejected
//  6. The status is derived from the loop state after every event
//
// Only one request per card is in flight. Edits queued meanwhile are held
// and re-evaluated against the just-applied version when the request
// resolves.
//
// Status precedence: conflict, saving, error, pending, saved, idle.
// Only idle and saved are safe to navigate away from.
package engine
