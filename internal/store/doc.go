// Package store is the SQLite-backed authoritative card store.
//
// It plays the persistence endpoint of the sync protocol: SaveCards applies
// a batch of patches field by field, reports per-field conflicts against the
// editor's base, and records every outcome under the item's idempotency key
// so a resent item returns the same answer without writing twice.
//
// # Data model
//
//   - cards: one row per card, with the card version bumped on every write
//   - card_fields: one row per field, carrying the version, timestamp and
//     actor of its last write; values are stored as canonical JSON
//   - applied_items: recorded outcomes keyed by item key
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as RFC 3339 text in UTC with nanoseconds.
package store
