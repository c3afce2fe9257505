// Package store provides SQLite-backed durable storage for balance records
// and the operation log.
//
// The base ledger and the rollup each open their own Store. A store holds:
//   - Records: one balance record per derived key, tagged with its authority
//   - Operations: every signed request, unique per (signer, nonce)
//   - Outcomes: how each operation ended, one per operation
//   - Checkpoints: balances committed by the rollup
//
// # Authority Guard
//
// Every statement that mutates a record carries the expected authority in its
// WHERE clause. A write that matches no row is classified as ErrNotFound or
// ErrAuthority; callers never overwrite a record held by another context.
//
// # Logical Time
//
// All rows are stamped with seq from the store's Clock, never timestamps.
// Queries order by seq ASC, id ASC COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
