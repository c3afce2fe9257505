// Package ir provides the canonical types shared by every erledger package.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Balances and amounts are uint64 in Go and decimal strings in logged args
//     (JSON consumers lose precision above 2^53)
//   - Record keys and operation IDs are content-addressed (SHA-256 with domain
//     separation over RFC 8785 canonical JSON)
//   - Logical clocks (seq) only, never wall-clock timestamps
//   - All JSON tags use snake_case
package ir
