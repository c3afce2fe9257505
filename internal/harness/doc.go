// Package harness runs ledger scenarios against a real in-memory node.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: delegated_transfer_commits
//	description: "Delegated mutations survive undelegate"
//	genesis:
//	  alice: 100
//	steps:
//	  - op: delegate
//	    as: alice
//	    commit_frequency_ms: 1000
//	  - op: transfer
//	    as: alice
//	    to: bob
//	    amount: 30
//	  - op: relay
//	    offline: true
//	  - op: undelegate
//	    as: alice
//	    expect: ReconciliationFailed
//	assertions:
//	  - type: balance
//	    owner: alice
//	    value: 70
//
// Identities are named; each name maps to a deterministic key pair. Steps
// expect Success unless they name an error kind.
//
// # Step Ops
//
//   - initialize, delegate, transfer, undelegate, commit: signed ledger operations
//   - relay: take the rollup offline or bring it back
//   - recover: resume interrupted reconciliations
//
// # Assertion Types
//
//   - balance: authoritative balance of owner
//   - committed: balance last written to the base ledger for owner
//   - authority: authority of owner's record ("none" when absent)
//   - total_supply: sum of every authoritative balance
//   - outcome_count: number of logged outcomes with the given name
//
// # Deterministic Testing
//
// Each run opens fresh in-memory stores with periodic checkpoints off and
// draws nonces from a fixed sequence, so the same scenario always yields
// the same trace. RunWithGolden compares that trace, as canonical JSON,
// against testdata/golden/{name}.golden.
package harness
