package ir

// Version constants for the log schema and ledger.
const (
	// IRVersion is the operation log schema version.
	IRVersion = "1"

	// LedgerVersion is the erledger version recorded on every operation.
	LedgerVersion = "0.1.0"
)
