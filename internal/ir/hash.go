package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRecord         = "erledger/balance/v1"
	DomainOperation      = "erledger/operation/v1"
	DomainOutcome        = "erledger/outcome/v1"
	DomainReconciliation = "erledger/reconciliation/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveRecordKey returns the balance record key for an identity.
// Any caller can derive it without a lookup; one record exists per identity.
func DeriveRecordKey(owner Identity) RecordKey {
	return RecordKey(hashWithDomain(DomainRecord, []byte(owner)))
}

// OperationID computes the content-addressed ID of a signed request.
// The seq is excluded: the same request submitted twice has the same ID,
// which is what makes replays detectable.
func OperationID(action Action, signer Identity, nonce string, args IRObject) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"action": IRString(action),
		"signer": IRString(signer),
		"nonce":  IRString(nonce),
		"args":   args,
	})
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// OutcomeID computes the content-addressed ID for an operation outcome.
func OutcomeID(operationID, outcome string, result IRObject, seq int64) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"operation_id": IRString(operationID),
		"outcome":      IRString(outcome),
		"result":       result,
		"seq":          IRInt(seq),
	})
	if err != nil {
		return "", fmt.Errorf("OutcomeID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOutcome, canonical), nil
}

// ReconciliationID names one commit-and-undelegate attempt for a record.
// Retries reuse the ID so the rollup can answer them idempotently.
func ReconciliationID(key RecordKey, operationID string) string {
	return hashWithDomain(DomainReconciliation, []byte(string(key)+"/"+operationID))
}
