// Package authz signs and verifies ledger requests.
//
// A request is authorized when its signature covers the canonical JSON of
// {action, args, nonce, signer} and verifies under the signer's public key.
// Every mutating ledger entry point checks it before touching state.
package authz

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/roach88/erledger/internal/ir"
)

var (
	// ErrInvalidSignature means the signature does not cover the payload.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMalformedSigner means the signer is not a hex ed25519 public key.
	ErrMalformedSigner = errors.New("malformed signer identity")
)

// Request carries the caller's proof of authority for one operation.
type Request struct {
	Signer    ir.Identity `json:"signer"`
	Nonce     string      `json:"nonce"`
	Signature []byte      `json:"signature"`
}

// Signer produces signatures for one identity.
// *identity.Identity satisfies it.
type Signer interface {
	ID() ir.Identity
	Sign(msg []byte) []byte
}

// Verifier checks a signature over a payload.
type Verifier interface {
	Verify(signer ir.Identity, payload, signature []byte) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(signer ir.Identity, payload, signature []byte) error

// Verify calls f.
func (f VerifierFunc) Verify(signer ir.Identity, payload, signature []byte) error {
	return f(signer, payload, signature)
}

// Ed25519 verifies signatures where the signer identity is a hex-encoded
// ed25519 public key.
type Ed25519 struct{}

// Verify implements Verifier.
func (Ed25519) Verify(signer ir.Identity, payload, signature []byte) error {
	pub, err := hex.DecodeString(string(signer))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrMalformedSigner
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Payload returns the bytes a request signature must cover.
func Payload(action ir.Action, signer ir.Identity, nonce string, args ir.IRObject) ([]byte, error) {
	if args == nil {
		args = ir.IRObject{}
	}
	b, err := ir.MarshalCanonical(ir.IRObject{
		"action": ir.IRString(action),
		"args":   args,
		"nonce":  ir.IRString(nonce),
		"signer": ir.IRString(signer),
	})
	if err != nil {
		return nil, fmt.Errorf("authz payload: %w", err)
	}
	return b, nil
}

// Sign builds a signed request for action.
func Sign(s Signer, action ir.Action, args ir.IRObject, nonce string) (Request, error) {
	payload, err := Payload(action, s.ID(), nonce, args)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Signer:    s.ID(),
		Nonce:     nonce,
		Signature: s.Sign(payload),
	}, nil
}

// Check verifies that req authorizes action with args.
func Check(v Verifier, req Request, action ir.Action, args ir.IRObject) error {
	if req.Signer == "" {
		return ErrMalformedSigner
	}
	if req.Nonce == "" {
		return fmt.Errorf("authz: empty nonce")
	}
	payload, err := Payload(action, req.Signer, req.Nonce, args)
	if err != nil {
		return err
	}
	return v.Verify(req.Signer, payload, req.Signature)
}
