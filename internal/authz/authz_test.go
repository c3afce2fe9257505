package authz

import (
	"testing"

	"github.com/google/uuid"
	"github.com/roach88/erledger/internal/identity"
	"github.com/roach88/erledger/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndCheck(t *testing.T) {
	alice := identity.FromSeed("alice")
	args := ir.IRObject{"receiver": ir.IRString("bob"), "amount": ir.Amount(30)}

	req, err := Sign(alice, ir.ActionTransfer, args, "n-1")
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), req.Signer)

	require.NoError(t, Check(Ed25519{}, req, ir.ActionTransfer, args))
}

func TestCheck_RejectsTampering(t *testing.T) {
	alice := identity.FromSeed("alice")
	mallory := identity.FromSeed("mallory")
	args := ir.IRObject{"amount": ir.Amount(30)}

	req, err := Sign(alice, ir.ActionTransfer, args, "n-1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    func() Request
		action ir.Action
		args   ir.IRObject
		want   error
	}{
		{"different amount", func() Request { return req }, ir.ActionTransfer, ir.IRObject{"amount": ir.Amount(31)}, ErrInvalidSignature},
		{"different action", func() Request { return req }, ir.ActionCommit, args, ErrInvalidSignature},
		{"different nonce", func() Request { r := req; r.Nonce = "n-2"; return r }, ir.ActionTransfer, args, ErrInvalidSignature},
		{"claimed by other signer", func() Request { r := req; r.Signer = mallory.ID(); return r }, ir.ActionTransfer, args, ErrInvalidSignature},
		{"malformed signer", func() Request { r := req; r.Signer = "zz"; return r }, ir.ActionTransfer, args, ErrMalformedSigner},
		{"empty signer", func() Request { r := req; r.Signer = ""; return r }, ir.ActionTransfer, args, ErrMalformedSigner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(Ed25519{}, tt.req(), tt.action, tt.args)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheck_EmptyNonce(t *testing.T) {
	alice := identity.FromSeed("alice")
	req, err := Sign(alice, ir.ActionInitialize, nil, "")
	require.NoError(t, err)
	assert.Error(t, Check(Ed25519{}, req, ir.ActionInitialize, nil))
}

func TestVerifierFunc(t *testing.T) {
	called := false
	v := VerifierFunc(func(ir.Identity, []byte, []byte) error {
		called = true
		return nil
	})
	require.NoError(t, Check(v, Request{Signer: "anyone", Nonce: "n"}, ir.ActionInitialize, nil))
	assert.True(t, called)
}

func TestNonces(t *testing.T) {
	seq := NewSequenceNonces("")
	assert.Equal(t, "nonce-1", seq.Next())
	assert.Equal(t, "nonce-2", seq.Next())

	n := UUIDv7Nonces{}.Next()
	parsed, err := uuid.Parse(n)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, n, UUIDv7Nonces{}.Next())
}
