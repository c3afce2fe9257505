package testutil

import (
	"github.com/roach88/erledger/internal/ir"
)

// OperationID returns the content-addressed ID of an operation built from
// known-valid test inputs. It panics if args cannot be canonicalized.
func OperationID(action ir.Action, signer ir.Identity, nonce string, args ir.IRObject) string {
	id, err := ir.OperationID(action, signer, nonce, args)
	if err != nil {
		panic(err)
	}
	return id
}
