package services

import (
	"context"

	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// runInTx wraps every mutating operation. It joins an existing transaction
// from the context so cascades triggered inside a larger state change commit
// or roll back as one unit. Overridable in tests.
var runInTx = composables.InTenantTx

func runInTxResult[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := runInTx(ctx, func(txCtx context.Context) error {
		var innerErr error
		out, innerErr = fn(txCtx)
		return innerErr
	})
	return out, err
}
