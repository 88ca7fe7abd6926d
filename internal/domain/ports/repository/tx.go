package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is the opaque ambient transaction handle threaded through every store
// and service call. The concrete type is infra-defined (pgx.Tx for Postgres).
// Repositories MUST gracefully accept a nil Tx (non-transactional path).
type Tx interface{}

// NoTX is passed where a call should explicitly run outside any transaction.
var NoTX Tx

// TransactionManager executes a function within a database transaction,
// passing the transaction handle down via tx so callees join the same unit
// of work instead of opening a second one.
//
// USAGE
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx Tx) error {
//	    p, err := payments.FindBySubscriptionID(ctx, tx, subID)
//	    ...
//	    return err
//	})
//
// Returning an error rolls the transaction back; nil commits it.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
