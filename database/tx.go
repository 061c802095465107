package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TxQuerier is satisfied by both *sqlx.DB and *sqlx.Tx, so a repository
// built on it runs the same queries inside or outside a transaction.
type TxQuerier interface {
	sqlx.ExtContext
}

// WithTx runs fn inside a transaction: commit when fn returns nil, rollback
// when it returns an error or panics (the panic is re-raised).
//
//	err := database.WithTx(ctx, db.Conn, func(tx *sqlx.Tx) error {
//	    if err := repository.NewSQLMessageRepo(tx).Create(ctx, msg); err != nil {
//	        return err
//	    }
//	    return tracker.RecordPending(ctx, tx, msg.ID, msg.ConversationID, recipients)
//	})
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Wrap("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}

		if commitErr := tx.Commit(); commitErr != nil {
			err = Wrap("commit transaction", commitErr)
		}
	}()

	err = fn(tx)
	return
}
