package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// withTransaction runs fn inside a transaction, committing when fn returns nil
// and rolling back when it returns an error or panics. Cross-table writes
// (session plus its checkpoints) must go through this so a failure cannot
// leave half the rows behind.
func withTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin txn: %w", err)
	}
	defer func() {
		if panicErr := recover(); err == nil && panicErr != nil {
			err = fmt.Errorf("txn panicked: %v", panicErr)
		}
		var finishErr error
		if err != nil {
			finishErr = txn.Rollback()
		} else {
			finishErr = txn.Commit()
		}
		if finishErr != nil && err == nil {
			err = fmt.Errorf("finish txn: %w", finishErr)
		}
	}()
	err = fn(txn)
	return
}
