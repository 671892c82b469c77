package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const defaultTxTimeout = 15 * time.Second

type txKey struct{}

// TxFunc is executed within a database transaction. Repositories resolve the transaction from ctx.
type TxFunc func(ctx context.Context) error

// UnitOfWork runs functions inside Postgres transactions.
type UnitOfWork struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewUnitOfWork binds a unit of work to the pool.
func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db, timeout: defaultTxTimeout}
}

// RunInTx executes fn inside a transaction. A call nested in an open transaction joins it.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u == nil || u.db == nil {
		return WrapError("transaction", errors.New("database: unit of work is not configured"))
	}
	return RunTransaction(ctx, u.db, fn, u.timeout)
}

// RunTransaction executes fn in a transaction on db, committing when fn returns nil.
func RunTransaction(ctx context.Context, db *gorm.DB, fn TxFunc, timeout time.Duration) error {
	if fn == nil {
		return WrapError("transaction", errors.New("database: transaction function is nil"))
	}
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}

	txCtx := ctx
	if timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > timeout {
			var cancel context.CancelFunc
			txCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	var fnErr error
	err := db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(context.WithValue(txCtx, txKey{}, tx))
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return WrapError("transaction", err)
}

// Conn returns the transaction bound to ctx, or a session on db when none is open.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok && tx != nil
}
