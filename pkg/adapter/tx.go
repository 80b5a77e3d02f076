package adapter

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// sqlTx wraps a driver transaction with fail-fast poisoning: once a
// statement errors, further statements are rejected until a savepoint
// rollback restores a known-good state.
type sqlTx struct {
	tx       *sqlx.Tx
	dialect  Dialect
	poisoned error
	finished bool
}

var _ Tx = (*sqlTx)(nil)

func (t *sqlTx) check() error {
	if t.finished {
		return fault.New(fault.KindAdapter, "transaction already finished")
	}
	if t.poisoned != nil {
		return fault.Wrap(fault.KindAdapter, t.poisoned,
			"transaction poisoned by earlier failure").
			WithHint("roll back to a savepoint or abort the transaction")
	}
	return nil
}

func (t *sqlTx) ExecDML(ctx context.Context, query string, args ...any) (Result, error) {
	if err := t.check(); err != nil {
		return Result{}, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		mapped := mapError(t.dialect, err)
		t.poisoned = mapped
		return Result{}, mapped
	}
	return collectResult(res), nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryxContext(ctx, query, args...)
	if err != nil {
		mapped := mapError(t.dialect, err)
		t.poisoned = mapped
		return nil, mapped
	}
	defer rows.Close()
	out, err := scanRows(t.dialect, rows)
	if err != nil {
		t.poisoned = err
		return nil, err
	}
	return out, nil
}

// Savepoint establishes a named savepoint inside the transaction.
func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ident.CheckSavepoint(name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+t.dialect.QuoteIdent(name)); err != nil {
		mapped := mapError(t.dialect, err)
		t.poisoned = mapped
		return mapped
	}
	return nil
}

// RollbackTo rewinds to a savepoint. A successful rewind clears the
// poisoned state: the database is back at a point before the failure.
func (t *sqlTx) RollbackTo(ctx context.Context, name string) error {
	if t.finished {
		return fault.New(fault.KindAdapter, "transaction already finished")
	}
	if err := ident.CheckSavepoint(name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.dialect.QuoteIdent(name)); err != nil {
		mapped := mapError(t.dialect, err)
		t.poisoned = mapped
		return mapped
	}
	t.poisoned = nil
	return nil
}

// ReleaseSavepoint discards a savepoint without rewinding.
func (t *sqlTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := ident.CheckSavepoint(name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.dialect.QuoteIdent(name)); err != nil {
		mapped := mapError(t.dialect, err)
		t.poisoned = mapped
		return mapped
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.finished = true
	if err := t.tx.Commit(); err != nil {
		return mapError(t.dialect, err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	if err := t.tx.Rollback(); err != nil {
		return mapError(t.dialect, err)
	}
	return nil
}
