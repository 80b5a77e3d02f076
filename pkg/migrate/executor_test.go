package migrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// fakeDB scripts the adapter surface for executor, lock, and history
// tests. Statements match scripts by substring: fail and failOnce inject
// errors, queries returns canned rows, delay slows matching queries
// down. Everything unscripted succeeds with empty results.
type fakeDB struct {
	dialect adapter.Dialect
	live    *schema.LiveSchema

	mu       sync.Mutex
	exec     []string
	execArgs [][]any
	queried  []string
	txs      []*fakeTx

	fail     map[string]error
	failOnce map[string]error
	queries  map[string][]adapter.Row
	delay    map[string]time.Duration

	failRollbackTo bool
	failCommit     bool
}

func newFakeDB(d adapter.Dialect) *fakeDB {
	return &fakeDB{
		dialect:  d,
		fail:     map[string]error{},
		failOnce: map[string]error{},
		queries:  map[string][]adapter.Row{},
		delay:    map[string]time.Duration{},
	}
}

// scriptedErr must run under mu.
func (f *fakeDB) scriptedErr(stmt string) error {
	for sub, err := range f.failOnce {
		if strings.Contains(stmt, sub) {
			delete(f.failOnce, sub)
			return err
		}
	}
	for sub, err := range f.fail {
		if strings.Contains(stmt, sub) {
			return err
		}
	}
	return nil
}

func (f *fakeDB) ExecDML(_ context.Context, query string, args ...any) (adapter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedErr(query); err != nil {
		return adapter.Result{}, err
	}
	f.exec = append(f.exec, query)
	f.execArgs = append(f.execArgs, args)
	return adapter.Result{RowsAffected: 1}, nil
}

func (f *fakeDB) Query(_ context.Context, query string, _ ...any) ([]adapter.Row, error) {
	f.mu.Lock()
	f.queried = append(f.queried, query)
	var sleep time.Duration
	for sub, d := range f.delay {
		if strings.Contains(query, sub) {
			sleep = d
		}
	}
	var rows []adapter.Row
	for sub, r := range f.queries {
		if strings.Contains(query, sub) {
			rows = r
			break
		}
	}
	f.mu.Unlock()
	if sleep > 0 {
		time.Sleep(sleep)
	}
	return rows, nil
}

func (f *fakeDB) Begin(context.Context) (adapter.Tx, error) {
	tx := &fakeTx{db: f, failRollbackTo: f.failRollbackTo, failCommit: f.failCommit}
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
	return tx, nil
}

func (f *fakeDB) BorrowScoped(context.Context, string) (adapter.Session, error) {
	return nil, fault.New(fault.KindInternal, "scoped borrow not scripted")
}
func (f *fakeDB) ReleaseScope(string) error                    { return nil }
func (f *fakeDB) PurgeScopes(context.Context) adapter.CleanupReport { return adapter.CleanupReport{} }
func (f *fakeDB) Health(context.Context) error                 { return nil }
func (f *fakeDB) Dialect() adapter.Dialect                     { return f.dialect }
func (f *fakeDB) Rebind(query string) string                   { return query }
func (f *fakeDB) SetTestMode(bool)                             {}
func (f *fakeDB) Close() error                                 { return nil }

func (f *fakeDB) Introspect(context.Context) (*schema.LiveSchema, error) {
	if f.live != nil {
		return f.live, nil
	}
	return schema.NewLiveSchema(), nil
}

func (f *fakeDB) execContaining(sub string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.exec {
		if strings.Contains(s, sub) {
			out = append(out, s)
		}
	}
	return out
}

// argsOf returns the bind arguments of the first recorded statement
// containing sub.
func argsOf(stmts []string, args [][]any, sub string) []any {
	for i, s := range stmts {
		if strings.Contains(s, sub) {
			return args[i]
		}
	}
	return nil
}

// fakeTx records statements in order, with savepoint traffic inlined as
// markers so tests can assert the full sequence.
type fakeTx struct {
	db *fakeDB

	stmts      []string
	args       [][]any
	committed  bool
	rolledBack bool

	failRollbackTo bool
	failCommit     bool
}

func (t *fakeTx) ExecDML(_ context.Context, query string, args ...any) (adapter.Result, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if err := t.db.scriptedErr(query); err != nil {
		return adapter.Result{}, err
	}
	t.stmts = append(t.stmts, query)
	t.args = append(t.args, args)
	return adapter.Result{RowsAffected: 1}, nil
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...any) ([]adapter.Row, error) {
	return t.db.Query(ctx, query, args...)
}

func (t *fakeTx) mark(s string) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.stmts = append(t.stmts, s)
	t.args = append(t.args, nil)
}

func (t *fakeTx) Savepoint(_ context.Context, name string) error {
	t.mark("SAVEPOINT " + name)
	return nil
}

func (t *fakeTx) RollbackTo(_ context.Context, name string) error {
	if t.failRollbackTo {
		return errors.New("savepoint rewind unsupported")
	}
	t.mark("ROLLBACK TO " + name)
	return nil
}

func (t *fakeTx) ReleaseSavepoint(_ context.Context, name string) error {
	t.mark("RELEASE " + name)
	return nil
}

func (t *fakeTx) Commit() error {
	if t.failCommit {
		return errors.New("commit refused")
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

func newTestExecutor(db *fakeDB) *Executor {
	return NewExecutor(db, NewLockManager(db, zap.NewNop()), NewHistory(db, "testapp"), zap.NewNop())
}

func threeStepPlan() *Plan {
	return &Plan{Steps: []Step{
		{Kind: StepCreateTable, Table: "alpha", Forward: []string{"CREATE TABLE alpha (id integer)"}, Reverse: []string{"DROP TABLE alpha"}},
		{Kind: StepCreateTable, Table: "beta", Forward: []string{"CREATE TABLE beta (id integer)"}, Reverse: []string{"DROP TABLE beta"}},
		{Kind: StepAlterType, Table: "gamma", Column: "v", Forward: []string{"ALTER TABLE gamma BOOM"}, Reverse: []string{"UNALTER gamma"}},
	}}
}

func TestExecutorAppliesPlanAndRecordsHistory(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepCreateTable, Table: "alpha", Forward: []string{"CREATE TABLE alpha (id integer)"}, Reverse: []string{"DROP TABLE alpha"}},
		{Kind: StepAddIndex, Table: "alpha", Forward: []string{"CREATE INDEX ix_alpha ON alpha (id)"}, Reverse: []string{"DROP INDEX ix_alpha"}},
	}}

	res, err := ex.Execute(context.Background(), plan, ExecOptions{
		Record: &Record{Checksum: "abc123", RegistrySync: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.False(t, res.Reversed)
	assert.Regexp(t, `^\d{14}$`, res.Version)

	// Lock lifecycle runs on the pool: ensure table, claim, release.
	require.Len(t, db.exec, 3)
	assert.Contains(t, db.exec[0], "CREATE TABLE IF NOT EXISTS "+LockTable)
	assert.Contains(t, db.exec[1], "INSERT INTO "+LockTable)
	assert.Contains(t, db.exec[2], "DELETE FROM "+LockTable)

	// Steps, savepoints, and the history row all ride one transaction.
	require.Len(t, db.txs, 1)
	tx := db.txs[0]
	require.Len(t, tx.stmts, 5)
	assert.Equal(t, "CREATE TABLE alpha (id integer)", tx.stmts[0])
	assert.Equal(t, "SAVEPOINT dataflow_step_0", tx.stmts[1])
	assert.Equal(t, "CREATE INDEX ix_alpha ON alpha (id)", tx.stmts[2])
	assert.Equal(t, "SAVEPOINT dataflow_step_1", tx.stmts[3])
	assert.Contains(t, tx.stmts[4], "INSERT INTO "+HistoryTable)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	rec := argsOf(tx.stmts, tx.args, HistoryTable)
	require.Len(t, rec, 9)
	assert.Equal(t, res.Version, rec[0])
	assert.Equal(t, "abc123", rec[1])
	assert.Equal(t, StatusApplied, rec[3])
	assert.Equal(t, "CREATE TABLE alpha (id integer);\nCREATE INDEX ix_alpha ON alpha (id);", rec[4])
	// Reverse SQL is stored in rollback order: newest step first.
	assert.Equal(t, "DROP INDEX ix_alpha;\nDROP TABLE alpha;", rec[5])
	assert.Equal(t, "testapp", rec[6])
	assert.Equal(t, true, rec[8])
}

func TestExecutorEmptyPlanTouchesNothing(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	ex := newTestExecutor(db)

	res, err := ex.Execute(context.Background(), &Plan{}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Empty(t, db.exec)
	assert.Empty(t, db.txs)
}

func TestExecutorCriticalPlanNeedsConfirmation(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	ex := newTestExecutor(db)
	plan := &Plan{
		Steps: []Step{{Kind: StepDropTable, Table: "audit_log", Forward: []string{"DROP TABLE audit_log"}, Reverse: []string{"CREATE TABLE audit_log (id integer)"}}},
		Score: 85,
		Band:  RiskCritical,
	}

	_, err := ex.Execute(context.Background(), plan, ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), "not confirmed")
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"audit_log"}, fe.Tables)
	// Refused before any lock or transaction.
	assert.Empty(t, db.exec)
	assert.Empty(t, db.txs)

	res, err := ex.Execute(context.Background(), plan, ExecOptions{Confirmed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestExecutorLockBusyRefusesRun(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	locks := NewLockManager(db, zap.NewNop())
	ex := NewExecutor(db, locks, NewHistory(db, "testapp"), zap.NewNop())
	require.NoError(t, locks.Acquire(context.Background(), DefaultScope, LockOptions{}))

	_, err := ex.Execute(context.Background(), threeStepPlan(), ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationLockHeldErr(err))
	assert.Empty(t, db.txs)
}

func TestExecutorStepZeroFailureNothingApplied(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.fail["CREATE TABLE alpha"] = errors.New("permission denied")
	ex := newTestExecutor(db)

	_, err := ex.Execute(context.Background(), threeStepPlan(), ExecOptions{
		Record: &Record{Checksum: "abc123", RegistrySync: true},
	})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "nothing applied")

	tx := db.txs[0]
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Empty(t, tx.stmts)

	// The outcome lands in history through the pool, with registry sync
	// withdrawn.
	rec := argsOf(db.exec, db.execArgs, "INSERT INTO "+HistoryTable)
	require.Len(t, rec, 9)
	assert.Equal(t, StatusRolledBack, rec[3])
	assert.Equal(t, false, rec[8])

	// The lock still came off.
	assert.Len(t, db.execContaining("DELETE FROM "+LockTable), 1)
}

func TestExecutorMidPlanFailureReversesCompletedSteps(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.fail["BOOM"] = errors.New("syntax error")
	ex := newTestExecutor(db)

	_, err := ex.Execute(context.Background(), threeStepPlan(), ExecOptions{
		Record: &Record{Checksum: "abc123"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "2 completed steps reversed")
	assert.Contains(t, err.Error(), "alter_type gamma.v")

	tx := db.txs[0]
	assert.Equal(t, []string{
		"CREATE TABLE alpha (id integer)",
		"SAVEPOINT dataflow_step_0",
		"CREATE TABLE beta (id integer)",
		"SAVEPOINT dataflow_step_1",
		"ROLLBACK TO dataflow_step_1",
		"DROP TABLE beta",
		"DROP TABLE alpha",
	}, tx.stmts)
	assert.True(t, tx.committed, "the reversed state commits")

	rec := argsOf(db.exec, db.execArgs, "INSERT INTO "+HistoryTable)
	require.NotNil(t, rec)
	assert.Equal(t, StatusRolledBack, rec[3])
}

func TestExecutorReverseFailureInTxFallsBackToFullRollback(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.fail["BOOM"] = errors.New("syntax error")
	db.fail["DROP TABLE beta"] = errors.New("table locked")
	ex := newTestExecutor(db)

	_, err := ex.Execute(context.Background(), threeStepPlan(), ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "transaction rolled back")

	tx := db.txs[0]
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestExecutorIrreversibleStepInTxFullRollback(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.fail["BOOM"] = errors.New("syntax error")
	ex := newTestExecutor(db)
	plan := threeStepPlan()
	plan.Steps[1].Reverse = nil
	plan.Steps[1].Irreversible = true

	// The transaction still holds everything, so even an irreversible
	// completed step unwinds cleanly.
	_, err := ex.Execute(context.Background(), plan, ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "transaction rolled back")
	assert.True(t, db.txs[0].rolledBack)
}

// mysqlFake scripts the advisory lock grant mysql migrations take.
func mysqlFake() *fakeDB {
	db := newFakeDB(adapter.DialectMySQL)
	db.queries["GET_LOCK"] = []adapter.Row{{"GET_LOCK(?, 0)": int64(1)}}
	return db
}

func TestExecutorAbandonedTxReversesOnPool(t *testing.T) {
	// DDL that committed implicitly cannot rewind to a savepoint; the
	// executor abandons the transaction and reverses on the pool.
	db := mysqlFake()
	db.failRollbackTo = true
	db.fail["BOOM"] = errors.New("syntax error")
	ex := newTestExecutor(db)

	_, err := ex.Execute(context.Background(), threeStepPlan(), ExecOptions{
		Record: &Record{Checksum: "abc123"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "2 completed steps reversed")

	tx := db.txs[0]
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.NotContains(t, tx.stmts, "DROP TABLE beta")

	drops := db.execContaining("DROP TABLE")
	assert.Equal(t, []string{"DROP TABLE beta", "DROP TABLE alpha"}, drops)

	rec := argsOf(db.exec, db.execArgs, "INSERT INTO "+HistoryTable)
	require.NotNil(t, rec)
	assert.Equal(t, StatusRolledBack, rec[3])
}

func TestExecutorAbandonedIrreversibleNeedsManualRecovery(t *testing.T) {
	db := mysqlFake()
	db.failRollbackTo = true
	db.fail["BOOM"] = errors.New("syntax error")
	ex := newTestExecutor(db)
	plan := threeStepPlan()
	plan.Steps[1].Kind = StepRebuildTable
	plan.Steps[1].Reverse = nil
	plan.Steps[1].Irreversible = true

	_, err := ex.Execute(context.Background(), plan, ExecOptions{
		Record: &Record{Checksum: "abc123"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsManualRecoveryErr(err))
	assert.Contains(t, err.Error(), "cannot reverse automatically")

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, fe.Tables)
	assert.Equal(t, []string{"DROP TABLE alpha"}, fe.Remaining)
	assert.Contains(t, fe.Hint, HistoryTable)

	// Nothing was reversed on the pool.
	assert.Empty(t, db.execContaining("DROP TABLE alpha"))
	rec := argsOf(db.exec, db.execArgs, "INSERT INTO "+HistoryTable)
	require.NotNil(t, rec)
	assert.Equal(t, StatusManualRecovery, rec[3])
}

func TestExecutorAbandonedReverseFailureListsRemaining(t *testing.T) {
	db := mysqlFake()
	db.failRollbackTo = true
	db.fail["BOOM"] = errors.New("syntax error")
	db.fail["DROP TABLE beta"] = errors.New("table locked")
	ex := newTestExecutor(db)
	plan := threeStepPlan()
	plan.Steps[1].Reverse = []string{"DROP TABLE beta", "DROP INDEX ix_beta"}

	_, err := ex.Execute(context.Background(), plan, ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsManualRecoveryErr(err))

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"DROP TABLE beta", "DROP INDEX ix_beta", "DROP TABLE alpha"}, fe.Remaining)
}

func TestExecutorHistoryInsertFailureUnwindsPlan(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.fail["INSERT INTO "+HistoryTable] = errors.New("history table dropped")
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepCreateTable, Table: "alpha", Forward: []string{"CREATE TABLE alpha (id integer)"}, Reverse: []string{"DROP TABLE alpha"}},
	}}

	_, err := ex.Execute(context.Background(), plan, ExecOptions{
		Record: &Record{Checksum: "abc123"},
	})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "completing history record")

	tx := db.txs[0]
	assert.Contains(t, tx.stmts, "ROLLBACK TO dataflow_step_0")
	assert.Contains(t, tx.stmts, "DROP TABLE alpha")
	assert.True(t, tx.committed)
}

func TestExecutorCommitFailure(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.failCommit = true
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepCreateTable, Table: "alpha", Forward: []string{"CREATE TABLE alpha (id integer)"}},
	}}

	_, err := ex.Execute(context.Background(), plan, ExecOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "commit failed")
	assert.False(t, db.txs[0].committed)
}

func TestExecutorBaselineCapturesTimings(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepAddIndex, Table: "alpha", Forward: []string{"CREATE INDEX ix_alpha ON alpha (id)"}, Reverse: []string{"DROP INDEX ix_alpha"}},
	}}

	res, err := ex.Execute(context.Background(), plan, ExecOptions{
		// Threshold high enough that scheduler jitter cannot trip it.
		Baseline: &Baseline{DB: db, Runs: 1, Threshold: 1000},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Baseline)
	assert.Contains(t, res.Baseline.Before, "alpha/count")
	assert.Contains(t, res.Baseline.After, "alpha/scan")
	assert.GreaterOrEqual(t, res.Baseline.Ratio, 1.0)

	// Staged copy created and dropped twice: before and after.
	assert.Len(t, db.execContaining("dataflow_stage_alpha"), 4)
}

func TestCheckBaselineAbortRevertsPlan(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	// Staged queries crawl after the migration.
	db.delay["dataflow_stage_alpha"] = 2 * time.Millisecond
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepAlterType, Table: "alpha", Column: "v", Forward: []string{"ALTER TABLE alpha x"}, Reverse: []string{"UNALTER TABLE alpha"}},
	}}
	report := &BaselineReport{Before: map[string]time.Duration{
		"alpha/count": time.Microsecond,
		"alpha/scan":  time.Microsecond,
	}}

	err := ex.checkBaseline(context.Background(), plan, ExecOptions{
		Baseline: &Baseline{DB: db, Runs: 1, AbortOnDegradation: true},
		Record:   &Record{Checksum: "abc123"},
	}, report)
	require.Error(t, err)
	assert.True(t, fault.IsMigrationAbortedErr(err))
	assert.Contains(t, err.Error(), "reverted")
	assert.Greater(t, report.Ratio, DefaultBaselineThreshold)

	// The reverse ran as its own transaction and the outcome was
	// recorded.
	require.Len(t, db.txs, 1)
	assert.Equal(t, []string{"UNALTER TABLE alpha"}, db.txs[0].stmts)
	assert.True(t, db.txs[0].committed)
	rec := argsOf(db.exec, db.execArgs, "INSERT INTO "+HistoryTable)
	require.NotNil(t, rec)
	assert.Equal(t, StatusRolledBack, rec[3])
}

func TestCheckBaselineDegradationWarnsWithoutAbort(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.delay["dataflow_stage_alpha"] = 2 * time.Millisecond
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepAlterType, Table: "alpha", Forward: []string{"ALTER TABLE alpha x"}, Reverse: []string{"UNALTER TABLE alpha"}},
	}}
	report := &BaselineReport{Before: map[string]time.Duration{"alpha/count": time.Microsecond}}

	err := ex.checkBaseline(context.Background(), plan, ExecOptions{
		Baseline: &Baseline{DB: db, Runs: 1},
	}, report)
	require.NoError(t, err)
	assert.Greater(t, report.Ratio, DefaultBaselineThreshold)
	assert.Empty(t, db.txs)
}

func TestCheckBaselineIrreversiblePlanCannotRevert(t *testing.T) {
	db := newFakeDB(adapter.DialectSQLite)
	db.delay["dataflow_stage_alpha"] = 2 * time.Millisecond
	ex := newTestExecutor(db)
	plan := &Plan{Steps: []Step{
		{Kind: StepRebuildTable, Table: "alpha", Forward: []string{"REBUILD alpha"}, Irreversible: true},
	}}
	report := &BaselineReport{Before: map[string]time.Duration{"alpha/count": time.Microsecond}}

	err := ex.checkBaseline(context.Background(), plan, ExecOptions{
		Baseline: &Baseline{DB: db, Runs: 1, AbortOnDegradation: true},
	}, report)
	require.Error(t, err)
	assert.True(t, fault.IsManualRecoveryErr(err))
	assert.Empty(t, db.txs)
}
