package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// DefaultScope names the lock scope when the caller does not set one.
const DefaultScope = "dataflow_default"

// ExecOptions control one plan execution.
type ExecOptions struct {
	// Scope names the advisory lock; migrations on the same scope
	// serialize across processes. Empty means DefaultScope.
	Scope string

	// Confirmed acknowledges a critical-band plan. Critical plans refuse
	// to run without it.
	Confirmed bool

	LockTimeout time.Duration
	ForceUnlock bool

	// Record, when set, is the history row prototype: checksum, model
	// definitions, and registry sync flag filled by the caller. The
	// executor stamps status, version, and the SQL blobs.
	Record *Record

	// Baseline, when set, times a staged workload before and after the
	// migration and reacts to degradation.
	Baseline *Baseline
}

// ExecResult reports what one execution did.
type ExecResult struct {
	Applied  int
	Reversed bool
	Version  string
	Duration time.Duration
	Baseline *BaselineReport
}

// Executor runs plans under the migration lock: one transaction, a
// savepoint after every step, reverse SQL when a step fails. Where the
// dialect keeps DDL transactional the intact transaction is the last
// line of defense; where DDL commits implicitly the reverse statements
// are the only way back, and when they cannot finish the fault says so.
type Executor struct {
	db    adapter.Adapter
	locks *LockManager
	hist  *History
	log   *zap.Logger
}

func NewExecutor(db adapter.Adapter, locks *LockManager, hist *History, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{db: db, locks: locks, hist: hist, log: log}
}

func stepSavepoint(i int) string { return fmt.Sprintf("dataflow_step_%d", i) }

// Execute applies the plan. The returned result is non-nil whenever the
// plan ran to completion; every failure path returns a fault whose kind
// distinguishes a clean rollback from manual recovery.
func (e *Executor) Execute(ctx context.Context, plan *Plan, opts ExecOptions) (*ExecResult, error) {
	if plan.Empty() {
		return &ExecResult{}, nil
	}
	if plan.Band == RiskCritical && !opts.Confirmed {
		return nil, fault.New(fault.KindValidation,
			"plan risk is critical (score %d) and execution is not confirmed", plan.Score).
			WithTables(plan.Tables()...).
			WithHint("review the plan output and re-run with confirmation")
	}
	scope := opts.Scope
	if scope == "" {
		scope = DefaultScope
	}

	start := time.Now()
	if err := e.locks.Acquire(ctx, scope, LockOptions{Timeout: opts.LockTimeout, Force: opts.ForceUnlock}); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), scope); err != nil {
			e.log.Warn("migration lock release failed", zap.String("scope", scope), zap.Error(err))
		}
	}()

	var report *BaselineReport
	if opts.Baseline != nil {
		before, err := opts.Baseline.Capture(ctx, plan.Tables())
		if err != nil {
			e.log.Warn("baseline capture failed; continuing without timings", zap.Error(err))
		} else {
			report = &BaselineReport{Before: before}
		}
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.locks.LockTx(ctx, tx, scope); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	for i := range plan.Steps {
		st := &plan.Steps[i]
		e.log.Info("applying migration step",
			zap.Int("step", i),
			zap.String("kind", string(st.Kind)),
			zap.String("table", st.Table),
			zap.Int("score", st.Score))
		for _, stmt := range st.Forward {
			if _, err := tx.ExecDML(ctx, stmt); err != nil {
				return e.rollback(ctx, tx, plan, opts, scope, i, err)
			}
		}
		if err := tx.Savepoint(ctx, stepSavepoint(i)); err != nil {
			return e.rollback(ctx, tx, plan, opts, scope, i, err)
		}
	}

	version := ""
	if opts.Record != nil && e.hist != nil {
		rec := *opts.Record
		rec.Status = StatusApplied
		rec.Version = NewVersion()
		rec.ForwardSQL = JoinSQL(plan.Forward())
		rec.ReverseSQL = JoinSQL(plan.Reverse())
		if err := e.hist.Insert(ctx, tx, rec); err != nil {
			return e.rollback(ctx, tx, plan, opts, scope, len(plan.Steps), err)
		}
		version = rec.Version
	}

	e.locks.UnlockTx(ctx, tx, scope)
	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.KindMigrationAborted, err, "migration commit failed; nothing applied")
	}

	res := &ExecResult{
		Applied:  len(plan.Steps),
		Version:  version,
		Duration: time.Since(start),
		Baseline: report,
	}
	if report != nil {
		if err := e.checkBaseline(ctx, plan, opts, report); err != nil {
			res.Reversed = true
			return res, err
		}
	}
	return res, nil
}

// rollback is the step-failure path: rewind the current step to the
// previous savepoint, then walk the completed steps' reverse SQL newest
// first. When the savepoint rewind itself fails the dialect has been
// committing DDL as it went, so the transaction is abandoned and the
// reverse statements run on their own connections; from there any
// irreversible step or reverse failure means a human has to finish.
func (e *Executor) rollback(ctx context.Context, tx adapter.Tx, plan *Plan, opts ExecOptions, scope string, failed int, cause error) (*ExecResult, error) {
	e.log.Error("migration step failed; rolling back",
		zap.Int("step", failed), zap.Error(cause))

	label := "completing history record"
	if failed < len(plan.Steps) {
		label = plan.Steps[failed].Describe()
	}

	var runner adapter.Runner = tx
	inTx := true
	if failed == 0 {
		_ = tx.Rollback()
		e.record(ctx, opts, plan, StatusRolledBack)
		return nil, fault.Wrap(fault.KindMigrationAborted, cause,
			"migration aborted at step 0 (%s); nothing applied", label)
	}
	if err := tx.RollbackTo(ctx, stepSavepoint(failed-1)); err != nil {
		e.log.Warn("savepoint rewind unavailable; reversing on autocommit connections", zap.Error(err))
		_ = tx.Rollback()
		runner = e.db
		inTx = false
	}

	for s := failed - 1; s >= 0; s-- {
		st := &plan.Steps[s]
		if st.Irreversible {
			if inTx {
				// The transaction still holds every forward change, so a
				// full rollback beats a partial reverse.
				_ = tx.Rollback()
				e.record(ctx, opts, plan, StatusRolledBack)
				return nil, fault.Wrap(fault.KindMigrationAborted, cause,
					"migration aborted at step %d (%s); transaction rolled back", failed, label)
			}
			e.record(ctx, opts, plan, StatusManualRecovery)
			return nil, fault.Wrap(fault.KindManualRecovery, cause,
				"migration failed at step %d (%s) and step %d (%s) cannot reverse automatically",
				failed, label, s, st.Describe()).
				WithTables(plan.Tables()...).
				WithRemaining(remainingReverse(plan, s, 0)...).
				WithHint("restore the listed tables manually, then repair %s", HistoryTable)
		}
		for j, stmt := range st.Reverse {
			if _, err := runner.ExecDML(ctx, stmt); err != nil {
				if inTx {
					_ = tx.Rollback()
					e.record(ctx, opts, plan, StatusRolledBack)
					return nil, fault.Wrap(fault.KindMigrationAborted, cause,
						"migration aborted at step %d (%s); transaction rolled back", failed, label)
				}
				e.record(ctx, opts, plan, StatusManualRecovery)
				remaining := append(append([]string(nil), st.Reverse[j:]...), remainingReverse(plan, s-1, 0)...)
				return nil, fault.Wrap(fault.KindManualRecovery, err,
					"reverse of step %d (%s) failed while unwinding step %d (%s)",
					s, st.Describe(), failed, label).
					WithTables(plan.Tables()...).
					WithRemaining(remaining...).
					WithHint("apply the remaining statements manually, then repair %s", HistoryTable)
			}
		}
	}

	if inTx {
		e.locks.UnlockTx(ctx, tx, scope)
		if err := tx.Commit(); err != nil {
			// Commit of the reversed state failed; the server rolled the
			// whole transaction back, which also restores the schema.
			e.log.Warn("commit of reversed state failed; transaction rolled back instead", zap.Error(err))
		}
	}
	e.record(ctx, opts, plan, StatusRolledBack)
	return nil, fault.Wrap(fault.KindMigrationAborted, cause,
		"migration aborted at step %d (%s); %d completed steps reversed", failed, label, failed)
}

// remainingReverse flattens the reverse statements of steps from..to
// (walking down) that have not run yet.
func remainingReverse(plan *Plan, from, to int) []string {
	var out []string
	for s := from; s >= to; s-- {
		out = append(out, plan.Steps[s].Reverse...)
	}
	return out
}

// record writes a history row outside the migration transaction, best
// effort: a failure to record never masks the migration's own outcome.
func (e *Executor) record(ctx context.Context, opts ExecOptions, plan *Plan, status string) {
	if opts.Record == nil || e.hist == nil {
		return
	}
	rec := *opts.Record
	rec.Status = status
	rec.RegistrySync = false
	rec.ForwardSQL = JoinSQL(plan.Forward())
	rec.ReverseSQL = JoinSQL(plan.Reverse())
	if err := e.hist.Insert(context.WithoutCancel(ctx), e.db, rec); err != nil {
		e.log.Warn("recording migration outcome failed",
			zap.String("status", status), zap.Error(err))
	}
}

// checkBaseline re-times the staged workload on the migrated schema and
// reacts to degradation beyond the threshold: a warning, or when the
// baseline is configured to abort, a reverse migration.
func (e *Executor) checkBaseline(ctx context.Context, plan *Plan, opts ExecOptions, report *BaselineReport) error {
	after, err := opts.Baseline.Capture(ctx, plan.Tables())
	if err != nil {
		e.log.Warn("post-migration baseline capture failed", zap.Error(err))
		return nil
	}
	report.After = after
	report.Ratio = worstRatio(report.Before, report.After)
	if report.Ratio <= opts.Baseline.threshold() {
		return nil
	}
	e.log.Warn("query timings degraded past threshold",
		zap.Float64("ratio", report.Ratio),
		zap.Float64("threshold", opts.Baseline.threshold()))
	if !opts.Baseline.AbortOnDegradation {
		return nil
	}
	if plan.Irreversible() {
		return fault.New(fault.KindManualRecovery,
			"timings degraded %.1fx past threshold but the plan cannot reverse automatically", report.Ratio).
			WithTables(plan.Tables()...).
			WithHint("restore from backup or accept the migrated schema")
	}
	if err := e.revert(ctx, plan, opts); err != nil {
		return err
	}
	return fault.New(fault.KindMigrationAborted,
		"migration reverted: timings degraded %.1fx past the %.1fx threshold",
		report.Ratio, opts.Baseline.threshold()).
		WithTables(plan.Tables()...)
}

// revert applies the plan's reverse statements as their own transaction.
func (e *Executor) revert(ctx context.Context, plan *Plan, opts ExecOptions) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range plan.Reverse() {
		if _, err := tx.ExecDML(ctx, stmt); err != nil {
			_ = tx.Rollback()
			e.record(ctx, opts, plan, StatusManualRecovery)
			return fault.Wrap(fault.KindManualRecovery, err, "reverting the migration failed").
				WithTables(plan.Tables()...).
				WithHint("apply the recorded reverse statements manually")
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindManualRecovery, err, "committing the reverse migration failed").
			WithTables(plan.Tables()...)
	}
	e.record(ctx, opts, plan, StatusRolledBack)
	return nil
}
