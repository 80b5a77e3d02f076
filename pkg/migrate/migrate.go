// Package migrate compares declared models against the live database
// schema and closes the gap: a comparator produces diffs, a planner
// turns them into ordered, reversible-where-possible steps with a risk
// score, and an executor applies them under an advisory lock with a
// savepoint per step and pre-computed reverse SQL for rollback.
//
// The migrator is idempotent and safe to run on every application
// startup: history rows in dataflow_migrations carry a checksum of the
// declared models, and an unchanged checksum skips all planning.
//
// # Usage
//
//	m := migrate.New(db, "billing", log)
//	res, err := m.Migrate(ctx, models, migrate.MigrateOptions{})
//
// Preview without touching the database:
//
//	res, err := m.Migrate(ctx, models, migrate.MigrateOptions{DryRun: os.Stdout})
package migrate

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// MigrateOptions controls one migration run.
type MigrateOptions struct {
	// DryRun writes the annotated plan to the writer instead of applying
	// it. Nil migrates normally.
	DryRun io.Writer

	// Force re-plans and re-applies even when the recorded checksum
	// matches the declared models.
	Force bool

	// Confirmed acknowledges a critical-band plan.
	Confirmed bool

	// Production and BackupVerified feed the risk score.
	Production     bool
	BackupVerified bool

	// DetectRenames enables the table rename heuristic; RenameThreshold
	// overrides its 0.6 name-similarity default.
	DetectRenames   bool
	RenameThreshold float64

	// Scope, LockTimeout, and ForceUnlock configure the migration lock.
	Scope       string
	LockTimeout time.Duration
	ForceUnlock bool

	// Baseline, when set, gates the migration on staged query timings.
	Baseline *Baseline
}

// MigrateResult reports what a run decided and did.
type MigrateResult struct {
	// Skipped is set when the checksum fast path found nothing to do.
	Skipped  bool
	Checksum string

	Diffs []Diff
	Plan  *Plan

	// Orphans lists live tables no declared model covers; the plan
	// drops them, so they are surfaced here for review.
	Orphans []string

	Exec *ExecResult
}

// Migrator owns the migration surface for one adapter: history,
// locking, planning, and execution.
type Migrator struct {
	db    adapter.Adapter
	hist  *History
	locks *LockManager
	log   *zap.Logger
}

// New builds a Migrator. The applicationID tags history rows so several
// applications can share a database.
func New(db adapter.Adapter, applicationID string, log *zap.Logger) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Migrator{
		db:    db,
		hist:  NewHistory(db, applicationID),
		locks: NewLockManager(db, log),
		log:   log,
	}
}

// History returns the application's recorded migrations, newest first.
func (m *Migrator) History(ctx context.Context) ([]Record, error) {
	return m.hist.Records(ctx)
}

// LockHolder reports who currently holds a scope's migration lock.
func (m *Migrator) LockHolder(ctx context.Context, scope string) (*LockInfo, error) {
	if scope == "" {
		scope = DefaultScope
	}
	return m.locks.Holder(ctx, scope)
}

// Migrate drives the whole cycle: checksum fast path, introspection,
// comparison, planning, and execution. With DryRun set it stops after
// planning and prints the annotated plan.
func (m *Migrator) Migrate(ctx context.Context, models []schema.Model, opts MigrateOptions) (*MigrateResult, error) {
	checksum, err := schema.ComputeChecksum(models)
	if err != nil {
		return nil, err
	}

	if !opts.Force && opts.DryRun == nil {
		last, err := m.hist.Last(ctx)
		if err != nil {
			return nil, err
		}
		if ShouldSkip(last, checksum, opts.Force) {
			m.log.Debug("schema unchanged; migration skipped", zap.String("checksum", checksum))
			return &MigrateResult{Skipped: true, Checksum: checksum}, nil
		}
	}

	live, err := m.db.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*schema.Model, len(models))
	for i := range models {
		ptrs[i] = &models[i]
	}
	diffs, err := Compare(ptrs, live, CompareOptions{
		Dialect:         m.db.Dialect(),
		DetectRenames:   opts.DetectRenames,
		RenameThreshold: opts.RenameThreshold,
	})
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(m.db.Dialect(), ptrs, live, diffs, PlanOptions{
		Production:     opts.Production,
		BackupVerified: opts.BackupVerified,
	})
	if err != nil {
		return nil, err
	}

	res := &MigrateResult{
		Checksum: checksum,
		Diffs:    diffs,
		Plan:     plan,
		Orphans:  orphanTables(diffs),
	}

	if opts.DryRun != nil {
		m.outputDryRun(opts.DryRun, checksum, plan, diffs)
		return res, nil
	}

	defs, err := schema.MarshalDefinitions(models)
	if err != nil {
		return nil, err
	}
	rec := &Record{Checksum: checksum, ModelDefinitions: defs, RegistrySync: true}

	if err := m.hist.Ensure(ctx); err != nil {
		return nil, err
	}
	if plan.Empty() {
		// Nothing structural changed but the checksum moved (renamed
		// model, cosmetic config); record it so the fast path holds.
		recd := *rec
		recd.Status = StatusApplied
		recd.Version = NewVersion()
		if err := m.hist.Insert(ctx, m.db, recd); err != nil {
			return nil, err
		}
		res.Exec = &ExecResult{Version: recd.Version}
		return res, nil
	}

	for _, w := range plan.Warnings {
		m.log.Warn("migration plan warning", zap.String("warning", w))
	}
	for _, c := range plan.Cycles {
		m.log.Warn("referential cycle in live schema", zap.String("cycle", c))
	}

	exec := NewExecutor(m.db, m.locks, m.hist, m.log)
	execRes, err := exec.Execute(ctx, plan, ExecOptions{
		Scope:       opts.Scope,
		Confirmed:   opts.Confirmed,
		LockTimeout: opts.LockTimeout,
		ForceUnlock: opts.ForceUnlock,
		Record:      rec,
		Baseline:    opts.Baseline,
	})
	if err != nil {
		return nil, err
	}
	res.Exec = execRes
	m.log.Info("migration applied",
		zap.Int("steps", execRes.Applied),
		zap.String("version", execRes.Version),
		zap.String("risk", string(plan.Band)),
		zap.Duration("duration", execRes.Duration))
	return res, nil
}

// orphanTables are the live tables the declared models no longer cover.
func orphanTables(diffs []Diff) []string {
	var out []string
	for _, diff := range diffs {
		if diff.Kind == TableDropped {
			out = append(out, diff.Table)
		}
	}
	return out
}

func (m *Migrator) outputDryRun(w io.Writer, checksum string, plan *Plan, diffs []Diff) {
	_, _ = fmt.Fprintf(w, "-- DataFlow Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Schema checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Risk: %s (score %d)\n", plan.Band, plan.Score)
	_, _ = fmt.Fprintf(w, "\n")

	banner(w, fmt.Sprintf("Diffs (%d)", len(diffs)))
	for _, d := range diffs {
		_, _ = fmt.Fprintf(w, "-- %s\n", d.String())
	}
	_, _ = fmt.Fprintf(w, "\n")

	if len(plan.Warnings) > 0 {
		banner(w, "Warnings")
		for _, warn := range plan.Warnings {
			_, _ = fmt.Fprintf(w, "-- %s\n", warn)
		}
		_, _ = fmt.Fprintf(w, "\n")
	}
	if len(plan.Cycles) > 0 {
		banner(w, "Referential Cycles")
		for _, c := range plan.Cycles {
			_, _ = fmt.Fprintf(w, "-- %s\n", c)
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	for i := range plan.Steps {
		st := &plan.Steps[i]
		flags := ""
		if st.Irreversible {
			flags += " irreversible"
		}
		if st.DataLoss {
			flags += " data-loss"
		}
		banner(w, fmt.Sprintf("Step %d: %s [score %d%s]", i, st.Describe(), st.Score, flags))
		if st.Impact != nil && len(st.Impact.Objects) > 0 {
			for _, obj := range st.Impact.Objects {
				_, _ = fmt.Fprintf(w, "-- touches %s\n", obj)
			}
			_, _ = fmt.Fprintf(w, "\n")
		}
		for _, stmt := range st.Forward {
			_, _ = fmt.Fprintf(w, "%s;\n\n", stmt)
		}
	}

	banner(w, "Reverse (rollback order)")
	for _, stmt := range plan.Reverse() {
		_, _ = fmt.Fprintf(w, "%s;\n\n", stmt)
	}
}

func banner(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- %s\n", title)
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
}
