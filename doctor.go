package dataflow

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/migrate"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// CheckStatus is the outcome of a single health check.
type CheckStatus int

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s CheckStatus) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g. "Database", "Migration State").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status CheckStatus

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// DoctorReport contains all health check results.
type DoctorReport struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *DoctorReport) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer, grouped by category in
// insertion order.
func (r *DoctorReport) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *DoctorReport) HasErrors() bool {
	return r.Errors > 0
}

// Doctor runs health checks against the initialized engine: database
// connectivity, migration history sync, lock state, pending schema
// changes, and the cache backend. Soft problems land in the report;
// the error return is reserved for checks that could not run at all.
func (e *Engine) Doctor(ctx context.Context) (*DoctorReport, error) {
	db, mig, err := e.handles()
	if err != nil {
		return nil, err
	}

	report := &DoctorReport{}
	if !e.checkDatabase(ctx, db, report) {
		return report, nil
	}
	if err := e.checkMigrationState(ctx, mig, report); err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	e.checkMigrationLock(ctx, mig, report)
	if err := e.checkPendingChanges(ctx, db, report); err != nil {
		return nil, fmt.Errorf("checking pending changes: %w", err)
	}
	e.checkCache(ctx, report)
	return report, nil
}

// checkDatabase verifies connectivity. The remaining checks are skipped
// when it fails; they would all fail the same way.
func (e *Engine) checkDatabase(ctx context.Context, db adapter.Adapter, report *DoctorReport) bool {
	if err := db.Health(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "reachable",
			Status:   StatusFail,
			Message:  "Database is not reachable",
			Details:  err.Error(),
			FixHint:  "Check the database URL and that the server is accepting connections",
		})
		return false
	}
	report.AddCheck(CheckResult{
		Category: "Database",
		Name:     "reachable",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Database reachable (%s)", db.Dialect()),
	})
	return true
}

// checkMigrationState validates the migration history against the
// registered models.
func (e *Engine) checkMigrationState(ctx context.Context, mig *migrate.Migrator, report *DoctorReport) error {
	records, err := mig.History(ctx)
	if err != nil {
		return fmt.Errorf("reading migration history: %w", err)
	}

	if len(records) == 0 {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "migrated",
			Status:   StatusWarn,
			Message:  "No migration records found",
			FixHint:  "Run Migrate to apply the registered models",
		})
		return nil
	}

	last := records[0]
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "migrated",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Schema migrated (version %s, status %s)", last.Version, last.Status),
	})

	models := e.modelValues()
	if len(models) == 0 {
		return nil
	}
	current, err := schema.ComputeChecksum(models)
	if err != nil {
		return fmt.Errorf("computing model checksum: %w", err)
	}
	if current != last.Checksum {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "model_sync",
			Status:   StatusWarn,
			Message:  "Registered models have changed since the last migration",
			Details:  fmt.Sprintf("Declared checksum: %s...\nApplied checksum:  %s...", shorten(current), shorten(last.Checksum)),
			FixHint:  "Run Migrate to apply the changes",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "model_sync",
			Status:   StatusPass,
			Message:  "Registered models are in sync with the migration history",
		})
	}
	return nil
}

// checkMigrationLock reports who holds the default migration lock, if
// anyone. A missing lock table is normal before the first migration.
func (e *Engine) checkMigrationLock(ctx context.Context, mig *migrate.Migrator, report *DoctorReport) {
	holder, err := mig.LockHolder(ctx, migrate.DefaultScope)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: "Migration Lock",
			Name:     "table",
			Status:   StatusWarn,
			Message:  "Migration lock table is not initialized",
			Details:  err.Error(),
			FixHint:  "Run Migrate once to create the engine's state tables",
		})
		return
	}
	switch {
	case holder == nil:
		report.AddCheck(CheckResult{
			Category: "Migration Lock",
			Name:     "held",
			Status:   StatusPass,
			Message:  "No migration lock held",
		})
	case holder.Stale:
		report.AddCheck(CheckResult{
			Category: "Migration Lock",
			Name:     "held",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Stale migration lock held by PID %d since %s", holder.HolderPID, holder.AcquiredAt.Format("2006-01-02 15:04:05")),
			FixHint:  "Confirm the holder is gone, then run Migrate with ForceUnlock",
		})
	default:
		report.AddCheck(CheckResult{
			Category: "Migration Lock",
			Name:     "held",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Migration lock held by PID %d, expires %s", holder.HolderPID, holder.ExpiresAt.Format("2006-01-02 15:04:05")),
			FixHint:  "Wait for the holder to finish before migrating",
		})
	}
}

// checkPendingChanges diffs the registered models against the live
// schema.
func (e *Engine) checkPendingChanges(ctx context.Context, db adapter.Adapter, report *DoctorReport) error {
	declared := e.modelPointers()
	if len(declared) == 0 {
		report.AddCheck(CheckResult{
			Category: "Pending Changes",
			Name:     "models",
			Status:   StatusWarn,
			Message:  "No models registered",
			FixHint:  "Register models before relying on the engine's operations",
		})
		return nil
	}

	live, err := db.Introspect(ctx)
	if err != nil {
		return fmt.Errorf("introspecting live schema: %w", err)
	}
	diffs, err := migrate.Compare(declared, live, migrate.CompareOptions{Dialect: db.Dialect()})
	if err != nil {
		return fmt.Errorf("comparing schemas: %w", err)
	}

	if len(diffs) == 0 {
		report.AddCheck(CheckResult{
			Category: "Pending Changes",
			Name:     "diffs",
			Status:   StatusPass,
			Message:  "Live schema matches the registered models",
		})
		return nil
	}

	lines := make([]string, 0, len(diffs))
	for _, d := range diffs {
		lines = append(lines, d.String())
	}
	details := strings.Join(lines, "\n")
	if len(lines) > 10 {
		details = strings.Join(lines[:10], "\n") + fmt.Sprintf("\n... and %d more", len(lines)-10)
	}
	report.AddCheck(CheckResult{
		Category: "Pending Changes",
		Name:     "diffs",
		Status:   StatusWarn,
		Message:  fmt.Sprintf("%d pending schema change(s)", len(diffs)),
		Details:  details,
		FixHint:  "Run Migrate to apply them",
	})
	return nil
}

// checkCache pings the cache backend. Reads fall through to the
// database on cache trouble, so problems here warn rather than fail.
func (e *Engine) checkCache(ctx context.Context, report *DoctorReport) {
	e.mu.Lock()
	cc := e.cache
	e.mu.Unlock()

	if cc == nil {
		report.AddCheck(CheckResult{
			Category: "Cache",
			Name:     "enabled",
			Status:   StatusPass,
			Message:  "Cache is disabled",
		})
		return
	}
	if err := cc.Ping(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Cache",
			Name:     "backend",
			Status:   StatusWarn,
			Message:  "Cache backend is not responding",
			Details:  err.Error(),
			FixHint:  "Reads fall through to the database meanwhile; check the backend",
		})
		return
	}
	stats := cc.Stats()
	report.AddCheck(CheckResult{
		Category: "Cache",
		Name:     "backend",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Cache healthy (%d hits, %d misses, %d stale serves)", stats.Hits, stats.Misses, stats.Stale),
	})
}

func shorten(sum string) string {
	if len(sum) > 16 {
		return sum[:16]
	}
	return sum
}
