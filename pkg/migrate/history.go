package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

// HistoryTable stores one row per applied migration. The most recent row
// carries the checksum the skip-if-unchanged fast path compares against.
const HistoryTable = "dataflow_migrations"

// RegistryView exposes the latest synced model definitions per
// application as a read-only view over the history table.
const RegistryView = "dataflow_model_registry"

// Migration status values.
const (
	StatusApplied        = "applied"
	StatusRolledBack     = "rolled_back"
	StatusManualRecovery = "manual_recovery"
)

// Record is one row of dataflow_migrations.
type Record struct {
	ID               int64
	Version          string
	Checksum         string
	AppliedAt        time.Time
	Status           string
	ForwardSQL       string
	ReverseSQL       string
	ApplicationID    string
	ModelDefinitions []byte
	RegistrySync     bool
}

// History reads and writes the migration tracking table and the model
// registry view. All statements go through the adapter so the dialect's
// placeholder style and error mapping apply.
type History struct {
	db adapter.Adapter

	// ApplicationID tags rows so several applications can share one
	// database without clobbering each other's registry entries.
	ApplicationID string
}

func NewHistory(db adapter.Adapter, applicationID string) *History {
	if applicationID == "" {
		applicationID = "dataflow"
	}
	return &History{db: db, ApplicationID: applicationID}
}

// Ensure creates the tracking table and registry view when missing.
func (h *History) Ensure(ctx context.Context) error {
	d := h.db.Dialect()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s,
    version VARCHAR(32) NOT NULL,
    checksum VARCHAR(64) NOT NULL,
    applied_at %s NOT NULL,
    status VARCHAR(20) NOT NULL,
    forward_sql %s NOT NULL,
    reverse_sql %s NOT NULL,
    application_id VARCHAR(63) NOT NULL,
    model_definitions %s NOT NULL,
    model_registry_sync %s NOT NULL
)`, HistoryTable, serialPK(d), timestampType(d), clobType(d), clobType(d), jsonType(d), boolType(d))
	if _, err := h.db.ExecDML(ctx, ddl); err != nil {
		return err
	}
	idx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS ix_dataflow_migrations_checksum ON %s (checksum, application_id)",
		HistoryTable)
	if d == adapter.DialectMySQL {
		// mysql has no IF NOT EXISTS for indexes; a duplicate-name error
		// just means the index is already there.
		idx = fmt.Sprintf("CREATE INDEX ix_dataflow_migrations_checksum ON %s (checksum, application_id)", HistoryTable)
		if _, err := h.db.ExecDML(ctx, idx); err != nil && !strings.Contains(err.Error(), "Duplicate key name") {
			return err
		}
	} else if _, err := h.db.ExecDML(ctx, idx); err != nil {
		return err
	}
	return h.ensureView(ctx)
}

func (h *History) ensureView(ctx context.Context) error {
	if _, err := h.db.ExecDML(ctx, "DROP VIEW IF EXISTS "+RegistryView); err != nil {
		return err
	}
	view := fmt.Sprintf(`CREATE VIEW %s AS
SELECT application_id,
    model_definitions,
    checksum AS model_checksum,
    applied_at AS registered_at,
    version AS schema_version
FROM %s
WHERE model_registry_sync %s
    AND id IN (SELECT MAX(id) FROM %s WHERE status = '%s' GROUP BY application_id)`,
		RegistryView, HistoryTable, boolTrue(h.db.Dialect()), HistoryTable, StatusApplied)
	_, err := h.db.ExecDML(ctx, view)
	return err
}

// Last returns the most recent record for this application, or nil when
// the table does not exist yet or holds nothing.
func (h *History) Last(ctx context.Context) (*Record, error) {
	exists, err := h.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	rows, err := h.db.Query(ctx, h.db.Rebind(
		"SELECT id, version, checksum, applied_at, status, forward_sql, reverse_sql, application_id, model_definitions, model_registry_sync FROM "+
			HistoryTable+" WHERE application_id = ? ORDER BY id DESC LIMIT 1"), h.ApplicationID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := scanRecord(rows[0])
	return &rec, nil
}

// Records returns the application's full migration history, newest
// first.
func (h *History) Records(ctx context.Context) ([]Record, error) {
	exists, err := h.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	rows, err := h.db.Query(ctx, h.db.Rebind(
		"SELECT id, version, checksum, applied_at, status, forward_sql, reverse_sql, application_id, model_definitions, model_registry_sync FROM "+
			HistoryTable+" WHERE application_id = ? ORDER BY id DESC"), h.ApplicationID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, scanRecord(row))
	}
	return out, nil
}

// Insert writes one record through the given runner, so a record written
// inside the migration transaction commits or rolls back with it.
func (h *History) Insert(ctx context.Context, r adapter.Runner, rec Record) error {
	if rec.Version == "" {
		rec.Version = NewVersion()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}
	if rec.ApplicationID == "" {
		rec.ApplicationID = h.ApplicationID
	}
	if rec.ModelDefinitions == nil {
		rec.ModelDefinitions = []byte("[]")
	}
	_, err := r.ExecDML(ctx, h.db.Rebind(
		"INSERT INTO "+HistoryTable+
			" (version, checksum, applied_at, status, forward_sql, reverse_sql, application_id, model_definitions, model_registry_sync)"+
			" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		rec.Version, rec.Checksum, rec.AppliedAt, rec.Status, rec.ForwardSQL, rec.ReverseSQL,
		rec.ApplicationID, rec.ModelDefinitions, rec.RegistrySync)
	if err != nil {
		return fault.Wrap(fault.KindMigrationAborted, err, "recording migration history")
	}
	return nil
}

// ShouldSkip reports whether the declared models already match what the
// last applied migration recorded. Force always re-runs.
func ShouldSkip(last *Record, checksum string, force bool) bool {
	if force || last == nil {
		return false
	}
	return last.Status == StatusApplied && last.Checksum == checksum
}

// NewVersion produces the timestamp version tag for a record.
func NewVersion() string {
	return time.Now().UTC().Format("20060102150405")
}

// RegisteredModels loads the model definitions the registry view exposes
// for this application. Nil when nothing was synced yet.
func (h *History) RegisteredModels(ctx context.Context) ([]schema.Model, error) {
	exists, err := h.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	rows, err := h.db.Query(ctx, h.db.Rebind(
		"SELECT model_definitions FROM "+RegistryView+" WHERE application_id = ?"), h.ApplicationID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return schema.UnmarshalDefinitions(bytesValue(rows[0]["model_definitions"]))
}

func (h *History) tableExists(ctx context.Context) (bool, error) {
	var (
		query string
		args  []any
	)
	switch h.db.Dialect() {
	case adapter.DialectPostgres:
		query = `SELECT EXISTS (
    SELECT 1 FROM pg_class c
    JOIN pg_namespace n ON n.oid = c.relnamespace
    WHERE c.relname = ? AND n.nspname = current_schema()
)`
		args = []any{HistoryTable}
	case adapter.DialectMySQL:
		query = "SELECT COUNT(*) > 0 FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
		args = []any{HistoryTable}
	default:
		query = "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?"
		args = []any{HistoryTable}
	}
	rows, err := h.db.Query(ctx, h.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	return firstBool(rows), nil
}

func scanRecord(row adapter.Row) Record {
	return Record{
		ID:               intValue(row["id"]),
		Version:          stringValue(row["version"]),
		Checksum:         stringValue(row["checksum"]),
		AppliedAt:        timeValue(row["applied_at"]),
		Status:           stringValue(row["status"]),
		ForwardSQL:       stringValue(row["forward_sql"]),
		ReverseSQL:       stringValue(row["reverse_sql"]),
		ApplicationID:    stringValue(row["application_id"]),
		ModelDefinitions: bytesValue(row["model_definitions"]),
		RegistrySync:     boolValue(row["model_registry_sync"]),
	}
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}

func bytesValue(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	}
	return nil
}

func boolValue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case []byte:
		return len(x) == 1 && x[0] == '1'
	case string:
		return x == "1" || x == "t" || x == "true"
	}
	return false
}

// JoinSQL flattens a statement list into the single text blob the
// history table stores, one statement per line terminated with ';'.
func JoinSQL(stmts []string) string {
	if len(stmts) == 0 {
		return ""
	}
	return strings.Join(stmts, ";\n") + ";"
}

func serialPK(d adapter.Dialect) string {
	switch d {
	case adapter.DialectPostgres:
		return "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	case adapter.DialectMySQL:
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func timestampType(d adapter.Dialect) string {
	switch d {
	case adapter.DialectPostgres:
		return "TIMESTAMPTZ"
	case adapter.DialectMySQL:
		return "DATETIME(6)"
	default:
		return "TIMESTAMP"
	}
}

func clobType(d adapter.Dialect) string {
	if d == adapter.DialectMySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

func jsonType(d adapter.Dialect) string {
	switch d {
	case adapter.DialectPostgres:
		return "JSONB"
	case adapter.DialectMySQL:
		return "JSON"
	default:
		return "TEXT"
	}
}

func boolType(d adapter.Dialect) string {
	if d == adapter.DialectMySQL {
		return "TINYINT(1)"
	}
	return "BOOLEAN"
}

func boolTrue(d adapter.Dialect) string {
	if d == adapter.DialectMySQL {
		return "= 1"
	}
	return "= TRUE"
}
