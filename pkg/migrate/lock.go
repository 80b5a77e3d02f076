package migrate

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataflowhq/dataflow/internal/ident"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
)

// DefaultLockTimeout is how long a migration lock stays valid before any
// caller may force-release it.
const DefaultLockTimeout = time.Hour

// LockTable holds one row per schema scope while a migration runs.
const LockTable = "dataflow_migration_locks"

// LockInfo describes the current holder of a scope's migration lock.
type LockInfo struct {
	Scope      string
	HolderPID  int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Stale      bool
}

// LockOptions tune one acquisition attempt.
type LockOptions struct {
	// Timeout is the validity window written into the lock row. Zero
	// means DefaultLockTimeout.
	Timeout time.Duration

	// Force releases a stale holder's row before acquiring. A live
	// holder is never displaced.
	Force bool
}

// LockManager guards migrations with one named lock per schema scope.
// The lock row in dataflow_migration_locks carries holder metadata and
// is the sole mechanism on sqlite; postgres and mysql additionally take
// the database's advisory primitive inside the migration transaction.
// Re-entry on a scope this process already holds is refused.
type LockManager struct {
	db  adapter.Adapter
	log *zap.Logger

	mu   sync.Mutex
	held map[string]bool
}

func NewLockManager(db adapter.Adapter, log *zap.Logger) *LockManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &LockManager{db: db, log: log, held: map[string]bool{}}
}

// Acquire claims the scope's lock row. On refusal the error carries the
// holder's process id and acquisition time.
func (l *LockManager) Acquire(ctx context.Context, scope string, opts LockOptions) error {
	if err := ident.Check(scope); err != nil {
		return err
	}
	l.mu.Lock()
	if l.held[scope] {
		l.mu.Unlock()
		return fault.New(fault.KindMigrationLockHeld,
			"migration lock on %q already held by this process", scope)
	}
	l.mu.Unlock()

	if err := l.ensureTable(ctx); err != nil {
		return err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	err := l.insert(ctx, scope, timeout)
	if err != nil && fault.IsConstraintErr(err) {
		holder, herr := l.Holder(ctx, scope)
		if herr != nil {
			return herr
		}
		if holder == nil {
			// Holder vanished between insert and read; one more try.
			err = l.insert(ctx, scope, timeout)
		} else if holder.Stale && opts.Force {
			l.log.Warn("force-releasing stale migration lock",
				zap.String("scope", scope),
				zap.Int64("holder_pid", holder.HolderPID),
				zap.Time("acquired_at", holder.AcquiredAt))
			if _, derr := l.db.ExecDML(ctx,
				l.db.Rebind("DELETE FROM "+LockTable+" WHERE schema_scope = ? AND holder_process_id = ?"),
				scope, holder.HolderPID); derr != nil {
				return derr
			}
			err = l.insert(ctx, scope, timeout)
		} else {
			return lockHeldError(scope, holder)
		}
	}
	if err != nil {
		if fault.IsConstraintErr(err) {
			holder, _ := l.Holder(ctx, scope)
			return lockHeldError(scope, holder)
		}
		return err
	}

	l.mu.Lock()
	l.held[scope] = true
	l.mu.Unlock()
	return nil
}

// Release deletes this process's lock row. Releasing a scope not held
// here is a no-op.
func (l *LockManager) Release(ctx context.Context, scope string) error {
	l.mu.Lock()
	owned := l.held[scope]
	delete(l.held, scope)
	l.mu.Unlock()
	if !owned {
		return nil
	}
	_, err := l.db.ExecDML(ctx,
		l.db.Rebind("DELETE FROM "+LockTable+" WHERE schema_scope = ? AND holder_process_id = ?"),
		scope, int64(os.Getpid()))
	return err
}

// LockTx takes the dialect's advisory primitive on the migration
// transaction's connection. Postgres uses a transaction-scoped advisory
// lock that vanishes on commit or rollback; mysql uses GET_LOCK and
// needs UnlockTx before commit. SQLite relies on the lock row alone.
func (l *LockManager) LockTx(ctx context.Context, tx adapter.Tx, scope string) error {
	switch l.db.Dialect() {
	case adapter.DialectPostgres:
		rows, err := tx.Query(ctx, l.db.Rebind("SELECT pg_try_advisory_xact_lock(?)"), advisoryKey(scope))
		if err != nil {
			return err
		}
		if !firstBool(rows) {
			return fault.New(fault.KindMigrationLockHeld,
				"advisory lock on %q busy in another session", scope)
		}
	case adapter.DialectMySQL:
		rows, err := tx.Query(ctx, l.db.Rebind("SELECT GET_LOCK(?, 0)"), advisoryName(scope))
		if err != nil {
			return err
		}
		if !firstBool(rows) {
			return fault.New(fault.KindMigrationLockHeld,
				"advisory lock on %q busy in another session", scope)
		}
	}
	return nil
}

// UnlockTx releases the advisory primitive where that is a statement.
// Must run on the same transaction before commit.
func (l *LockManager) UnlockTx(ctx context.Context, tx adapter.Tx, scope string) {
	if l.db.Dialect() != adapter.DialectMySQL {
		return
	}
	if _, err := tx.Query(ctx, l.db.Rebind("SELECT RELEASE_LOCK(?)"), advisoryName(scope)); err != nil {
		l.log.Warn("advisory lock release failed; the session lock clears when the connection closes",
			zap.String("scope", scope), zap.Error(err))
	}
}

// Holder reads the current lock row for a scope. Nil when unlocked.
func (l *LockManager) Holder(ctx context.Context, scope string) (*LockInfo, error) {
	rows, err := l.db.Query(ctx,
		l.db.Rebind("SELECT holder_process_id, acquired_at, expires_at FROM "+LockTable+" WHERE schema_scope = ?"),
		scope)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	info := &LockInfo{
		Scope:      scope,
		HolderPID:  intValue(rows[0]["holder_process_id"]),
		AcquiredAt: timeValue(rows[0]["acquired_at"]),
		ExpiresAt:  timeValue(rows[0]["expires_at"]),
	}
	info.Stale = !info.ExpiresAt.IsZero() && time.Now().UTC().After(info.ExpiresAt)
	return info, nil
}

func (l *LockManager) insert(ctx context.Context, scope string, timeout time.Duration) error {
	now := time.Now().UTC()
	_, err := l.db.ExecDML(ctx,
		l.db.Rebind("INSERT INTO "+LockTable+" (schema_scope, holder_process_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)"),
		scope, int64(os.Getpid()), now, now.Add(timeout))
	return err
}

func (l *LockManager) ensureTable(ctx context.Context) error {
	d := l.db.Dialect()
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (schema_scope VARCHAR(63) PRIMARY KEY, holder_process_id BIGINT NOT NULL, acquired_at %s NOT NULL, expires_at %s NOT NULL)",
		LockTable, timestampType(d), timestampType(d))
	_, err := l.db.ExecDML(ctx, ddl)
	return err
}

func lockHeldError(scope string, holder *LockInfo) error {
	if holder == nil {
		return fault.New(fault.KindMigrationLockHeld, "migration lock on %q held by another process", scope)
	}
	f := fault.New(fault.KindMigrationLockHeld,
		"migration lock on %q held by process %d since %s",
		scope, holder.HolderPID, holder.AcquiredAt.Format(time.RFC3339))
	if holder.Stale {
		return f.WithHint("the lock is stale; pass the force flag to release it")
	}
	return f.WithHint("wait for the running migration or investigate the holder")
}

// advisoryKey hashes a scope into the signed 64-bit space postgres
// advisory locks key on.
func advisoryKey(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte("dataflow:" + scope))
	return int64(h.Sum64())
}

// advisoryName is the GET_LOCK name; mysql caps lock names at 64 chars,
// so long scopes degrade to the hash.
func advisoryName(scope string) string {
	name := "dataflow_migrate_" + scope
	if len(name) <= 64 {
		return name
	}
	return fmt.Sprintf("dataflow_migrate_%x", advisoryKey(scope))
}

func firstBool(rows []adapter.Row) bool {
	if len(rows) == 0 {
		return false
	}
	for _, v := range rows[0] {
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x == 1
		case []byte:
			return len(x) == 1 && x[0] == '1'
		case string:
			return x == "1" || x == "t" || x == "true"
		}
	}
	return false
}

func intValue(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case []byte:
		var n int64
		fmt.Sscanf(string(x), "%d", &n)
		return n
	case string:
		var n int64
		fmt.Sscanf(x, "%d", &n)
		return n
	}
	return 0
}

func timeValue(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case []byte:
		return parseDBTime(string(x))
	case string:
		return parseDBTime(x)
	}
	return time.Time{}
}

func parseDBTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
