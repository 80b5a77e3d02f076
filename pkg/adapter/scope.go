package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// scopeRegistry tracks connections pinned to named scopes. A scope is
// typically a workflow run or a migration lock holder; everything in
// the scope shares one session so session-local state (advisory locks,
// temp tables) survives across statements.
type scopeRegistry struct {
	mu      sync.Mutex
	entries map[string]*scopeEntry
	created int
}

type scopeEntry struct {
	sess    *scopedSession
	ctx     context.Context
	created time.Time
}

func newScopeRegistry() *scopeRegistry {
	return &scopeRegistry{entries: make(map[string]*scopeEntry)}
}

// BorrowScoped returns the session pinned to scope, creating one if
// needed. Repeat borrows of a live scope share the same connection.
func (a *SQL) BorrowScoped(ctx context.Context, scope string) (Session, error) {
	if scope == "" {
		return nil, fault.New(fault.KindValidation, "connection scope must not be empty")
	}

	a.scopes.mu.Lock()
	if e, ok := a.scopes.entries[scope]; ok {
		if e.ctx.Err() == nil {
			sess := e.sess
			a.scopes.mu.Unlock()
			return sess, nil
		}
		// The owning context ended; the pinned connection is stale.
		delete(a.scopes.entries, scope)
		a.scopes.mu.Unlock()
		_ = e.sess.closeConn()
	} else {
		a.scopes.mu.Unlock()
	}

	conn, err := a.db.Connx(ctx)
	if err != nil {
		return nil, mapError(a.Dialect(), err)
	}
	sess := &scopedSession{
		reg:     a.scopes,
		scope:   scope,
		conn:    conn,
		dialect: a.Dialect(),
	}

	a.scopes.mu.Lock()
	a.scopes.entries[scope] = &scopeEntry{sess: sess, ctx: ctx, created: time.Now()}
	a.scopes.created++
	a.scopes.mu.Unlock()
	return sess, nil
}

// ReleaseScope closes the scope's pinned connection, if any.
func (a *SQL) ReleaseScope(scope string) error {
	return a.scopes.release(scope)
}

// PurgeScopes closes scopes whose owning context has ended. In test
// mode every scope is closed regardless of context state.
func (a *SQL) PurgeScopes(ctx context.Context) CleanupReport {
	if a.testing {
		return a.scopes.purgeAll()
	}
	return a.scopes.purge(false)
}

func (r *scopeRegistry) release(scope string) error {
	r.mu.Lock()
	e, ok := r.entries[scope]
	if ok {
		delete(r.entries, scope)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sess.closeConn()
}

func (r *scopeRegistry) purge(all bool) CleanupReport {
	r.mu.Lock()
	var victims []*scopeEntry
	for scope, e := range r.entries {
		if all || e.ctx.Err() != nil {
			victims = append(victims, e)
			delete(r.entries, scope)
		}
	}
	report := CleanupReport{Created: r.created}
	r.mu.Unlock()

	for _, e := range victims {
		if err := e.sess.closeConn(); err != nil {
			report.Errors = append(report.Errors, err)
		}
		report.Purged++
	}
	return report
}

func (r *scopeRegistry) purgeAll() CleanupReport {
	return r.purge(true)
}

// purgeClosed is the reaper entry point.
func (r *scopeRegistry) purgeClosed() (int, []error) {
	report := r.purge(false)
	return report.Purged, report.Errors
}

// scopedSession is a Runner over one pinned connection.
type scopedSession struct {
	reg     *scopeRegistry
	scope   string
	conn    *sqlx.Conn
	dialect Dialect

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*scopedSession)(nil)

func (s *scopedSession) ExecDML(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, mapError(s.dialect, err)
	}
	return collectResult(res), nil
}

func (s *scopedSession) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(s.dialect, err)
	}
	defer rows.Close()
	return scanRows(s.dialect, rows)
}

// Release returns the connection to the pool and forgets the scope.
// Safe to call more than once.
func (s *scopedSession) Release() error {
	s.reg.mu.Lock()
	if e, ok := s.reg.entries[s.scope]; ok && e.sess == s {
		delete(s.reg.entries, s.scope)
	}
	s.reg.mu.Unlock()
	return s.closeConn()
}

func (s *scopedSession) closeConn() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
