package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
)

var runStamp = time.Date(2024, 5, 2, 9, 15, 0, 0, time.UTC)

// fakeRunner answers from queues under a lock; wave execution calls it
// from several goroutines. An empty queue yields one affected row and no
// result rows. failQueryAt fails the nth Query call (1-based).
type fakeRunner struct {
	mu          sync.Mutex
	execSQL     []string
	execArgs    [][]any
	execQueue   []adapter.Result
	querySQL    []string
	queryArgs   [][]any
	queryQueue  [][]adapter.Row
	failQueryAt int
	queryErr    error
}

func (r *fakeRunner) ExecDML(ctx context.Context, query string, args ...any) (adapter.Result, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execSQL = append(r.execSQL, query)
	r.execArgs = append(r.execArgs, args)
	if len(r.execQueue) > 0 {
		res := r.execQueue[0]
		r.execQueue = r.execQueue[1:]
		return res, nil
	}
	return adapter.Result{RowsAffected: 1}, nil
}

func (r *fakeRunner) Query(ctx context.Context, query string, args ...any) ([]adapter.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.querySQL = append(r.querySQL, query)
	r.queryArgs = append(r.queryArgs, args)
	if r.failQueryAt > 0 && len(r.querySQL) == r.failQueryAt {
		return nil, r.queryErr
	}
	if len(r.queryQueue) > 0 {
		rows := r.queryQueue[0]
		r.queryQueue = r.queryQueue[1:]
		return rows, nil
	}
	return nil, nil
}

func (r *fakeRunner) queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.querySQL))
	copy(out, r.querySQL)
	return out
}

type fakeTx struct {
	*fakeRunner
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Savepoint(context.Context, string) error        { return nil }
func (t *fakeTx) RollbackTo(context.Context, string) error       { return nil }
func (t *fakeTx) ReleaseSavepoint(context.Context, string) error { return nil }
func (t *fakeTx) Commit() error                                  { t.committed = true; return nil }
func (t *fakeTx) Rollback() error                                { t.rolledBack = true; return nil }

type fakeAdapter struct {
	adapter.Adapter
	tx *fakeTx
}

func (a *fakeAdapter) Begin(context.Context) (adapter.Tx, error) { return a.tx, nil }

func testExec(r adapter.Runner, d adapter.Dialect) *nodes.ExecState {
	return &nodes.ExecState{
		Runner:    r,
		Dialect:   d,
		Intercept: intercept.New(intercept.Options{Now: func() time.Time { return runStamp }}),
	}
}

func userCatalog(t *testing.T) *nodes.Catalog {
	t.Helper()
	m := &schema.Model{
		Name: "user",
		Fields: []schema.Field{
			{Name: "name", Type: schema.String(100)},
			{Name: "email", Type: schema.String(255), Nullable: true},
			{Name: "active", Type: schema.Bool(), Default: schema.Literal("true")},
		},
		Config: schema.ModelConfig{TableName: "users"},
	}
	m.Normalize()
	require.NoError(t, m.Validate())

	cat := nodes.NewCatalog()
	require.NoError(t, cat.Register(m))
	return cat
}

func TestAddNodeValidation(t *testing.T) {
	cat := userCatalog(t)
	b := NewBuilder("signup", cat)

	err := b.AddNode("user", nodes.OpCreate, "9bad", nil, nil)
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), "starts with a digit")

	err = b.AddNode("invoice", nodes.OpCreate, "make_invoice", nil, nil)
	assert.Contains(t, err.Error(), `unknown model "invoice"`)
	assert.Contains(t, err.Error(), "registered: user")

	err = b.AddNode("user", nodes.Op("merge"), "merge_users", nil, nil)
	assert.Contains(t, err.Error(), `unknown operation "merge"`)
	assert.Contains(t, err.Error(), "available:")

	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"}, nil))
	err = b.AddNode("user", nodes.OpCreate, "create_user", nil, nil)
	assert.Contains(t, err.Error(), `already has a node "create_user"`)

	err = b.AddNode("user", nodes.OpCreate, "bad_static", nodes.Params{"name": 7}, nil)
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), `workflow "signup" node "bad_static"`)
	assert.Contains(t, err.Error(), "expected a string")

	err = b.AddNode("user", nodes.OpRead, "read_user", nil,
		map[string]string{"nope": "create_user.result.id"})
	assert.Contains(t, err.Error(), `has no parameter "nope"`)
	assert.Contains(t, err.Error(), "declared:")

	err = b.AddNode("user", nodes.OpRead, "read_user", nil, map[string]string{"id": ""})
	assert.Contains(t, err.Error(), "names no source node")
}

func TestFreezeValidation(t *testing.T) {
	cat := userCatalog(t)

	_, err := NewBuilder("empty", cat).Freeze()
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), "has no nodes")

	b := NewBuilder("dangling", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCount, "count_users", nil,
		map[string]string{"filter": "ghost.data"}))
	_, err = b.Freeze()
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), `unknown node "ghost"`)
	assert.Contains(t, err.Error(), "have: count_users")

	b = NewBuilder("loop", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCount, "alpha", nil,
		map[string]string{"filter": "beta.data"}))
	require.NoError(t, b.AddNode("user", nodes.OpCount, "beta", nil,
		map[string]string{"filter": "alpha.data"}))
	_, err = b.Freeze()
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), "cycle involving: alpha, beta")
}

func TestFreezeOrderAndWaves(t *testing.T) {
	cat := userCatalog(t)
	freeze := func() *Workflow {
		b := NewBuilder("diamond", cat)
		require.NoError(t, b.AddNode("user", nodes.OpCount, "alpha", nil, nil))
		require.NoError(t, b.AddNode("user", nodes.OpCount, "bravo", nil,
			map[string]string{"filter": "alpha.data"}))
		require.NoError(t, b.AddNode("user", nodes.OpCount, "charlie", nil,
			map[string]string{"filter": "alpha.data"}))
		require.NoError(t, b.AddNode("user", nodes.OpList, "delta", nil,
			map[string]string{"filter": "bravo.data", "limit": "charlie.data"}))
		require.NoError(t, b.AddNode("user", nodes.OpCount, "echo", nil, nil))
		wf, err := b.Freeze()
		require.NoError(t, err)
		return wf
	}

	wf := freeze()
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, wf.Order())
	assert.Equal(t, [][]string{{"alpha", "echo"}, {"bravo", "charlie"}, {"delta"}}, wf.Waves())
	assert.Empty(t, wf.RuntimeInputs())

	// Same graph, same plan.
	assert.Equal(t, wf.Order(), freeze().Order())
	assert.Equal(t, wf.Waves(), freeze().Waves())
}

func TestFreezeRecordsRuntimeInputs(t *testing.T) {
	cat := userCatalog(t)

	b := NewBuilder("reg", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nil, nil))
	wf, err := b.Freeze()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"create_user": {"name"}}, wf.RuntimeInputs())

	b = NewBuilder("reg_static", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"}, nil))
	wf, err = b.Freeze()
	require.NoError(t, err)
	assert.Empty(t, wf.RuntimeInputs())
}

func TestRunPipesEdgeValues(t *testing.T) {
	cat := userCatalog(t)
	row := adapter.Row{"id": int64(7), "name": "Ada", "email": nil, "active": true}
	fake := &fakeRunner{queryQueue: [][]adapter.Row{{row}, {row}}}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("signup", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"}, nil))
	require.NoError(t, b.AddNode("user", nodes.OpRead, "read_user", nil,
		map[string]string{"id": "create_user.result.id"}))
	wf, err := b.Freeze()
	require.NoError(t, err)

	results, runID, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)
	require.Len(t, results, 2)

	require.Len(t, fake.querySQL, 2)
	assert.Equal(t, `INSERT INTO "users" ("name") VALUES ($1) RETURNING "id", "name", "email", "active"`,
		fake.querySQL[0])
	assert.Equal(t, []any{"Ada"}, fake.queryArgs[0])
	assert.Equal(t, `SELECT * FROM "users" WHERE "id" = $1 LIMIT 1`, fake.querySQL[1])
	assert.Equal(t, []any{int64(7)}, fake.queryArgs[1])

	created := results["create_user"]
	require.NotNil(t, created)
	assert.Equal(t, nodes.OpCreate, created.Op)
	assert.Equal(t, int64(1), created.Output["created"])

	read := results["read_user"]
	require.NotNil(t, read)
	got, ok := read.Output["result"].(adapter.Row)
	require.True(t, ok)
	assert.Equal(t, "Ada", got["name"])
}

func TestRunRequiresRuntimeInputs(t *testing.T) {
	cat := userCatalog(t)
	fake := &fakeRunner{queryQueue: [][]adapter.Row{
		{{"id": int64(1), "name": "Grace", "email": nil, "active": true}},
	}}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("signup", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nil, nil))
	wf, err := b.Freeze()
	require.NoError(t, err)

	_, _, err = r.Run(context.Background(), wf, nil)
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), `workflow "signup" node "create_user"`)
	assert.Contains(t, err.Error(), `missing required parameter "name"`)

	results, _, err := r.Run(context.Background(), wf, map[string]nodes.Params{
		"create_user": {"name": "Grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), results["create_user"].Output["created"])
}

func TestRunProjectsListElements(t *testing.T) {
	cat := userCatalog(t)

	listRows := []adapter.Row{
		{"id": int64(1), "email": "ada@b.test"},
		{"id": int64(2), "email": "bob@b.test"},
	}
	fake := &fakeRunner{queryQueue: [][]adapter.Row{
		listRows,
		{{"id": int64(9), "name": "copy", "email": "bob@b.test", "active": true}},
	}}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("clone", cat)
	require.NoError(t, b.AddNode("user", nodes.OpList, "list_users", nil, nil))
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "clone_second", nodes.Params{"name": "copy"},
		map[string]string{"email": "list_users.data.1.email"}))
	wf, err := b.Freeze()
	require.NoError(t, err)

	results, _, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Len(t, fake.querySQL, 2)
	assert.Equal(t, `SELECT * FROM "users"`, fake.querySQL[0])
	assert.Equal(t, []any{"bob@b.test", "copy"}, fake.queryArgs[1])
	assert.Equal(t, int64(2), results["list_users"].Output["rows_affected"])

	// Out-of-range projection fails the run and names the binding.
	fake = &fakeRunner{queryQueue: [][]adapter.Row{listRows}}
	r = &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}
	b = NewBuilder("clone", cat)
	require.NoError(t, b.AddNode("user", nodes.OpList, "list_users", nil, nil))
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "clone_fifth", nodes.Params{"name": "copy"},
		map[string]string{"email": "list_users.data.5.email"}))
	wf, err = b.Freeze()
	require.NoError(t, err)

	results, _, err = r.Run(context.Background(), wf, nil)
	assert.Nil(t, results)
	assert.True(t, fault.IsValidationErr(err))
	assert.Contains(t, err.Error(), `binding parameter "email" from "list_users"`)
	assert.Contains(t, err.Error(), "list index 5 out of range (2 elements)")
}

func TestSyncEntryInsideAsyncRuntime(t *testing.T) {
	cat := userCatalog(t)
	fake := &fakeRunner{}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("probe", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCount, "count_users", nil, nil))
	wf, err := b.Freeze()
	require.NoError(t, err)

	ctx := markAsync(context.Background())
	_, runID, err := r.Run(ctx, wf, nil)
	assert.True(t, errors.Is(err, fault.ErrWrongContext))
	assert.Equal(t, uuid.Nil, runID)
	assert.Contains(t, fault.HintOf(err), "RunAsync")

	// Re-entry executes inline instead of spawning a second runtime.
	results, _, err := r.RunAsync(ctx, wf, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(0), results["count_users"].Output["data"])
}

func TestRunAsyncWaveBarrier(t *testing.T) {
	cat := userCatalog(t)
	countRow := []adapter.Row{{"count": int64(3)}}
	fake := &fakeRunner{queryQueue: [][]adapter.Row{
		countRow,
		countRow,
		{{"id": int64(1), "name": "Ada", "email": nil, "active": true}},
	}}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("fanin", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCount, "count_a", nil, nil))
	require.NoError(t, b.AddNode("user", nodes.OpCount, "count_b", nil, nil))
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"},
		map[string]string{"active": "count_a.success"}))
	wf, err := b.Freeze()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"count_a", "count_b"}, {"create_user"}}, wf.Waves())

	results, runID, err := r.RunAsync(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)
	require.Len(t, results, 3)
	assert.Equal(t, int64(3), results["count_a"].Output["data"])
	assert.Equal(t, int64(3), results["count_b"].Output["data"])

	// The barrier holds the insert until both counts finish.
	queries := fake.queries()
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0], "COUNT(*)")
	assert.Contains(t, queries[1], "COUNT(*)")
	assert.True(t, strings.HasPrefix(queries[2], "INSERT"))
	// success=true from count_a binds the active flag.
	assert.Equal(t, []any{true, "Ada"}, fake.queryArgs[2])
}

func TestNoPartialResultsOnFailure(t *testing.T) {
	cat := userCatalog(t)
	fake := &fakeRunner{
		queryQueue:  [][]adapter.Row{{{"id": int64(7), "name": "Ada", "email": nil, "active": true}}},
		failQueryAt: 2,
		queryErr:    fault.New(fault.KindAdapter, "connection reset"),
	}
	r := &Runner{Catalog: cat, Exec: testExec(fake, adapter.DialectPostgres)}

	b := NewBuilder("signup", cat)
	require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"}, nil))
	require.NoError(t, b.AddNode("user", nodes.OpRead, "read_user", nil,
		map[string]string{"id": "create_user.result.id"}))
	wf, err := b.Freeze()
	require.NoError(t, err)

	results, runID, err := r.Run(context.Background(), wf, nil)
	assert.Nil(t, results)
	assert.NotEqual(t, uuid.Nil, runID)
	assert.True(t, errors.Is(err, fault.ErrAdapter))
	assert.Contains(t, err.Error(), `node "read_user"`)
}

func TestAtomicRuns(t *testing.T) {
	cat := userCatalog(t)
	build := func() *Workflow {
		b := NewBuilder("signup", cat)
		require.NoError(t, b.AddNode("user", nodes.OpCreate, "create_user", nodes.Params{"name": "Ada"}, nil))
		wf, err := b.Freeze()
		require.NoError(t, err)
		return wf
	}

	t.Run("commit routes statements through the transaction", func(t *testing.T) {
		tx := &fakeTx{fakeRunner: &fakeRunner{queryQueue: [][]adapter.Row{
			{{"id": int64(1), "name": "Ada", "email": nil, "active": true}},
		}}}
		outer := &fakeRunner{}
		r := &Runner{
			Catalog: cat,
			Exec:    testExec(outer, adapter.DialectPostgres),
			Atomic:  true,
			Adapter: &fakeAdapter{tx: tx},
		}

		results, _, err := r.Run(context.Background(), build(), nil)
		require.NoError(t, err)
		assert.True(t, tx.committed)
		assert.False(t, tx.rolledBack)
		assert.Len(t, tx.querySQL, 1)
		assert.Empty(t, outer.querySQL)
		assert.Equal(t, int64(1), results["create_user"].Output["created"])
	})

	t.Run("node failure rolls back", func(t *testing.T) {
		tx := &fakeTx{fakeRunner: &fakeRunner{
			failQueryAt: 1,
			queryErr:    fault.New(fault.KindAdapter, "insert refused"),
		}}
		r := &Runner{
			Catalog: cat,
			Exec:    testExec(&fakeRunner{}, adapter.DialectPostgres),
			Atomic:  true,
			Adapter: &fakeAdapter{tx: tx},
		}

		results, _, err := r.Run(context.Background(), build(), nil)
		assert.Nil(t, results)
		assert.True(t, errors.Is(err, fault.ErrAdapter))
		assert.True(t, tx.rolledBack)
		assert.False(t, tx.committed)
	})

	t.Run("cancellation rolls back", func(t *testing.T) {
		tx := &fakeTx{fakeRunner: &fakeRunner{}}
		r := &Runner{
			Catalog: cat,
			Exec:    testExec(&fakeRunner{}, adapter.DialectPostgres),
			Atomic:  true,
			Adapter: &fakeAdapter{tx: tx},
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		results, _, err := r.Run(ctx, build(), nil)
		assert.Nil(t, results)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, tx.rolledBack)
	})
}
