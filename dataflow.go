// Package dataflow is a model-driven database workflow engine. Models
// are declared once, in Go or YAML, and the engine derives tables,
// operations, and migrations from them. Operations compose into
// workflows: directed graphs whose nodes pass outputs to downstream
// inputs and which run sequentially or concurrently wave by wave.
//
// # Core Concepts
//
// A Model declares fields, references to other models, and behavior
// toggles such as soft deletion, optimistic locking, and audit columns.
// Registering a model compiles eleven operations for it: create, read,
// update, delete, list, upsert, count, and the four bulk equivalents.
// Operations are the only way the engine touches the database; there is
// no raw query surface.
//
// Workflows wire operations together. Each node names a model, an
// operation, static parameters, and connections that map its inputs to
// upstream outputs. The engine validates the graph when it freezes and
// rejects cycles, unknown nodes, and dangling connections.
//
// Migrations are planned by diffing the registered models against the
// introspected live schema. Every step carries a risk band, destructive
// plans demand explicit confirmation, and applied plans record reverse
// SQL for rollback.
//
// # Basic Usage
//
//	engine, err := dataflow.New("postgres://localhost/app")
//	if err != nil {
//		return err
//	}
//	if err := engine.RegisterModelFile("models.yaml"); err != nil {
//		return err
//	}
//	if err := engine.Initialize(ctx); err != nil {
//		return err
//	}
//	defer engine.Shutdown(ctx)
//
//	wf := engine.CreateWorkflow("signup")
//	engine.AddNode(wf, "Account", dataflow.OpCreate, "acct",
//		dataflow.Params{"email": "ada@example.com"}, nil)
//	engine.AddNode(wf, "Profile", dataflow.OpCreate, "prof",
//		dataflow.Params{"display_name": "Ada"},
//		map[string]string{"account_id": "acct.id"})
//	results, runID, err := engine.ExecuteWorkflow(ctx, wf, nil)
//
// # Configuration
//
// New resolves configuration from a dataflow.yaml file discovered by
// walking up from the working directory, from DATAFLOW_-prefixed
// environment variables, and from functional options, in rising
// precedence. The database URL may come from the argument or from
// DATAFLOW_DATABASE_URL.
//
// # Execution Contexts
//
// Synchronous entries such as ExecuteWorkflow and DiscoverSchema refuse
// to run inside the engine's own async runtime and fail fast with a
// wrong-context fault naming the safe alternative. The Async variants
// are safe everywhere.
//
// # Multi-Tenancy
//
// With the multi_tenant option enabled, tenants register in an
// in-process registry and activate per context via SwitchTenant. Rows
// of multi-tenant models are isolated by a tenant_id column scoped to
// the active tenant.
package dataflow

import (
	"context"

	"github.com/dataflowhq/dataflow/internal/intercept"
	"github.com/dataflowhq/dataflow/internal/nodes"
	"github.com/dataflowhq/dataflow/pkg/adapter"
	"github.com/dataflowhq/dataflow/pkg/fault"
	"github.com/dataflowhq/dataflow/pkg/schema"
	"github.com/dataflowhq/dataflow/pkg/tenant"
)

// Version is the engine release, stamped into the migration history's
// application metadata.
const Version = "0.4.0"

// New builds an Engine from configuration and options without touching
// the database. databaseURL may be empty when DATAFLOW_DATABASE_URL or
// a config file provides it. The URL is parsed eagerly so a bad scheme
// fails here, not at Initialize.
func New(databaseURL string, opts ...Option) (*Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	url := databaseURL
	if url == "" {
		url = cfg.DatabaseURL
	}
	if url == "" {
		return nil, fault.New(fault.KindValidation, "no database URL configured").
			WithHint("pass a URL to New or set DATAFLOW_DATABASE_URL")
	}
	if _, err := adapter.ParseURL(url); err != nil {
		return nil, err
	}

	log, err := cfg.Log.build()
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		url:     url,
		log:     log,
		catalog: nodes.NewCatalog(),
		tenants: tenant.NewRegistry(),
		icp:     intercept.New(intercept.Options{}),
		models:  make(map[string]*schema.Model),
	}, nil
}

// Open is New followed by Initialize.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Engine, error) {
	engine, err := New(databaseURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}
