package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/linlogge/degov/pkg/config"
	"github.com/linlogge/degov/pkg/dsl"
	"github.com/linlogge/degov/pkg/engine"
	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/policy"
	"github.com/linlogge/degov/pkg/sandbox"
	"github.com/linlogge/degov/pkg/telemetry"
)

// runtime bundles the shared process state the commands build on top of
// the configuration: the store, the sandbox pool, and the engine.
type runtime struct {
	cfg    *config.Config
	store  kv.Store
	ks     *kv.Keyspace
	engine *engine.Engine
	policy *policy.Engine
	tel    *telemetry.Telemetry
}

// buildRuntime opens the store and wires an engine per the configuration.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err: err}
	}

	var store kv.Store
	switch cfg.Store.Backend {
	case "memory":
		store = kv.NewMemoryStore()
	case "sqlite":
		sqlite, err := kv.NewSQLiteStore(kv.SQLiteConfig{Path: cfg.Store.Path})
		if err != nil {
			return nil, &configError{err: err}
		}
		if err := sqlite.Init(ctx); err != nil {
			return nil, &kvFatalError{err: err}
		}
		store = sqlite
	default:
		return nil, &configError{err: fmt.Errorf("unknown store backend %q", cfg.Store.Backend)}
	}

	ks := kv.NewKeyspace(cfg.Store.Root)
	pool := sandbox.NewPool(cfg.Sandbox.PoolSize)

	policyEngine := policy.NewEngine(log.Logger)

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = "degov"
	telCfg.Metrics.Enabled = cfg.Metrics.Enabled
	telCfg.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, &configError{err: err}
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Queue.LeaseTTL = cfg.Worker.LeaseTTL
	eng := engine.New(store, ks, pool, engineCfg, log.Logger,
		engine.WithPermissions(policyEngine),
		engine.WithMetrics(tel.Metrics))

	return &runtime{
		cfg:    cfg,
		store:  store,
		ks:     ks,
		engine: eng,
		policy: policyEngine,
		tel:    tel,
	}, nil
}

// context attaches the runtime's telemetry handle to a command context so
// spans from engine, queue, and sandbox operations reach the tracer.
func (r *runtime) context(ctx context.Context) context.Context {
	return r.tel.WithContext(ctx)
}

// loadDefinitions discovers, resolves, and registers the definitions under
// a directory: workflows register with the engine, permissions load into
// the policy engine.
func (r *runtime) loadDefinitions(ctx context.Context, dir string) (int, error) {
	result, err := dsl.Discover(dir)
	if err != nil {
		return 0, err
	}
	for _, discoverErr := range result.Errors {
		log.Warn().Err(discoverErr).Msg("Skipping definition")
	}

	resolved, err := dsl.NewResolver(result.Definitions).Resolve()
	if err != nil {
		return 0, err
	}

	if err := r.policy.LoadPermissions(ctx, resolved); err != nil {
		return 0, err
	}

	registered := 0
	for _, def := range resolved {
		if def.Kind != dsl.KindWorkflow {
			continue
		}
		reduced, err := dsl.ReduceWorkflow(def)
		if err != nil {
			return registered, fmt.Errorf("%s: %w", def.Metadata.ID, err)
		}
		if _, err := r.engine.RegisterWorkflow(ctx, reduced); err != nil {
			return registered, fmt.Errorf("%s: %w", def.Metadata.ID, err)
		}
		registered++
	}
	return registered, nil
}

// close releases the runtime's resources.
func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}
