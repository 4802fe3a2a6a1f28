package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/batch"
	"github.com/intelmercado/enrich-cli/internal/generate"
	"github.com/intelmercado/enrich-cli/internal/monitoring"
	"github.com/intelmercado/enrich-cli/internal/resilience"
	"github.com/intelmercado/enrich-cli/internal/store"
	anthropicpkg "github.com/intelmercado/enrich-cli/pkg/anthropic"
)

// enrichEnv holds the initialized store, engine, and job manager shared by
// the generate/job/serve commands.
type enrichEnv struct {
	Store   store.Store
	Engine  *generate.Engine
	Manager *batch.Manager
	Alerter *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, the Claude-backed generation engine, and the
// batch manager. Callers should defer env.Close().
func initEnv(ctx context.Context) (*enrichEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.Anthropic.Key == "" {
		_ = st.Close()
		return nil, eris.New("anthropic API key is required (ENRICH_ANTHROPIC_KEY)")
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	gen := generate.NewClaudeGenerator(client, cfg.Anthropic)
	engine := generate.NewEngine(gen, st)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown(),
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	alerter := monitoring.NewAlerter(cfg.Alerts, nil)
	proc := batch.NewEnrichProcessor(engine, st, cfg.Batch)
	manager := batch.NewManager(st, proc, breaker, alerter, cfg.Batch)

	return &enrichEnv{
		Store:   st,
		Engine:  engine,
		Manager: manager,
		Alerter: alerter,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "enrich.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
