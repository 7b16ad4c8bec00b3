package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lexwire/internal/broadcast"
	"github.com/ent0n29/lexwire/internal/config"
	"github.com/ent0n29/lexwire/internal/conn"
	"github.com/ent0n29/lexwire/internal/httpapi"
	"github.com/ent0n29/lexwire/internal/logging"
	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/pipeline"
	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/session"
	"github.com/ent0n29/lexwire/internal/tasks"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Registry
	Conns       *conn.Manager
	Broadcaster *broadcast.Broadcaster
	Tasks       *tasks.Manager
	Metrics     *observability.Metrics
	Log         zerolog.Logger

	store tasks.Store
}

// Build wires every runtime component from cfg.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	pipe, err := pipeline.New(pipeline.Config{
		Mode:       cfg.PipelineMode,
		HTTPURL:    cfg.PipelineHTTPURL,
		Timeout:    cfg.PipelineTimeout,
		MaxRetries: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	storeMode := "in-memory"
	if store != nil {
		storeMode = "postgres"
	}

	sessions := session.NewRegistry(cfg.SessionTTL)
	conns := conn.NewManager(conn.Config{
		MaxTotal:      cfg.MaxConnections,
		MaxPerSession: cfg.MaxConnectionsPerSession,
		QueueSize:     cfg.OutboundQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
	}, logging.Component(log, "conn"), metrics)
	bcast := broadcast.New(sessions, conns, metrics, logging.Component(log, "broadcast"))

	taskManager := tasks.NewManager(tasks.Config{
		TaskTimeout:  cfg.TaskTimeout,
		HistoryLimit: cfg.TaskHistoryLimit,
		Policy:       policy.New(policy.Config{UserQueryPreempts: cfg.UserQueryPreempts}),
	}, sessions, bcast, pipe, metrics, logging.Component(log, "tasks"))
	if store != nil {
		taskManager.SetStore(store)
	}

	Wire(sessions, conns, bcast, taskManager, metrics, log)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Conns:       conns,
		Broadcaster: bcast,
		Tasks:       taskManager,
		Metrics:     metrics,
		Log:         logging.Component(log, "httpapi"),
		StoreMode:   storeMode,
	})

	log.Info().
		Str("pipeline_mode", cfg.PipelineMode).
		Str("task_store", storeMode).
		Bool("user_query_preempts", cfg.UserQueryPreempts).
		Msg("runtime built")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Conns:       conns,
		Broadcaster: bcast,
		Tasks:       taskManager,
		Metrics:     metrics,
		Log:         log,
		store:       store,
	}, nil
}

// Wire connects the lifecycle hooks between the registry, connection
// manager, broadcaster and task manager.
func Wire(sessions *session.Registry, conns *conn.Manager, bcast *broadcast.Broadcaster, taskManager *tasks.Manager, metrics *observability.Metrics, log zerolog.Logger) {
	conns.SetDetachHook(func(sessionID, connID string, _ error) {
		_ = sessions.DetachConnection(sessionID, connID)
	})
	sessions.SetExpireHook(func(snap session.Snapshot) {
		taskManager.ForgetSession(snap.ID)
		conns.CloseSession(snap.ID)
		bcast.Forget(snap.ID)
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.Count())
		log.Info().Str("session_id", snap.ID).Msg("session torn down")
	})
}

// Start launches background maintenance bound to ctx.
func (b *BuildResult) Start(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, b.Config.JanitorInterval)
}

// Shutdown stops accepting work, cancels running tasks, closes every
// connection and releases the store.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	b.API.Drain()
	var errs []error
	if err := b.Tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task manager shutdown: %w", err))
	}
	b.Conns.CloseAll()
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("task store close: %w", err))
		}
	}
	return errors.Join(errs...)
}
