package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/kimhsiao/memonexus/syncd/cmd/syncd/handlers"
	"github.com/kimhsiao/memonexus/syncd/internal/adapters/feed"
	"github.com/kimhsiao/memonexus/syncd/internal/adapters/localstore"
	"github.com/kimhsiao/memonexus/syncd/internal/adapters/mock"
	"github.com/kimhsiao/memonexus/syncd/internal/config"
	"github.com/kimhsiao/memonexus/syncd/internal/db"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/lock"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
	"github.com/kimhsiao/memonexus/syncd/internal/ratelimit"
	"github.com/kimhsiao/memonexus/syncd/internal/scheduler"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
	"github.com/kimhsiao/memonexus/syncd/internal/watch"
)

// app holds every wired component of one syncd process.
type app struct {
	cfg       *config.Config
	database  *db.DB
	repo      *db.Repository
	sink      *telemetry.AsyncSink
	locks     *lock.Manager
	board     *status.Board
	orch      *orchestrator.Orchestrator
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	watcher   *watch.Watcher
	hub       *WSHub
}

// newApp opens storage and wires the orchestrator. It starts nothing.
func newApp(cfg *config.Config, fs afero.Fs) (*app, error) {
	database, err := db.OpenDSN(cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open database", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrDatabase, "migrate database", err)
	}
	repo := db.NewRepository(database)

	sinks := []telemetry.Sink{telemetry.NewLogSink(nil)}
	if cfg.Telemetry.OTel {
		sinks = append(sinks, telemetry.NewOTelSink(nil))
	}
	sink := telemetry.NewAsyncSink(telemetry.Multi(sinks...), cfg.Telemetry.Buffer)

	a := &app{cfg: cfg, database: database, repo: repo, sink: sink}
	fail := func(err error) (*app, error) {
		a.closeStorage()
		return nil, err
	}

	routes, err := buildRoutes(cfg, fs)
	if err != nil {
		return fail(err)
	}

	a.locks = lock.NewManager(sink)
	a.board = status.NewBoard(a.locks, cfg.Status.HistorySize)
	runner := pipeline.New(repo, sink, cfg.PipelineConfig())
	a.orch, err = orchestrator.New(a.locks, runner, routes, cfg.OrchestratorConfig(),
		orchestrator.WithCheckpoints(repo),
		orchestrator.WithHistory(repo),
		orchestrator.WithPublisher(a.board),
		orchestrator.WithSink(sink),
	)
	if err != nil {
		return fail(err)
	}

	a.limiter = ratelimit.New()
	a.scheduler = scheduler.NewScheduler(a.orch, a.limiter, &scheduler.SchedulerConfig{
		Interval:           cfg.Scheduler.Interval,
		Types:              routedTypes(cfg.SchedulerTypes(), routes),
		MinTriggerInterval: cfg.Scheduler.MinTriggerInterval,
		UserID:             cfg.UserID,
	})

	if dir := cfg.LocalStoreDir(); cfg.Watch.Enabled && dir != "" {
		wc := watch.DefaultConfig(dir)
		wc.UserID = cfg.UserID
		if cfg.Watch.Debounce > 0 {
			wc.Debounce = cfg.Watch.Debounce
		}
		if cfg.Watch.MinInterval > 0 {
			wc.MinInterval = cfg.Watch.MinInterval
		}
		a.watcher, err = watch.New(a.orch, a.limiter, wc)
		if err != nil {
			return fail(err)
		}
	}
	return a, nil
}

// buildRoutes creates one adapter per configured provider.
func buildRoutes(cfg *config.Config, fs afero.Fs) (orchestrator.Routes, error) {
	routes := make(orchestrator.Routes)
	for _, p := range cfg.Providers {
		var (
			adapter pipeline.Adapter
			err     error
		)
		switch p.Kind {
		case config.KindFeed:
			adapter, err = feed.New(feed.Config{
				ProviderID: p.Name,
				BaseURL:    p.BaseURL,
				Path:       p.Path,
				Token:      p.Token(),
				PageSize:   p.PageSize,
				Query:      p.Query,
			})
		case config.KindLocalStore:
			adapter, err = localstore.New(p.Name, fs, p.Dir)
		case config.KindMock:
			adapter = &mock.Adapter{
				ID:      p.Name,
				Records: mock.Records(p.Name, p.Records, time.Now().Add(-time.Hour)),
			}
		default:
			err = errors.New(errors.ErrConfig, fmt.Sprintf("provider %s has unknown kind %q", p.Name, p.Kind))
		}
		if err != nil {
			return nil, err
		}
		t := p.SyncType()
		routes[t] = append(routes[t], adapter)
	}
	return routes, nil
}

// routedTypes drops scheduled types that have no provider.
func routedTypes(types []models.SyncType, routes orchestrator.Routes) []models.SyncType {
	out := make([]models.SyncType, 0, len(types))
	for _, t := range types {
		if len(routes[t]) > 0 {
			out = append(out, t)
			continue
		}
		logging.Warn("Scheduled type has no providers, skipping", map[string]interface{}{"type": string(t)})
	}
	if len(out) == 0 {
		return routes.Types()
	}
	return out
}

// start launches the background triggers.
func (a *app) start(ctx context.Context) {
	a.scheduler.Start(ctx)
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}
}

// handler returns the HTTP API. The WebSocket hub is created on first use.
func (a *app) handler() http.Handler {
	if a.hub == nil {
		a.hub = NewWSHub(a.board)
	}
	h := handlers.NewSyncHandler(a.orch, a.board, a.repo)
	h.SetTrigger(a.scheduler)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /api/health", handlers.Health)
	mux.HandleFunc("GET /api/sync/ws", HandleWebSocket(a.hub))
	return mux
}

// operation returns the archived operation, or the status board's copy when
// the archive has no row for it.
func (a *app) operation(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := a.repo.GetOperation(ctx, id)
	if err == nil {
		return op, nil
	}
	if live, ok := a.board.Operation(id); ok {
		logging.Warn("Operation missing from archive, using status board", map[string]interface{}{
			"operation_id": id,
			"error":        err.Error(),
		})
		return live, nil
	}
	return nil, err
}

// close stops triggers, drains running operations and closes storage.
func (a *app) close(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	var shutdownErr error
	if a.orch != nil {
		shutdownErr = a.orch.Shutdown(ctx)
		if shutdownErr != nil {
			logging.Warn("Shutdown deadline passed with operations running", map[string]interface{}{"error": shutdownErr.Error()})
		}
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	a.closeStorage()
	return shutdownErr
}

func (a *app) closeStorage() {
	a.sink.Close()
	if err := a.repo.Close(); err != nil {
		logging.Warn("Failed to close repository", map[string]interface{}{"error": err.Error()})
	}
	if err := a.database.Close(); err != nil {
		logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
	}
}
