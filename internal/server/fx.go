// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/api"
	"github.com/nekoteam-llc/nekoparser/internal/clock/system"
	"github.com/nekoteam-llc/nekoparser/internal/config"
	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/dispatcher"
	"github.com/nekoteam-llc/nekoparser/internal/enrich"
	"github.com/nekoteam-llc/nekoparser/internal/extract"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher"
	collyfetcher "github.com/nekoteam-llc/nekoparser/internal/fetcher/colly"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher/detector"
	headlessfetcher "github.com/nekoteam-llc/nekoparser/internal/fetcher/headless"
	"github.com/nekoteam-llc/nekoparser/internal/hash/sha256"
	"github.com/nekoteam-llc/nekoparser/internal/id/uuid"
	"github.com/nekoteam-llc/nekoparser/internal/ledger"
	"github.com/nekoteam-llc/nekoparser/internal/lifecycle"
	"github.com/nekoteam-llc/nekoparser/internal/logging"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
	"github.com/nekoteam-llc/nekoparser/internal/notify"
	"github.com/nekoteam-llc/nekoparser/internal/notify/sinks"
	"github.com/nekoteam-llc/nekoparser/internal/policy/ratelimit"
	gcppublisher "github.com/nekoteam-llc/nekoparser/internal/publisher/pubsub"
	queueMemory "github.com/nekoteam-llc/nekoparser/internal/queue/memory"
	"github.com/nekoteam-llc/nekoparser/internal/storage"
	gcsstorage "github.com/nekoteam-llc/nekoparser/internal/storage/gcs"
	localstorage "github.com/nekoteam-llc/nekoparser/internal/storage/local"
	memoryStorage "github.com/nekoteam-llc/nekoparser/internal/storage/memory"
	pgstore "github.com/nekoteam-llc/nekoparser/internal/storage/postgres"
	"github.com/nekoteam-llc/nekoparser/internal/telemetry"
	"github.com/nekoteam-llc/nekoparser/internal/worker"
)

// backingStore is what the service needs from a store backend.
type backingStore interface {
	crawler.Store
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	store          backingStore
	pgStore        *pgstore.Store
	gcsBlobs       *gcsstorage.BlobStore
	publisher      *gcppublisher.Publisher
	headless       *headlessfetcher.Fetcher
	hub            *notify.Hub
	broadcaster    *sinks.Broadcaster
	controller     *lifecycle.Controller
	queue          *queueMemory.Queue
	dispatch       *dispatcher.Dispatcher
	apiServer      *api.Server
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	// Partially built apps still release what they opened.
	fail := func(err error) (*App, error) {
		_ = app.Close(context.Background())
		return nil, err
	}

	if err := app.setupStore(ctx); err != nil {
		return fail(err)
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return fail(err)
	}
	if err := app.setupNotify(ctx); err != nil {
		return fail(err)
	}
	retriever, err := app.setupRetriever()
	if err != nil {
		return fail(err)
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	enricher := enrich.New(
		enrich.NewOpenAIBackend(cfg.Enrichment.BaseURL, cfg.Enrichment.APIKey, &http.Client{Timeout: cfg.Enrichment.Timeout}),
		enrich.Config{MaxInputChars: cfg.Enrichment.MaxInputChars, MaxTokens: cfg.Enrichment.MaxTokens},
		logger.Named("enrich"),
	)
	deps := lifecycle.Deps{
		Store:     app.store,
		Retriever: retriever,
		Extractor: extract.New(enricher, logger.Named("extract")),
		Ledger:    ledger.New(app.store, sha256.New(), ids, clock, logger.Named("ledger")),
		Notifier:  app.hub,
		IDs:       ids,
		Clock:     clock,
		Logger:    logger.Named("lifecycle"),
	}
	if archive := storage.NewArchive(blobs, cfg.Storage.Prefix); archive != nil {
		deps.Archive = archive
	}
	app.controller, err = lifecycle.New(deps, lifecycle.Config{ChunkDelay: cfg.Crawl.ChunkDelay})
	if err != nil {
		return fail(fmt.Errorf("controller init failed: %w", err))
	}

	app.setupDispatcher()

	app.apiServer = api.NewServer(api.Deps{
		Controller: app.controller,
		Scheduler:  app.dispatch,
		Store:      app.store,
		Streams:    app.broadcaster,
		Ready:      []api.Pinger{app.store},
		Logger:     logger.Named("api"),
	}, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKeys:     cfg.Auth.APIKeys,
	})
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Controller exposes the lifecycle controller for one-shot commands.
func (a *App) Controller() *lifecycle.Controller { return a.controller }

// Migrate creates the Postgres schema. The memory store needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		a.logger.Info("memory store selected, nothing to migrate")
		return nil
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema migrated")
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Migrate(ctx); err != nil {
		return err
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawl.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes pending events into the sinks before they close.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr-backed loggers on some platforms; nothing to do there.
	_ = a.logger.Sync()
}

func (a *App) setupStore(ctx context.Context) error {
	defaults := a.cfg.Defaults.GlobalConfig(a.cfg.Enrichment.APIKey)
	switch a.cfg.Store.Backend {
	case "memory":
		a.logger.Warn("using in-memory store, data is lost on exit")
		a.store = memoryStorage.NewStore(defaults, system.New())
	default:
		pg, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Store.DSN, MaxConns: a.cfg.Store.MaxConns}, defaults)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = pg
		a.store = pg
		a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.Store.MaxConns))
	}
	return nil
}

// setupStorage returns the origin-page blob backend, or nil when archiving is
// disabled.
func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsBlobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("origin page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupNotify(ctx context.Context) error {
	a.broadcaster = sinks.NewBroadcaster(a.store, a.logger.Named("broadcaster"))
	sinkList := []notify.Sink{
		a.broadcaster,
		sinks.NewLogSink(a.logger.Named("notify_log")),
	}
	if a.cfg.PubSub.Topic != "" {
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			Topic:     a.cfg.PubSub.Topic,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		sink, err := sinks.NewPublishSink(pub, a.cfg.PubSub.Topic)
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	} else {
		a.logger.Warn("no Pub/Sub topic configured, change notifications stay in-process")
	}

	hubCfg := notify.Config{
		BufferSize:     a.cfg.Notify.Buffer,
		MaxBatchEvents: a.cfg.Notify.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Notify.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("notify_hub"),
	}
	a.hub = notify.NewHub(hubCfg, sinkList...)
	a.logger.Info("notify hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupRetriever() (*fetcher.Retriever, error) {
	var primary crawler.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      a.cfg.HTTP.Timeout,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.Duration("timeout", a.cfg.HTTP.Timeout))
	if a.cfg.Headless.Enabled {
		userAgent := a.cfg.Headless.UserAgent
		if userAgent == "" {
			userAgent = a.cfg.HTTP.UserAgent
		}
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         userAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = headless
		if a.cfg.Headless.Always {
			primary = headless
		} else {
			primary = fetcher.NewEscalating(
				primary,
				headless,
				detector.NewHeuristic(a.cfg.Headless.PromotionThreshold),
				a.logger.Named("escalate"),
			)
		}
		a.logger.Info("using headless fetcher",
			zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
			zap.Bool("always", a.cfg.Headless.Always),
		)
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: a.cfg.HTTP.PerHostRPS, Burst: a.cfg.HTTP.PerHostBurst})
	return fetcher.New(primary, limiter, a.logger.Named("fetcher")), nil
}

func (a *App) setupDispatcher() {
	depth := a.cfg.Crawl.QueueDepth
	if depth <= 0 {
		depth = a.cfg.Crawl.Workers
	}
	a.queue = queueMemory.NewQueue(depth)
	retry := crawler.NewExponentialRetryPolicy(a.cfg.Crawl.MaxAttempts, a.cfg.Crawl.RetryBase, a.cfg.Crawl.RetryMax)
	workers := make([]*worker.Worker, 0, a.cfg.Crawl.Workers)
	for i := range a.cfg.Crawl.Workers {
		workers = append(workers, worker.New(
			a.queue,
			a.controller,
			retry,
			worker.Config{},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("dispatcher initialized",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", depth),
		zap.Int("max_attempts", a.cfg.Crawl.MaxAttempts),
	)
}
