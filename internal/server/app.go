// Package server builds the coordinator's dependency graph and runs the
// HTTP service with its session event pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/api"
	"github.com/JakeFAU/crawl-session-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-session-coordinator/internal/config"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	kvredis "github.com/JakeFAU/crawl-session-coordinator/internal/kv/redis"
	"github.com/JakeFAU/crawl-session-coordinator/internal/logging"
	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-session-coordinator/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/crawl-session-coordinator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
	gcsstorage "github.com/JakeFAU/crawl-session-coordinator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-session-coordinator/internal/storage/local"
	pgstore "github.com/JakeFAU/crawl-session-coordinator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
	"github.com/JakeFAU/crawl-session-coordinator/internal/telemetry"
)

const defaultShutdownTimeout = 10 * time.Second

// Repository is the durable archive backend: archive rows plus event tallies.
type Repository interface {
	store.ArchiveRepository
	store.EventRepository
	Migrate(ctx context.Context) error
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	store     kv.Store
	manager   *session.Manager
	repo      Repository
	storage   *storage.Client
	archiver  *archive.Archiver
	apiServer *api.Server

	hub       *progress.Hub
	publisher *gcppublisher.Publisher

	tracerShutdown func(context.Context) error

	ready     chan struct{}
	addr      string
	closeOnce sync.Once
	closeErr  error
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*App)

// WithStore uses store instead of dialing Redis.
func WithStore(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers event collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithRepository uses repo instead of connecting to archive.dsn.
func WithRepository(repo Repository) Option {
	return func(a *App) { a.repo = repo }
}

// Build creates the application's dependencies. On failure everything
// already built is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:        cfg,
		registerer: prometheus.DefaultRegisterer,
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}

	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(ctx); closeErr != nil {
			app.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	if a.store == nil {
		redisStore, err := kvredis.New(ctx, kvredis.Config{
			URL:             cfg.Redis.URL,
			PoolSize:        cfg.Redis.PoolSize,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff(),
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff(),
			DialTimeout:     cfg.Redis.DialTimeout(),
			ReadTimeout:     cfg.Redis.ReadTimeout(),
			Instrument:      true,
		}, a.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.store = redisStore
	}

	a.manager = session.NewManager(a.store, nil, nil, session.ManagerConfig{
		MaxCreateAttempts: cfg.Session.MaxCreateAttempts,
	}, a.logger.Named("session"))

	if err := a.setupRepository(ctx); err != nil {
		return err
	}
	if err := a.setupArchive(ctx); err != nil {
		return err
	}

	// A nil *archive.Archiver must not become a non-nil Retirer.
	var retirer api.Retirer
	if a.archiver != nil {
		retirer = a.archiver
	}
	a.apiServer = api.NewServer(a.manager, retirer, cfg, a.logger.Named("api"))
	a.logger.Info("application built",
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return nil
}

func (a *App) setupRepository(ctx context.Context) error {
	if a.repo != nil || (!a.cfg.Archive.Enabled && !a.cfg.Events.Persist) {
		return nil
	}
	repo, err := pgstore.New(ctx, pgstore.Config{
		DSN:   a.cfg.Archive.DSN,
		Table: a.cfg.Archive.Table,
	})
	if err != nil {
		return fmt.Errorf("archive store init failed: %w", err)
	}
	a.repo = repo
	a.logger.Info("archive store initialized", zap.String("table", a.cfg.Archive.Table))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if !a.cfg.Archive.Enabled {
		return nil
	}
	var (
		blobs archive.BlobStore
		err   error
	)
	switch {
	case a.cfg.Archive.GCSBucket != "":
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive storage", zap.String("bucket", a.cfg.Archive.GCSBucket))
	default:
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive storage", zap.String("path", a.cfg.Archive.LocalDir))
	}

	a.archiver, err = archive.New(a.manager, blobs, a.repo, archive.Options{
		Prefix: a.cfg.Archive.Prefix,
		Logger: a.logger.Named("archive"),
	})
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	return nil
}

// setupEvents starts the stats-channel listener feeding a hub of sinks. The
// listener stops when ctx is done; the returned channel closes after it has.
func (a *App) setupEvents(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	if !a.cfg.Events.Enabled {
		a.logger.Info("session events disabled")
		close(done)
		return done, nil
	}

	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("events"))}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, err
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Events.Persist && a.repo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.repo, a.logger.Named("event_store")))
		a.logger.Debug("Added event store sink")
	}
	if a.cfg.Events.PubSubTopic != "" {
		a.publisher, err = gcppublisher.Dial(ctx, a.cfg.Events.PubSubProjectID, a.cfg.Events.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList,
			progresssinks.NewPublisherSink(a.publisher, a.cfg.Events.PubSubTopic, a.logger.Named("event_publisher")))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.PubSubProjectID),
			zap.String("topic", a.cfg.Events.PubSubTopic),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.BatchWait(),
		Logger:         a.logger.Named("event_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)

	listener := progress.NewListener(a.store, a.hub, progress.ListenerConfig{
		Logger: a.logger.Named("event_listener"),
	})
	go func() {
		defer close(done)
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("event listener stopped", zap.Error(err))
		}
	}()
	return done, nil
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Archiver returns the archiver, or nil when archiving is disabled.
func (a *App) Archiver() *archive.Archiver { return a.archiver }

// Repository returns the archive repository, or nil when none is configured.
func (a *App) Repository() Repository { return a.repo }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// EventStats reports event hub throughput; zero before Run or when events
// are disabled.
func (a *App) EventStats() progress.Stats {
	if a.hub == nil {
		return progress.Stats{}
	}
	return a.hub.Stats()
}

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr is the address Run listens on. Valid after Ready.
func (a *App) Addr() string { return a.addr }

// Run starts the event pipeline and HTTP server, blocking until ctx is
// canceled or a termination signal arrives, then shuts down and closes the
// application.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventsDone, err := a.setupEvents(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("events init failed: %w", err), a.Close(context.Background()))
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		stop()
		<-eventsDone
		return errors.Join(fmt.Errorf("listen: %w", err), a.Close(context.Background()))
	}
	a.addr = ln.Addr().String()
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", a.addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	close(a.ready)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-eventsDone

	return a.Close(shutdownCtx)
}

// Close releases every dependency. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event hub close: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a terminal returns EINVAL.
	_ = a.logger.Sync()
}
