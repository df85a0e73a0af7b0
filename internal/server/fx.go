// Package server builds the gateway object graph from configuration and runs
// it in serve or consume mode.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/api"
	"github.com/JakeFAU/keypick-gateway/internal/auth"
	"github.com/JakeFAU/keypick-gateway/internal/backend"
	"github.com/JakeFAU/keypick-gateway/internal/clock"
	"github.com/JakeFAU/keypick-gateway/internal/config"
	"github.com/JakeFAU/keypick-gateway/internal/dispatcher"
	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	"github.com/JakeFAU/keypick-gateway/internal/id/uuid"
	"github.com/JakeFAU/keypick-gateway/internal/logging"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
	"github.com/JakeFAU/keypick-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/keypick-gateway/internal/queue"
	queueMemory "github.com/JakeFAU/keypick-gateway/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/keypick-gateway/internal/queue/pubsub"
	"github.com/JakeFAU/keypick-gateway/internal/respcache"
	memoryStorage "github.com/JakeFAU/keypick-gateway/internal/storage/memory"
	pgstore "github.com/JakeFAU/keypick-gateway/internal/storage/postgres"
	redisstore "github.com/JakeFAU/keypick-gateway/internal/storage/redis"
	"github.com/JakeFAU/keypick-gateway/internal/store"
	"github.com/JakeFAU/keypick-gateway/internal/telemetry"
	"github.com/JakeFAU/keypick-gateway/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	kv             gateway.KVStore
	redis          *redisstore.KVStore
	archive        *pgstore.TaskArchive
	queue          queue.Queue
	cache          *respcache.Cache
	apiServer      *api.Server
	worker         *worker.Worker
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
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
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.Bool("archive", cfg.Database.DSN != ""),
	)

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
			Region:      cfg.Server.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	clk := clock.New()
	if err := app.setupStore(ctx, clk); err != nil {
		return nil, err
	}
	if err := app.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err := app.setupQueue(ctx); err != nil {
		return nil, err
	}

	client, err := backend.New(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		ServiceKey:    cfg.Backend.ServiceKey,
		ServiceHeader: cfg.Backend.ServiceHeader,
		ExecutePath:   cfg.Backend.ExecutePath,
		Timeout:       cfg.Backend.Timeout,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}

	tasks := store.NewTaskRepo(app.kv, cfg.Tasks.TTL)
	var archive gateway.TaskArchive
	if app.archive != nil {
		archive = app.archive
	}

	app.worker = worker.New(
		tasks,
		archive,
		client,
		ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Consumer.BackendRPS, DefaultBurst: cfg.Consumer.BackendBurst}),
		clk,
		worker.Config{MaxAttempts: cfg.Tasks.MaxAttempts},
		logger.Named("worker"),
	)

	guard := auth.New(auth.Config{
		APIKeys:        cfg.Auth.APIKeys,
		Header:         cfg.Auth.Header,
		ClientIPHeader: cfg.Auth.ClientIPHeader,
		MaxFailures:    cfg.Auth.MaxFailures,
		FailureWindow:  cfg.Auth.FailureWindow,
	}, app.kv, logger.Named("auth"))
	app.cache = respcache.New(app.kv, client, cfg.Cache.ResponseTTL, logger.Named("respcache"))

	apiLogger := logger.Named("api")
	proxy := client.Proxy(backend.ProxyOptions{
		ClientIP: guard.ClientIP,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			httpx.WriteError(w, apiLogger, gateway.ErrUpstream(http.StatusBadGateway, "backend unavailable", err))
		},
		Logger: logger.Named("proxy"),
	})

	app.apiServer = api.NewServer(api.Deps{
		Guard:      guard,
		Cache:      app.cache,
		Dispatcher: dispatcher.New(tasks, app.queue, uuid.New(), clk, dispatcher.Config{
			DefaultMaxResults: cfg.Tasks.DefaultMaxResults,
			Platforms:         cfg.Tasks.Platforms,
		}, logger.Named("dispatcher")),
		Tasks:   tasks,
		Archive: archive,
		Proxy:   proxy,
		Clock:   clk,
	}, cfg, apiLogger)

	ok = true
	return app, nil
}

func (a *App) setupStore(ctx context.Context, clk gateway.Clock) error {
	switch a.cfg.Store.Provider {
	case "redis":
		kv, err := redisstore.NewKVStore(ctx, redisstore.Options{
			Addr:     a.cfg.Store.Redis.Addr,
			Password: a.cfg.Store.Redis.Password,
			DB:       a.cfg.Store.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis store init failed: %w", err)
		}
		a.redis = kv
		a.kv = kv
		a.logger.Info("using redis store", zap.String("addr", a.cfg.Store.Redis.Addr))
	default:
		a.kv = memoryStorage.NewKVStore(clk)
		a.logger.Warn("using in-memory store; state is lost on restart")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database dsn, task archive disabled")
		return nil
	}
	archive, err := pgstore.NewTaskArchive(ctx, pgstore.ArchiveConfig{
		DSN:      a.cfg.Database.DSN,
		Table:    a.cfg.Database.Table,
		MaxConns: a.cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("task archive init failed: %w", err)
	}
	a.archive = archive
	if err := archive.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("task archive schema failed: %w", err)
	}
	a.logger.Info("task archive initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	qc := a.cfg.Queue
	switch qc.Provider {
	case "pubsub":
		q, err := queuePubSub.New(ctx, queuePubSub.Options{
			ProjectID:    qc.PubSub.ProjectID,
			Topic:        qc.PubSub.Topic,
			Subscription: qc.PubSub.Subscription,
			BatchSize:    qc.BatchSize,
			Concurrency:  qc.Concurrency,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.queue = q
		a.logger.Info("using pubsub queue",
			zap.String("project", qc.PubSub.ProjectID),
			zap.String("topic", qc.PubSub.Topic),
			zap.String("subscription", qc.PubSub.Subscription),
		)
	default:
		a.queue = queueMemory.NewQueue(queueMemory.Options{
			Capacity:      qc.Capacity,
			BatchSize:     qc.BatchSize,
			Concurrency:   qc.Concurrency,
			MaxDeliveries: qc.MaxDeliveries,
			RetryDelay:    qc.RetryDelay,
			MaxRetryDelay: qc.MaxRetryDelay,
		}, a.logger.Named("queue"))
		a.logger.Info("using in-memory queue", zap.Int("capacity", qc.Capacity))
	}
	return nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// embeddedConsumer reports whether serve mode also drains the queue. The
// in-memory queue is process-local, so it always is.
func (a *App) embeddedConsumer() bool {
	return a.cfg.Consumer.Embedded || a.cfg.Queue.Provider == "memory"
}

// Serve runs the HTTP server, and the consumer when embedded, until ctx is
// canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumerCtx, cancelConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConsumer()
	consumerDone := make(chan struct{})
	if a.embeddedConsumer() {
		go func() {
			defer close(consumerDone)
			if err := a.worker.Run(consumerCtx, a.queue); err != nil {
				a.logger.Error("consumer stopped with error", zap.Error(err))
				stop()
			}
		}()
	} else {
		close(consumerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelConsumer()
	<-consumerDone

	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return err
	}
	return closeErr
}

// Consume runs only the queue consumer.
func (a *App) Consume(ctx context.Context) error {
	if a.cfg.Queue.Provider == "memory" {
		return errors.New("consume mode requires a shared queue provider such as pubsub")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := a.worker.Run(ctx, a.queue)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	closeErr := a.Close(shutdownCtx)
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// Close flushes pending cache writes and releases every client. It is safe
// to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.cache != nil {
			a.cache.Flush()
		}
		if a.queue != nil {
			if err := a.queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue: %w", err))
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		if a.archive != nil {
			a.archive.Close()
		}
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
			}
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return errors.Join(errs...)
}
