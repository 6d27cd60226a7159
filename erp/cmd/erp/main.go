package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mesa-systems/mesa-stack/common/logging"
	natsclient "github.com/mesa-systems/mesa-stack/common/messaging/nats"
	"github.com/mesa-systems/mesa-stack/erp/internal/audit"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/config"
	"github.com/mesa-systems/mesa-stack/erp/internal/handlers"
	"github.com/mesa-systems/mesa-stack/erp/internal/idempotency"
	erpnats "github.com/mesa-systems/mesa-stack/erp/internal/nats"
	"github.com/mesa-systems/mesa-stack/erp/internal/ratelimit"
	"github.com/mesa-systems/mesa-stack/erp/internal/realtime"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/server"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
	"github.com/mesa-systems/mesa-stack/erp/pkg/tokens"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("erp"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("erp stopped with error", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("erp stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", logging.Error(err))
			}
		}
	}()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, repo)

	// Redis backs idempotency and rate limiting; memory mode keeps both in
	// process.
	var (
		idem    idempotency.Store
		limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	)
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, client)
		idem = idempotency.NewRedisStore(client, cfg.Idempotency.Retention, cfg.Idempotency.LockTTL)
		if cfg.RateLimit.Enabled {
			limiter = ratelimit.NewWithClient(client, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		}
		logger.Info("redis connected", "url", opts.Addr)
	} else {
		idem = idempotency.NewMemoryStore(cfg.Idempotency.Retention, cfg.Idempotency.LockTTL)
		logger.Warn("redis disabled, idempotency records are kept in memory")
	}

	gen := tokens.NewTokenGenerator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authMW := auth.NewMiddleware(gen, logger)
	hub := realtime.NewHub(authMW, logger)

	// With NATS, events go through JetStream and come back to the hub through
	// the feed, so every erp replica serves every room.
	var (
		publisher   service.Publisher = hub
		handlerOpts []handlers.Option
	)
	if cfg.NATS.Enabled {
		js, err := natsclient.NewJetStreamClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "mesa-erp",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       natsclient.DefaultConfig().Timeout,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		closers = append(closers, js)
		if _, err := js.CreateOrUpdateStream(ctx, natsclient.ERPEventsStream); err != nil {
			return err
		}
		feed := erpnats.NewFeed(js, hub, logger)
		if err := feed.Start(); err != nil {
			return err
		}
		closers = append(closers, closerFunc(feed.Stop))
		publisher = erpnats.NewPublisher(js, logger)
		handlerOpts = append(handlerOpts, handlers.WithBroker(js))
		logger.Info("nats connected", "url", cfg.NATS.URL)
	}

	var sink audit.Sink = audit.NoopSink{}
	if cfg.Audit.Enabled {
		sink, err = audit.NewOpenSearchSink(audit.OpenSearchConfig{
			URL:      cfg.Audit.URL,
			Username: cfg.Audit.Username,
			Password: cfg.Audit.Password,
			Insecure: cfg.Audit.Insecure,
			Index:    cfg.Audit.Index,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to audit sink: %w", err)
		}
	}
	var signer *audit.Signer
	if cfg.Audit.SigningKey != "" {
		signer = audit.NewSigner(cfg.Audit.SigningKey)
	}
	auditLog := audit.NewLogger(sink, signer, logger)
	closers = append(closers, auditLog)

	svc := service.New(service.Deps{
		Repo:        repo,
		Idempotency: idem,
		Publisher:   publisher,
		Audit:       auditLog,
		Logger:      logger,
	})

	router := server.NewRouter(server.RouterConfig{
		Handler:     handlers.NewHandler(svc, logger, handlerOpts...),
		Auth:        authMW,
		RateLimiter: limiter,
		RateWindow:  cfg.RateLimit.Window,
		Realtime:    hub,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("erp listening", "addr", srv.Addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		_ = hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewInMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()

	logger.Info("running database migrations", "source", cfg.Database.Postgres.Migrations)
	if err := repository.Migrate(cfg.Database.Postgres.Migrations, connString); err != nil {
		return nil, err
	}

	repo, err := repository.NewPostgresRepository(ctx, connString, cfg.Database.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return repo, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
