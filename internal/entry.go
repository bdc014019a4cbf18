// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/hiedb/internal/api"
	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/ingest"
	"github.com/starford/hiedb/internal/jobs"
	"github.com/starford/hiedb/internal/mcpserver"
	"github.com/starford/hiedb/internal/mdm"
	"github.com/starford/hiedb/internal/notify"
	"github.com/starford/hiedb/internal/persistence"
	"github.com/starford/hiedb/internal/recordservice"
	"github.com/starford/hiedb/internal/rules"
	"github.com/starford/hiedb/internal/sse"
	"github.com/starford/hiedb/internal/storage"
)

// components are the services shared by every mode.
type components struct {
	db     *persistence.DB
	broker *sse.Broker
	svc    *recordservice.Service
	jobs   *jobs.Manager
	amqp   *notify.AMQPSink
}

func (c *components) Close() {
	if c.amqp != nil {
		_ = c.amqp.Close()
	}
	c.broker.Close()
	_ = c.db.Close()
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	out := app.logOutput
	if out == nil {
		out = os.Stdout
		if app.mode == ModeMCP {
			out = os.Stderr
		}
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("read_write_connection", cfg.Persistence.ReadWriteConnection),
		slog.Bool("ingest_enabled", cfg.Ingest.Enabled),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if app.mode == ModeMCP {
		logger.Info("Serving MCP on stdio")
		srv := mcpserver.New(c.svc, c.jobs, api.LocalPrincipal)
		return srv.ServeStdio()
	}
	return serve(ctx, cfg, c, logger)
}

func build(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	db, err := persistence.Open(ctx, cfg, persistence.Options{
		ReadWrite: cfg.Persistence.ReadWriteConnection,
		Readonly:  cfg.Persistence.ReadonlyConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("init persistence: %w", err)
	}

	validator := rules.NewValidator(logger)
	db.UseRelationshipGuard(validator)

	// SSE broker, plus RabbitMQ when configured.
	broker := sse.NewBroker(2 * time.Second)
	sinks := []notify.Sink{notify.BrokerSink{Broker: broker}}

	c := &components{db: db, broker: broker}
	if cfg.Messaging.AMQP.Enabled {
		c.amqp, err = notify.DialAMQP(cfg.Messaging.AMQP.URL, cfg.Messaging.AMQP.Exchange)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init amqp: %w", err)
		}
		sinks = append(sinks, c.amqp)
	}
	events := notify.NewFanout(logger, sinks...)

	resolver := mdm.NewResolver(db, events, logger, mdm.Options{
		Classes:    cfg.MDM.Classes,
		Thresholds: cfg.MDM.Thresholds(),
	})
	c.svc = recordservice.NewService(db, resolver, validator, events, logger)

	c.jobs = jobs.NewManager(db, events, logger)
	for _, j := range []jobs.Job{
		jobs.FullTextRebuildJob{DB: db},
		jobs.MatchJob{DB: db, Resolver: resolver},
	} {
		if err := c.jobs.Register(ctx, j); err != nil {
			c.Close()
			return nil, fmt.Errorf("register job %s: %w", j.Name(), err)
		}
	}
	for _, s := range cfg.Jobs.Schedules {
		id, err := c.jobs.Lookup(s.Job)
		if err == nil {
			err = c.jobs.Schedule(id, s.Cron)
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("schedule job %s: %w", s.Job, err)
		}
		logger.Info("Job scheduled", slog.String("job", s.Job), slog.String("cron", s.Cron))
	}

	return c, nil
}

func serve(ctx context.Context, cfg *Config, c *components, logger *slog.Logger) error {
	var (
		inbox    storage.Provider
		ingester *ingest.Ingester
	)
	if cfg.Ingest.Enabled {
		// Ensure inbox directory exists.
		if err := os.MkdirAll(cfg.Ingest.Path, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
		fs, err := storage.NewFS(cfg.Ingest.Path)
		if err != nil {
			return fmt.Errorf("init inbox: %w", err)
		}
		inbox = fs

		events := notify.NewFanout(logger, notify.BrokerSink{Broker: c.broker})
		ingester = ingest.New(c.svc, c.db, inbox, auth.Principal{Name: cfg.Ingest.Principal}, logger,
			func(outcome, path string) {
				events.Publish(context.Background(), notify.IngestFile, map[string]string{"outcome": outcome, "path": path})
			})

		// Run initial sync.
		if err := ingester.Sync(ctx); err != nil {
			logger.Warn("initial inbox sync failed", slog.String("error", err.Error()))
		}
	}

	apiRouter := api.NewRouter(api.Config{
		Service:     c.svc,
		Jobs:        c.jobs,
		Inbox:       inbox,
		Events:      c.broker,
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Tokens:      cfg.Auth.Principals(),
	})

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.db.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start inbox watcher.
	if ingester != nil {
		g.Go(func() error {
			if err := ingester.Watch(gCtx, cfg.Ingest.Path); err != nil {
				logger.Error("inbox watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start job scheduler.
	g.Go(func() error {
		return c.jobs.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher and scheduler stop with the
// HTTP server.
var errShutdown = errors.New("shutdown")
