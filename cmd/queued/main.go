// Command queued launches the queue engine daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/queueline/queueline/internal/bus"
	"github.com/queueline/queueline/internal/config"
	"github.com/queueline/queueline/internal/line"
	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/push"
	"github.com/queueline/queueline/internal/queue"
	httpserver "github.com/queueline/queueline/internal/server/http"
	redisstore "github.com/queueline/queueline/internal/store/redis"
	"github.com/queueline/queueline/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	daemonLoggerPrefix       = "queued "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	busShutdownTimeout       = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(daemonLoggerPrefix))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: addr=%s, default service=%s", cfg.Server.Addr, cfg.Queue.DefaultService)

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		EnableMetrics: cfg.Telemetry.EnableMetrics,
		OTLPEndpoint:  cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:  cfg.Telemetry.OTLPInsecure,
		ServiceName:   cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	st, err := redisstore.New(ctx, redisstore.Config{
		URL:           cfg.Redis.URL,
		PoolSize:      cfg.Redis.PoolSize,
		SocketTimeout: cfg.Redis.SocketTimeout,
	})
	if err != nil {
		logger.Fatalf("connect store: %v", err)
	}
	if err := st.EnsureTicketIndex(ctx); err != nil {
		logger.Fatalf("ensure ticket index: %v", err)
	}
	logger.Print("store connected, ticket index ready")

	repo := queue.NewRepository(st)
	recorder := queue.NewRecorder(st, cfg.Queue.TimezoneOffset)
	engine := queue.NewEngine(st, repo, recorder)
	analytics := queue.NewAnalytics(st, cfg.Queue.TimezoneOffset, cfg.Queue.DefaultService)

	lineClient, err := line.New(cfg.Line.ChannelSecret, cfg.Line.ChannelToken)
	if err != nil {
		logger.Fatalf("initialize line client: %v", err)
	}

	announcer := bus.NewAnnouncer()
	var handlers []bus.Handler
	var webhook http.Handler
	if lineClient != nil {
		dispatcher := push.NewDispatcher(st, lineClient, cfg.Queue.PushesPerSecond, cfg.Queue.PushBurst)
		handlers = append(handlers, dispatcher.Handle)
		webhook = line.NewWebhook(lineClient, repo, st, cfg.Server.BaseURL, cfg.Queue.DefaultService)
		logger.Print("line integration enabled")
	} else {
		logger.Print("line integration disabled")
	}

	runner := bus.NewRunner(st, announcer, handlers...)
	runner.Start(ctx)

	handler := httpserver.NewHandler(httpserver.Config{
		DefaultService: cfg.Queue.DefaultService,
		SessionSecret:  cfg.Server.SessionSecret,
		AdminUser:      cfg.Server.AdminUser,
		AdminPassword:  cfg.Server.AdminPassword,
	}, st, repo, engine, analytics, announcer, webhook)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	})
	logger.Printf("listening on %s", cfg.Server.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	if err := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		runner:     runner,
		store:      st,
		telemetry:  telemetryProvider,
	}); err != nil {
		logger.Printf("shutdown finished with errors in %v: %v", time.Since(shutdownStart), err)
		return
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	if _, err := os.Stat(defaultConfigPath); err != nil {
		// No config file: defaults plus environment overrides apply.
		return ""
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	runner     *bus.Runner
	store      interface{ Close() error }
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var stepErrs []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("stopping http server", serverShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.server.Shutdown(stepCtx)
	})

	logger.Print("shutdown: cancelling main context")
	cfg.mainCancel()

	shutdownStep("waiting for bus subscriber", busShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.runner.Wait()
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	shutdownStep("closing store", serverShutdownTimeout, func(context.Context) error {
		return cfg.store.Close()
	})

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})

	return observability.AggregateErrors("graceful shutdown", stepErrs)
}
