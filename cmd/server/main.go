package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/config"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/frontend"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/health"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/logging"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/metrics"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/mock"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/qr"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/session"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/upstream"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config   string
	port     int
	mock     bool
	logLevel string
	noUI     bool
}

func run() error {
	var f flags
	fs := pflag.NewFlagSet("whatsapp-gateway", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "config.yaml", "path to config file")
	fs.IntVarP(&f.port, "port", "p", 0, "override server port")
	fs.BoolVar(&f.mock, "mock", false, "use the in-process mock upstream")
	fs.StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	fs.BoolVar(&f.noUI, "no-ui", false, "do not serve the embedded viewer page")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// load builds the effective config: file, then environment, then flags.
	// The config watcher reuses it so flags keep winning after a reload.
	load := func() (*config.Config, error) {
		cfg, err := config.Load(f.config)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		if f.port > 0 {
			cfg.Server.Port = f.port
		}
		if f.mock {
			cfg.Upstream.Mode = config.UpstreamMock
		}
		if f.logLevel != "" {
			cfg.Log.Level = f.logLevel
		}
		return cfg, nil
	}

	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var level slog.LevelVar
	lvl, _ := logging.ParseLevel(cfg.Log.Level)
	level.Set(lvl)
	logger, err := logging.New(os.Stderr, cfg.Log.Format, &level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, err := credstore.OpenBackend(ctx, cfg.Backend())
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	store, err := credstore.New(backend, cfg.Session.Name, credstore.WithEncryptionKey(cfg.Store.EncryptionKey))
	if err != nil {
		backend.Close()
		return err
	}
	defer store.Close()
	logger.Info("credstore.open", "driver", cfg.Store.Driver, "key", store.Key(), "sealed", store.Sealed())

	var dialer upstream.Dialer
	switch cfg.Upstream.Mode {
	case config.UpstreamMock:
		dialer = mock.New(mock.Options{
			QRInterval: cfg.Upstream.MockQRInterval,
			LinkAfter:  cfg.Upstream.MockLinkAfter,
			Logger:     logger.With("component", "mock"),
		})
	default:
		dialer = upstream.NewBridgeDialer(cfg.Upstream.URL, cfg.Upstream.Token, logger.With("component", "bridge"))
	}

	hub := ws.NewHub(ws.HubOptions{
		SendDeadline:   cfg.Broadcast.SendDeadline,
		QueueSize:      cfg.Broadcast.QueueSize,
		MaxSubscribers: cfg.Broadcast.MaxSubscribers,
		Logger:         logger.With("component", "hub"),
		Metrics:        m,
	})

	ctrl, err := session.New(session.Options{
		Dialer:           dialer,
		Store:            store,
		Encoder:          qr.New(qr.DefaultSize),
		Publisher:        hub,
		Logger:           logger.With("component", "session"),
		Metrics:          m,
		RetryDelay:       cfg.Session.ReconnectDelay,
		RetryMaxDelay:    cfg.Session.ReconnectMaxDelay,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		LogoutTimeout:    cfg.Session.LogoutTimeout,
		LogoutOnShutdown: cfg.Session.LogoutOnShutdown,
	})
	if err != nil {
		return err
	}
	hub.SetSource(ctrl)

	reporter, err := health.NewReporter()
	if err != nil {
		logger.Warn("health.unavailable", "err", err)
	}

	var ui http.Handler
	if !f.noUI {
		ui = frontend.Handler()
	}
	server := ws.NewServer(ctrl, hub, ws.ServerOptions{
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendRate:       cfg.Server.SendRate,
		SendBurst:      cfg.Server.SendBurst,
		Health:         reporter,
		Metrics:        metrics.Handler(reg),
		Frontend:       ui,
		Logger:         logger.With("component", "api"),
	})

	watcher, err := config.NewWatcher(f.config, load, func(next *config.Config) {
		if l, err := logging.ParseLevel(next.Log.Level); err == nil {
			level.Set(l)
		}
		ctrl.SetRetryPolicy(next.Session.ReconnectDelay, next.Session.ReconnectMaxDelay)
		hub.SetSendDeadline(next.Broadcast.SendDeadline)
		server.SetSendRate(next.Server.SendRate, next.Server.SendBurst)
	}, logger.With("component", "config"))
	if err != nil {
		logger.Warn("config.watch.disabled", "path", f.config, "err", err)
	} else {
		go watcher.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server.listen", "addr", httpServer.Addr, "upstream", cfg.Upstream.Mode, "store", cfg.Store.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctrl.Start()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("server.shutdown", "reason", "signal")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("server.fail", "err", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session.shutdown.incomplete", "err", err)
	}
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server.shutdown.incomplete", "err", err)
	}
	logger.Info("server.stopped")
	return runErr
}
