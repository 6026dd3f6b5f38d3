package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/httpserver"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/relay"
	"github.com/duolink/duolink/internal/signaling"
	"github.com/duolink/duolink/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to yaml config file (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting duolink-server",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"store_backend", cfg.StoreBackend,
		"default_session_expiry", cfg.DefaultSessionExpiry,
		"max_session_expiry", cfg.MaxSessionExpiry,
		"require_auth_proof", cfg.RequireAuthProof,
	)

	logStartupSecurityWarnings(logger, cfg)

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open session store", "err", err)
		os.Exit(2)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("session store close failed", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, st, m, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	r := relay.New(st, m, logger, relay.Options{RequireProof: cfg.RequireAuthProof})
	sig := signaling.NewServer(signaling.Config{
		Relay:             r,
		Logger:            logger,
		AllowedOrigins:    cfg.AllowedOrigins,
		AuthTimeout:       cfg.SignalingAuthTimeout,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", m.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return store.NewMemoryStore(nil), nil
	case config.StoreBackendBadger:
		return store.NewBadgerStore(store.BadgerConfig{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.BadgerSyncWrites,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
