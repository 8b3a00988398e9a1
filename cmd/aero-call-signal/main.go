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

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/revocation"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code; deferred cleanup runs on every path.
func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	issuer, err := turnrest.NewIssuer(turnrest.IssuerConfig{
		SharedSecret: cfg.TURNREST.SharedSecret,
		TTLSeconds:   cfg.TURNREST.TTLSeconds,
	})
	if err != nil {
		logger.Error("failed to configure turn credentials", "err", err)
		return 2
	}

	logger.Info("starting aero-call-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"stun_urls", cfg.STUNURLs,
		"turn_urls", cfg.TURNURLs,
		"turn_credentials", issuer.Enabled(),
		"turn_credential_ttl", issuer.TTL(),
		"relay_policy", cfg.RelayPolicy().String(),
		"revocation", cfg.Revocation.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	// Connect failures are logged and leave revocation disabled; the service
	// starts either way.
	store := revocation.New(context.Background(), revocation.Config{
		RedisURL:  cfg.Revocation.RedisURL,
		KeyPrefix: cfg.Revocation.KeyPrefix,
		Timeout:   cfg.Revocation.Timeout,
	}, logger, m)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing revocation store", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	registry := session.NewRegistry(nil)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	srv.SetRevocationStatus(store)

	sig := signaling.NewServer(signalingConfig(cfg, registry, issuer, store, m, logger))
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metricsHandler(m, registry))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Shutdown does not track hijacked connections; Close sends 1001 to each
	// and waits for pending revocations.
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return 0
}

func signalingConfig(cfg config.Config, registry *session.Registry, issuer *turnrest.Issuer, store revocation.Store, m *metrics.Metrics, logger *slog.Logger) signaling.Config {
	return signaling.Config{
		Registry:             registry,
		Issuer:               issuer,
		Revocation:           store,
		RevocationTimeout:    cfg.Revocation.Timeout,
		Metrics:              m,
		Logger:               logger,
		Origins:              origin.Policy{Allowed: cfg.AllowedOrigins},
		ICEServers:           cfg.ICEServers(),
		TURNURLs:             cfg.TURNURLs,
		RelayPolicy:          cfg.RelayPolicy(),
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:            cfg.SignalingSendQueue,
	}
}

func metricsHandler(m *metrics.Metrics, registry *session.Registry) http.Handler {
	return metrics.PrometheusHandler(m, metrics.Gauge{
		Name:  "active_sessions",
		Help:  "Sessions with at least one occupant.",
		Value: func() float64 { return float64(registry.Len()) },
	})
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
