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

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"max_rooms", cfg.MaxRooms,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	m := metrics.New()

	sig := signaling.NewServer(signaling.Config{
		Logger:         logger,
		Metrics:        m,
		MaxRooms:       cfg.MaxRooms,
		Origins:        cfg.OriginPolicy(),
		MaxConnections: cfg.MaxConnections,

		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:               cfg.SignalingSendQueueLength,
	})

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Options{
		Metrics: m,
		Stats:   sig.Registry().Stats,
	})
	sig.RegisterRoutes(srv.Mux())

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
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked WebSockets; sig.Close sends them a
	// going-away close and waits for their handlers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete", "rooms", sig.Registry().Stats().Rooms)
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
