package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any website can open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every connection may buffer a message this big)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessagesPerSecond > 1000 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is very large (one client can flood its peer)",
			"warning_code", "max_signaling_messages_per_second_large",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && time.Duration(cfg.TURNREST.TTLSeconds)*time.Second > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds 24h (leaked TURN credentials stay valid for a long time)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz and /webrtc/ice will report unavailable",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.PublicBaseURL)), "http://") {
		logger.Warn("startup security warning: PUBLIC_BASE_URL is plain http while --mode=prod (browsers require a secure context for WebRTC)",
			"warning_code", "public_base_url_insecure",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
