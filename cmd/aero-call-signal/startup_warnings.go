package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if (origin.Policy{Allowed: cfg.AllowedOrigins}).AllowsAny() {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.TURNURLs) > 0 && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: AERO_TURN_URLS is set without TURN_REST_SHARED_SECRET (clients receive no TURN entry)",
			"warning_code", "turn_urls_without_secret",
			"turn_hosts", urlHosts(cfg.TURNURLs),
			"mode", cfg.Mode,
		)
	}

	if cfg.ForceRelay && (len(cfg.TURNURLs) == 0 || !cfg.TURNREST.Enabled()) {
		logger.Warn("startup security warning: FORCE_RELAY=true without TURN credentials (clients cannot gather relay candidates)",
			"warning_code", "force_relay_without_turn",
			"turn_urls_set", len(cfg.TURNURLs) > 0,
			"turn_credentials", cfg.TURNREST.Enabled(),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.TURNREST.Enabled() && !cfg.Revocation.Enabled() {
		logger.Warn("startup security warning: REVOCATION_REDIS_URL is unset while --mode=prod (TURN credentials stay valid until expiry after a participant leaves)",
			"warning_code", "revocation_disabled_in_prod",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}
}

// urlHosts returns the host part of each STUN/TURN URL for logging. The URLs
// are opaque ("turn:host:port?transport=udp") so the scheme is stripped by
// hand.
func urlHosts(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(strings.TrimSpace(r))
		if err != nil {
			continue
		}
		host := u.Opaque
		if host == "" {
			host = u.Host
		}
		out = append(out, host)
	}
	return out
}
