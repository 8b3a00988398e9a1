// Package revocation blacklists issued TURN credentials ahead of their natural
// expiry. Revocation is advisory: the credential's embedded expiry bounds its
// lifetime even when no store is reachable, so every failure here is logged
// and swallowed.
package revocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/metrics"
)

const (
	DefaultKeyPrefix   = "turn:revoked:"
	DefaultTimeout     = 2 * time.Second
	DefaultConcurrency = 8
)

// Entry identifies one credential to revoke.
type Entry struct {
	Username   string
	ExpiryUnix int64
}

// Store is the blacklist used by the signaling handler.
type Store interface {
	// Available reports whether the last interaction with the backing store
	// succeeded.
	Available() bool
	// Revoke blacklists username until expiryUnix. It never returns an error.
	Revoke(ctx context.Context, username string, expiryUnix int64)
	// RevokeBatch revokes entries concurrently and returns when all attempts
	// have finished.
	RevokeBatch(ctx context.Context, entries []Entry)
	Close() error
}

// Noop is the store used when no backend is configured.
type Noop struct{}

func (Noop) Available() bool                       { return false }
func (Noop) Revoke(context.Context, string, int64) {}
func (Noop) RevokeBatch(context.Context, []Entry)  {}
func (Noop) Close() error                          { return nil }

type Config struct {
	// RedisURL selects the Redis backend, e.g. redis://:pass@host:6379/0.
	// Empty selects Noop.
	RedisURL  string
	KeyPrefix string
	// Timeout bounds the startup ping and each write.
	Timeout     time.Duration
	Concurrency int
	Now         func() time.Time
}

// New picks the store for cfg and attempts one connection. It never fails:
// an unusable URL or unreachable server yields a store that reports
// Available() == false.
func New(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RedisURL == "" {
		logger.Info("credential revocation disabled", "reason", "no store configured")
		return Noop{}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("credential revocation disabled", "reason", "invalid redis url", "err", err)
		return Noop{}
	}
	store := NewRedisStore(redis.NewClient(opts), cfg, logger, m)
	store.Connect(ctx)
	return store
}
