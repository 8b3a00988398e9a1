package revocation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/metrics"
)

// RedisStore writes blacklist keys that expire exactly when the revoked
// credential would have:
//
//	SET <prefix><username> 1 EX <expiry-now>
//
// A relay server rejects a credential whose username key exists.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	timeout     time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics

	available atomic.Bool
}

func NewRedisStore(client redis.UniversalClient, cfg Config, logger *slog.Logger, m *metrics.Metrics) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:      client,
		prefix:      cfg.KeyPrefix,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		logger:      logger.With("component", "revocation"),
		metrics:     m,
	}
}

// Connect pings the server. Failure is logged and leaves the store
// unavailable; later writes still go out and mark it available on success.
func (s *RedisStore) Connect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.available.Store(false)
		s.logger.Warn("revocation store unreachable; continuing without early revocation", "err", err)
		return false
	}
	s.available.Store(true)
	s.logger.Info("revocation store connected")
	return true
}

func (s *RedisStore) Available() bool {
	return s.available.Load()
}

func (s *RedisStore) Key(username string) string {
	return s.prefix + username
}

func (s *RedisStore) Revoke(ctx context.Context, username string, expiryUnix int64) {
	remaining := expiryUnix - s.now().Unix()
	if remaining <= 0 {
		s.metrics.Inc(metrics.RevocationSkipped)
		s.logger.Debug("credential already expired; nothing to revoke", "username", username)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, s.Key(username), "1", time.Duration(remaining)*time.Second).Err(); err != nil {
		s.available.Store(false)
		s.metrics.Inc(metrics.RevocationFailed)
		s.logger.Warn("credential revocation failed", "username", username, "err", err)
		return
	}
	s.available.Store(true)
	s.metrics.Inc(metrics.RevocationWritten)
	s.logger.Debug("credential revoked", "username", username, "ttl_seconds", remaining)
}

func (s *RedisStore) RevokeBatch(ctx context.Context, entries []Entry) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			s.Revoke(ctx, e.Username, e.ExpiryUnix)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
