// Package mirror copies the latest device state into a Redis hash so a
// fleet dashboard can see every printer without polling it.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scribe/config"
	"scribe/watch"
)

// Key returns the hash key for a device.
func Key(deviceID string) string {
	return fmt.Sprintf("scribe:device:%s", deviceID)
}

// NewClient builds the Redis client for cfg.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type writeFunc func(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error

// Mirror holds the latest fields and flushes them from its own goroutine, so
// callers on the event path never wait on Redis.
type Mirror struct {
	key   string
	ttl   time.Duration
	write writeFunc
	dirty *watch.Signal[struct{}]
	log   zerolog.Logger

	mu     sync.Mutex
	fields map[string]any
}

// New creates a mirror writing to client. The hash expires ttl after the
// last flush; Run refreshes it at half that period.
func New(client redis.Cmdable, deviceID string, ttl time.Duration, logger zerolog.Logger) *Mirror {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Mirror{
		key:    Key(deviceID),
		ttl:    ttl,
		write:  redisWriter(client),
		dirty:  watch.NewSignal[struct{}](),
		log:    logger.With().Str("component", "mirror").Logger(),
		fields: map[string]any{"device_id": deviceID},
	}
}

func redisWriter(client redis.Cmdable) writeFunc {
	return func(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return err
	}
}

// Set records fields and schedules a flush.
func (m *Mirror) Set(fields map[string]any) {
	m.mu.Lock()
	for k, v := range fields {
		m.fields[k] = v
	}
	m.mu.Unlock()
	m.dirty.Signal(struct{}{})
}

// Snapshot returns a copy of the current fields.
func (m *Mirror) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		cp[k] = v
	}
	return cp
}

// Run flushes on every change and on the refresh period until ctx ends.
// Failed flushes are logged and retried on the next trigger.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	m.log.Info().Str("key", m.key).Dur("ttl", m.ttl).Msg("state mirror started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.dirty.C():
		case <-ticker.C:
		}
		if err := m.flush(ctx); err != nil {
			m.log.Warn().Err(err).Msg("mirror flush failed")
		}
	}
}

func (m *Mirror) flush(ctx context.Context) error {
	fields := m.Snapshot()
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return m.write(wctx, m.key, fields, m.ttl)
}
