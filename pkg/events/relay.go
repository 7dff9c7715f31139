package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Publisher sends an event outside the process.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Relay drains a subscription into a Publisher at a bounded rate. Publish
// failures are logged and counted; they never stop the relay.
type Relay struct {
	pub     Publisher
	limiter *rate.Limiter
	logger  *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewRelay creates a relay allowing r events per second with the given
// burst. A non-positive r disables the limit.
func NewRelay(pub Publisher, r float64, burst int, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if r > 0 {
		limit = rate.Limit(r)
	}
	return &Relay{
		pub:     pub,
		limiter: rate.NewLimiter(limit, max(burst, 1)),
		logger:  logger.With("component", "events.relay"),
	}
}

// Run forwards events until the subscription closes (returns nil) or ctx is
// done (returns ctx.Err()).
func (r *Relay) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := r.pub.Publish(ctx, e); err != nil {
				r.failed.Add(1)
				r.logger.Warn("relay publish failed", "kind", e.Kind, "event_id", e.ID, "error", err)
				continue
			}
			r.sent.Add(1)
		}
	}
}

// Sent and Failed count publish outcomes.
func (r *Relay) Sent() int64   { return r.sent.Load() }
func (r *Relay) Failed() int64 { return r.failed.Load() }

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher backed by a Redis client.
func NewRedisPublisher(addr, password string, db int, channel string) *RedisPublisher {
	return NewRedisPublisherFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), channel)
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish to %s: %w", p.channel, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
