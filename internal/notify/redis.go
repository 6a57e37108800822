package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/evmd/internal/event"
)

// RedisBroadcaster publishes committed events over Redis Pub/Sub,
// giving vm.notify a real cross-process transport: other homeserver
// processes subscribed to the channel receive a published event the
// moment it retires, without polling the event log.
//
// Adapted from the teacher's infra.GoRedisAdapter: same
// redis.NewClient options (dial/read/write timeouts, pool size) and
// the same connectivity-check-at-construction idiom, narrowed to just
// Publish/Subscribe since the EVM core has no use for the adapter's
// key/value or set operations.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
}

// RedisOptions mirrors the fields the teacher's adapter exposes.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisBroadcaster connects to Redis and verifies connectivity with
// a Ping, the same fail-fast-at-construction behavior as
// infra.NewGoRedisAdapter.
func NewRedisBroadcaster(opts RedisOptions) (*RedisBroadcaster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("notify: redis ping failed (%s): %w", opts.Addr, err)
	}

	channel := opts.Channel
	if channel == "" {
		channel = "evmd.notify"
	}
	return &RedisBroadcaster{rdb: rdb, channel: channel}, nil
}

func (r *RedisBroadcaster) Close() error {
	return r.rdb.Close()
}

// Publish implements Broadcaster by PUBLISHing the event's
// notification envelope on the configured channel.
func (r *RedisBroadcaster) Publish(ctx context.Context, ev *event.Event) error {
	payload, err := marshalNotification(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publishing to %s: %w", r.channel, err)
	}
	return nil
}

// SubscribeRaw subscribes to the broadcaster's channel, invoking
// handler for each published payload in a background goroutine. The
// returned func unsubscribes and stops that goroutine; grounded in
// the teacher's GoRedisAdapter.Subscribe (subscription-confirmation
// Receive, then a range-over-channel goroutine).
func (r *RedisBroadcaster) SubscribeRaw(ctx context.Context, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("notify: subscribing to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

var _ Broadcaster = (*RedisBroadcaster)(nil)
