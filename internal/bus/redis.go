package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// RedisBus publishes through Redis pub/sub so the supervisor, agents and the
// dashboard can run as separate processes. Publishes are guarded by a
// gobreaker breaker: a Redis outage degrades to dropped events rather than
// blocking pipeline cycles.
type RedisBus struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
}

// NewRedisBus connects a bus to the given Redis address.
func NewRedisBus(addr, prefix string) *RedisBus {
	settings := gobreaker.Settings{
		Name:    "redis-bus",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &RedisBus{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		breaker: gobreaker.NewCircuitBreaker(settings),
		prefix:  prefix,
	}
}

func (b *RedisBus) channel(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + ":" + topic
}

// Publish sends the payload to the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.client.Publish(ctx, b.channel(topic), data).Err()
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Redis publish dropped")
		return err
	}
	return nil
}

// Subscribe consumes the topic channel until ctx is cancelled or the
// returned unsubscribe function is called.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("Undecodable bus message")
					continue
				}
				if err := handler(ctx, msg); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("Bus handler failed")
				}
			}
		}
	}()

	return func() {
		close(done)
		sub.Close()
	}, nil
}

// Close shuts the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
