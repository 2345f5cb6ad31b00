package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on a Redis channel so every API replica can relay
// them to its own subscribers.
type RedisBus struct {
	rdb      redis.UniversalClient
	channel  string
	local    *LocalBus
	instance string
	log      *slog.Logger
}

// NewRedisBus constructs a RedisBus delivering to local.
func NewRedisBus(rdb redis.UniversalClient, channel string, local *LocalBus, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, channel: channel, local: local, instance: uuid.NewString(), log: log}
}

// Publish delivers locally and fans the event out to other replicas.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.local.now().UTC()
	}
	event.Source = b.instance
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Run relays events published by other replicas until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("event relay started", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("discarding malformed event", "error", err)
				continue
			}
			if event.Source == b.instance {
				continue
			}
			if err := b.local.Publish(ctx, event); err != nil {
				b.log.Warn("relay event failed", "error", err, "kind", event.Kind)
			}
		}
	}
}
