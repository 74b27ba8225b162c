package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

// ChannelCancel carries cluster-wide cancel requests; the payload is the
// task ID. Every worker subscribes and aborts if its local registry holds
// the handle.
const ChannelCancel = "agent:tasks:cancel"

func userChannel(userID string) string { return "events:user:" + userID }
func caseChannel(caseID string) string { return "events:case:" + caseID }

// EventBus fans progress and lock events out to connected observers over
// Redis pub/sub. Every event goes to the case channel; events with a user
// are additionally published on that user's channel.
type EventBus interface {
	Publish(ctx context.Context, userID string, ev domain.Event) error

	// SubscribeUser streams events from the user channel plus any extra case
	// channels until ctx is cancelled.
	SubscribeUser(ctx context.Context, userID string, caseIDs ...string) (<-chan domain.Event, func())

	// RequestCancel broadcasts a cancel request for the task to all workers.
	RequestCancel(ctx context.Context, taskID string) error

	// SubscribeCancel streams task IDs from the cancel channel.
	SubscribeCancel(ctx context.Context) (<-chan string, func())
}

type eventBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewEventBus creates a Redis pub/sub backed EventBus.
func NewEventBus(client *redis.Client, logger *slog.Logger) EventBus {
	return &eventBus{client: client, logger: logger}
}

func (b *eventBus) Publish(ctx context.Context, userID string, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Kind, err)
	}

	if err := b.client.Publish(ctx, caseChannel(ev.CaseID), data).Err(); err != nil {
		return fmt.Errorf("publish %s to case %s: %w", ev.Kind, ev.CaseID, err)
	}
	if userID != "" {
		if err := b.client.Publish(ctx, userChannel(userID), data).Err(); err != nil {
			return fmt.Errorf("publish %s to user %s: %w", ev.Kind, userID, err)
		}
	}
	return nil
}

func (b *eventBus) SubscribeUser(ctx context.Context, userID string, caseIDs ...string) (<-chan domain.Event, func()) {
	channels := []string{userChannel(userID)}
	for _, id := range caseIDs {
		channels = append(channels, caseChannel(id))
	}
	sub := b.client.Subscribe(ctx, channels...)

	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Error("malformed event on pubsub channel",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

func (b *eventBus) RequestCancel(ctx context.Context, taskID string) error {
	if err := b.client.Publish(ctx, ChannelCancel, taskID).Err(); err != nil {
		return fmt.Errorf("publish cancel for task %s: %w", taskID, err)
	}
	return nil
}

func (b *eventBus) SubscribeCancel(ctx context.Context) (<-chan string, func()) {
	sub := b.client.Subscribe(ctx, ChannelCancel)

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
