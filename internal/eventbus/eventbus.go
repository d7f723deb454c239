// Package eventbus implements the topic-based Event Bus (C11): a
// best-effort, in-process publish/subscribe fanout. Publish must never
// block the caller beyond enqueueing; delivery happens on its own
// goroutine with bounded retry, and a handler that keeps failing is
// logged and dropped rather than corrupting the caller's transaction.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/pkg/logger"
)

// Topic name constants, per §4.11.
const (
	TopicVariableCreated  = "variable.created"
	TopicVariableUpdated  = "variable.updated"
	TopicVariableDeleted  = "variable.deleted"
	TopicWorldTimeChanged = "worldtime.changed"
	TopicBranchMerged     = "branch.merged"
)

// EntityModifiedTopic builds the per-entity topic name entity.modified.<id>.
func EntityModifiedTopic(entityID string) string {
	return "entity.modified." + entityID
}

// Handler processes one published event. A returned error triggers a
// bounded retry; Permanent-wrapped errors (backoff.Permanent) skip retry.
type Handler func(ctx context.Context, topic string, payload map[string]any) error

// Bus is a topic-keyed publish/subscribe fanout.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h to be invoked for every Publish on topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish enqueues payload for delivery to topic's subscribers and
// returns immediately; delivery (including retries) happens on separate
// goroutines. Publish never returns an error: loss must not corrupt
// caller state, so failures are only logged.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	deliveryCtx := detach(ctx)
	for _, h := range handlers {
		h := h
		go b.deliver(deliveryCtx, topic, payload, h)
	}
}

func (b *Bus) deliver(ctx context.Context, topic string, payload map[string]any, h Handler) {
	err := backoff.Retry(func() error {
		return h(ctx, topic, payload)
	}, retryPolicy())
	if err != nil {
		logger.Warn("eventbus: handler failed after retries, dropping event",
			zap.String("topic", topic), zap.Error(err))
	}
}

// retryPolicy retries up to 3 times with randomized exponential backoff
// starting at 100ms, mirroring the pack's only backoff usage
// (Kong-go-database-reconciler's defaultBackOff for Kong API 500s).
func retryPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.Multiplier = 3
	return backoff.WithMaxRetries(eb, 3)
}

// detach strips ctx's deadline/cancellation (the HTTP request that
// triggered this event will likely finish before delivery does, including
// retries) while preserving its values.
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}        { return nil }
func (detachedContext) Err() error                   { return nil }
