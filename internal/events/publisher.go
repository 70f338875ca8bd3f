package events

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Publisher is the fire-and-forget event sink.
// Implementations must not block business flows on sink availability.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Topics emitted by the dialer core. Keep these stable; downstream
// dashboards and pipelines subscribe by topic.
const (
	TopicSessionStarted = "dialer/session/started"
	TopicSessionEnded   = "dialer/session/ended"
	TopicCallStarted    = "dialer/call/started"
	TopicCallEnded      = "dialer/call/ended"
	TopicLeadDNC        = "dialer/lead/dnc"
	TopicCallbackDone   = "dialer/callback/completed"
)

// Emit marshals v and publishes it, logging failures instead of returning
// them. A nil publisher is a no-op.
func Emit(ctx context.Context, p Publisher, log *slog.Logger, topic string, v any) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		if log != nil {
			log.Error("event marshal failed", "topic", topic, "err", err)
		}
		return
	}
	if err := p.Publish(ctx, topic, payload); err != nil && log != nil {
		log.Warn("event publish failed", "topic", topic, "err", err)
	}
}
