// Package delivery hands resolved effects to the surface a notification
// came from.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

// Sink applies an effect to the notification it was resolved for.
type Sink interface {
	Deliver(ctx context.Context, ev *types.NotificationEvent, eff resolver.Effect) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *types.NotificationEvent, eff resolver.Effect) error

func (f SinkFunc) Deliver(ctx context.Context, ev *types.NotificationEvent, eff resolver.Effect) error {
	return f(ctx, ev, eff)
}

// Registry routes effects to the sink with the longest prefix matching the
// event's channel (e.g. "telegram:", "webhook:").
type Registry struct {
	mu       sync.RWMutex
	sinks    map[string]Sink
	fallback Sink
}

// NewRegistry creates an empty registry. fallback, if non-nil, receives
// effects for channels with no registered sink.
func NewRegistry(fallback Sink) *Registry {
	return &Registry{
		sinks:    make(map[string]Sink),
		fallback: fallback,
	}
}

// Register adds a sink for channels starting with prefix.
func (r *Registry) Register(prefix string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[prefix] = sink
}

func (r *Registry) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, prefix)
}

// Deliver finds the sink for ev.Channel and calls it.
func (r *Registry) Deliver(ctx context.Context, ev *types.NotificationEvent, eff resolver.Effect) error {
	channel := string(ev.Channel)

	r.mu.RLock()
	var (
		best     Sink
		bestLen  = -1
		fallback = r.fallback
	)
	for prefix, sink := range r.sinks {
		if strings.HasPrefix(channel, prefix) && len(prefix) > bestLen {
			best, bestLen = sink, len(prefix)
		}
	}
	r.mu.RUnlock()

	if best == nil {
		best = fallback
	}
	if best == nil {
		return fmt.Errorf("no delivery sink for channel: %q", channel)
	}
	return best.Deliver(ctx, ev, eff)
}

// LogSink records effects in the process log. It is the fallback for
// events without a reply surface, such as `notibot run`.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, ev *types.NotificationEvent, eff resolver.Effect) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"notification_id", ev.ID, "source_app", ev.SourceApp, "action", string(eff.Kind())}
	switch e := eff.(type) {
	case resolver.Keep:
		attrs = append(attrs, "reason", e.Reason)
	case resolver.Dismiss:
		attrs = append(attrs, "reason", e.Reason)
	case resolver.Reply:
		attrs = append(attrs, "text", e.Text, "attachments", len(e.Attachments))
	case resolver.Snooze:
		attrs = append(attrs, "minutes", e.Minutes())
	}
	logger.Info("effect", attrs...)
	return nil
}
