package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/pkg/acp/jsonrpc"
)

// lifecycleSubjects matches every per-session lifecycle subject.
const lifecycleSubjects = "session.*.lifecycle"

// SessionEventParams is the session/event notification payload.
type SessionEventParams struct {
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBridge subscribes to session lifecycle events on the event bus and
// forwards them to every connected WebSocket client as session/event
// notifications. This is how observers that did not initiate a prompt learn
// about session activity.
type EventBridge struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu    sync.Mutex
	sub   bus.Subscription
	conns map[string]*wsConn
}

// NewEventBridge creates a bridge over the given bus. A nil bus yields an
// inert bridge, so callers need no special casing.
func NewEventBridge(eventBus bus.EventBus, log *logger.Logger) *EventBridge {
	return &EventBridge{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "event-bridge")),
		conns:  make(map[string]*wsConn),
	}
}

// Start subscribes to the lifecycle stream. Safe to call once.
func (b *EventBridge) Start() error {
	if b.bus == nil {
		return nil
	}
	sub, err := b.bus.Subscribe(lifecycleSubjects, b.deliver)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Stop drops the subscription. Connections stay open; they simply stop
// receiving session/event frames.
func (b *EventBridge) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// attach registers a connection for event delivery.
func (b *EventBridge) attach(c *wsConn) {
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
}

// detach removes a connection. Unknown ids are a no-op.
func (b *EventBridge) detach(id string) {
	b.mu.Lock()
	delete(b.conns, id)
	b.mu.Unlock()
}

// deliver fans one bus event out to every attached connection. Delivery uses
// the connections' drop-on-full notification path, so a slow consumer cannot
// stall the bus handler.
func (b *EventBridge) deliver(_ context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["sessionId"].(string)
	n, err := jsonrpc.NewNotification(jsonrpc.NotificationSessionEvent, SessionEventParams{
		SessionID: sessionID,
		Type:      event.Type,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		b.logger.Error("marshal session event failed", zap.Error(err))
		return nil
	}

	b.mu.Lock()
	targets := make([]*wsConn, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.enqueueNotification(n)
	}
	return nil
}
