// Package notify mirrors in-process EventBus notifications onto a NATS
// subject, so a second coordctl process on the same host can observe
// state changes without sharing the Go process heap. It is optional and
// off by default: components never depend on it directly, they only
// publish on their own eventbus.Bus, which a Bridge can be attached to.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"goa.design/coordctl/internal/eventbus"
	"goa.design/coordctl/internal/telemetry"
)

// Message is the wire envelope published on NATS.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Bridge fans an eventbus.Bus out to NATS under subjectPrefix. A Bridge
// with a nil conn is a no-op, so callers can construct one unconditionally
// and only wire a real connection when notification is enabled.
type Bridge struct {
	conn          *nats.Conn
	subjectPrefix string
	log           telemetry.Logger
}

// NewBridge constructs a Bridge. conn may be nil to disable publishing.
func NewBridge(conn *nats.Conn, subjectPrefix string, log telemetry.Logger) *Bridge {
	if log == nil {
		log = telemetry.Nop()
	}
	if subjectPrefix == "" {
		subjectPrefix = "coordctl.events"
	}
	return &Bridge{conn: conn, subjectPrefix: subjectPrefix, log: log}
}

// Attach registers the bridge as a subscriber on bus, so every event bus
// publishes is mirrored to NATS. Returns the Subscription for the caller
// to Close on shutdown.
func (b *Bridge) Attach(bus *eventbus.Bus) (eventbus.Subscription, error) {
	return bus.Register(eventbus.SubscriberFunc(b.HandleEvent))
}

// HandleEvent publishes event to NATS. A nil connection makes this a
// silent no-op rather than an error, since the bridge is meant to be
// attachable even when notification is disabled.
func (b *Bridge) HandleEvent(ctx context.Context, event eventbus.Event) error {
	if b.conn == nil {
		return nil
	}
	data, err := json.Marshal(Message{Type: event.Type, Payload: event.Payload, Timestamp: event.Timestamp.UnixMilli()})
	if err != nil {
		b.log.Warn("notify: marshal event failed", zap.Error(err))
		return nil
	}
	subject := b.subjectPrefix + "." + strings.ReplaceAll(event.Type, ":", ".")
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn("notify: publish failed", zap.Error(err))
	}
	return nil
}

// Close closes the underlying NATS connection, if any, without draining it.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
