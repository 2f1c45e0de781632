package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

const subjectPrefix = "proxycore.events."

// NATSBus wraps a MemoryBus for local fan-out and additionally bridges
// every publish to a NATS subject so other proxycore instances observe
// the same event stream. Events arriving from NATS that carry this
// instance's own source tag are dropped, per spec.md §6's "drop echoes
// of their own publications" requirement.
type NATSBus struct {
	local *MemoryBus
	conn  *nats.Conn
	sub   *nats.Subscription
	source string
}

// NewNATSBus connects local to conn. Call Close to unsubscribe from
// NATS; the local bus and its subscribers are left as they are.
func NewNATSBus(local *MemoryBus, conn *nats.Conn, source string) (*NATSBus, error) {
	b := &NATSBus{local: local, conn: conn, source: source}

	sub, err := conn.Subscribe(subjectPrefix+"*", b.onRemoteMessage)
	if err != nil {
		return nil, err
	}
	b.sub = sub

	return b, nil
}

func (b *NATSBus) onRemoteMessage(msg *nats.Msg) {
	var event proxytypes.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		slog.Warn("eventbus: nats: failed to decode event", "error", err)
		return
	}
	if event.Source == b.source {
		return
	}
	b.local.Publish(context.Background(), event)
}

func (b *NATSBus) Publish(ctx context.Context, event proxytypes.Event) {
	if event.Source == "" {
		event.Source = b.source
	}
	b.local.Publish(ctx, event)

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("eventbus: nats: failed to encode event", "error", err)
		return
	}

	subject := subjectPrefix + string(event.Type)
	if err := b.conn.Publish(subject, payload); err != nil {
		slog.Warn("eventbus: nats: publish failed", "subject", subject, "error", err)
	}
}

func (b *NATSBus) Subscribe(bufferSize int) (<-chan proxytypes.Event, func()) {
	return b.local.Subscribe(bufferSize)
}

// Close unsubscribes from NATS; it does not close conn, which callers
// may share across other bridges.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}

var _ EventBus = (*NATSBus)(nil)
