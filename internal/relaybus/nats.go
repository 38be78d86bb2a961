package relaybus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/AgentWorkforce/relay-sub012/internal/common/logger"
)

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// wireEnvelope is the JSON shape published to NATS; normalizeInbound reads
// the same shape on the subscribe side and tolerates a payload-wrapped
// variant.
type wireEnvelope struct {
	EventID    string `json:"event_id"`
	DeliveryID string `json:"delivery_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Thread     string `json:"thread,omitempty"`
}

const (
	subjectOutbound   = "relay.outbound"
	subjectInbound    = "relay.inbound"
	subjectHeartbeat  = "relay.heartbeat"
)

// NATSBus implements Bus over a NATS connection.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus connects to NATS and returns a ready Bus.
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("relay bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("relay bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("relay bus connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relaybus: connect: %w", err)
	}

	return &NATSBus{conn: conn, log: log}, nil
}

// Send publishes envelope to the outbound subject and returns a generated
// event_id that callers can use for self-echo suppression fingerprints.
func (b *NATSBus) Send(ctx context.Context, envelope Envelope) (string, error) {
	eventID := fmt.Sprintf("%s-%d", envelope.DeliveryID, time.Now().UnixNano())
	wire := wireEnvelope{
		EventID:    eventID,
		DeliveryID: envelope.DeliveryID,
		From:       envelope.From,
		To:         envelope.To,
		Body:       envelope.Body,
		Thread:     envelope.Thread,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("relaybus: marshal envelope: %w", err)
	}
	if err := b.conn.Publish(subjectOutbound, data); err != nil {
		return "", fmt.Errorf("relaybus: publish: %w", err)
	}
	return eventID, nil
}

// Subscribe subscribes to the inbound subject and normalizes messages
// into InboundEvent, tolerating both a top-level wireEnvelope and one
// nested under a "payload" key.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan InboundEvent, error) {
	out := make(chan InboundEvent, 256)

	sub, err := b.conn.Subscribe(subjectInbound, func(msg *nats.Msg) {
		evt, err := normalizeInbound(msg.Data)
		if err != nil {
			b.log.Warn("dropping malformed inbound relay event", zap.Error(err))
			return
		}
		select {
		case out <- evt:
		default:
			b.log.Warn("inbound relay subscriber channel full, dropping event")
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("relaybus: subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()

	return out, nil
}

func normalizeInbound(data []byte) (InboundEvent, error) {
	var top struct {
		wireEnvelope
		Payload *wireEnvelope `json:"payload"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return InboundEvent{}, err
	}
	wire := top.wireEnvelope
	if top.Payload != nil {
		wire = *top.Payload
	}
	var fields map[string]interface{}
	_ = json.Unmarshal(data, &fields)
	if inner, ok := fields["payload"].(map[string]interface{}); ok && top.Payload != nil {
		fields = inner
	}
	extra := map[string]interface{}{}
	for k, v := range fields {
		switch k {
		case "event_id", "delivery_id", "from", "to", "body", "thread", "payload":
		default:
			extra[k] = v
		}
	}
	return InboundEvent{
		EventID:   wire.EventID,
		From:      wire.From,
		To:        wire.To,
		Body:      wire.Body,
		Thread:    wire.Thread,
		Timestamp: time.Now(),
		Extra:     extra,
	}, nil
}

// Heartbeat publishes a presence signal for agentName.
func (b *NATSBus) Heartbeat(ctx context.Context, agentName string, state AgentHeartbeatState) error {
	payload, err := json.Marshal(map[string]string{
		"agent_name": agentName,
		"state":      string(state),
	})
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectHeartbeat, payload)
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Drain()
	return nil
}
