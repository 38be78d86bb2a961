// Package relaybus implements the external relay bus collaborator
// interface: the three operations the broker requires of the
// upstream hosted message bus — send, subscribe, and heartbeat — plus
// normalization of inbound events into the broker's typed shape. Two
// backends are provided: an in-memory bus (default/test) and a NATS bus.
package relaybus

import (
	"context"
	"time"
)

// InboundEvent is a normalized external event entering the broker.
// The normalizer tolerates both top-level and payload-wrapped shapes;
// unrecognized fields are preserved in Extra.
type InboundEvent struct {
	EventID   string
	From      string
	To        string
	Body      string
	Thread    string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Envelope is an outbound delivery handed to the bus for transmission.
type Envelope struct {
	DeliveryID string
	From       string
	To         string
	Body       string
	Thread     string
}

// AgentHeartbeatState is the presence signal reported via heartbeat
// (spawned/idle/exited/stuck).
type AgentHeartbeatState string

const (
	HeartbeatSpawned AgentHeartbeatState = "spawned"
	HeartbeatOnline  AgentHeartbeatState = "online"
	HeartbeatIdle    AgentHeartbeatState = "idle"
	HeartbeatStuck   AgentHeartbeatState = "stuck"
	HeartbeatExited  AgentHeartbeatState = "exited"
)

// Bus is the collaborator interface the broker requires of the external
// relay service.
type Bus interface {
	// Send transmits envelope and returns the bus-assigned event_id.
	Send(ctx context.Context, envelope Envelope) (eventID string, err error)

	// Subscribe returns a channel of normalized inbound events. The
	// channel is closed once ctx is cancelled; MemoryBus also closes it
	// on Close, NATSBus does not.
	Subscribe(ctx context.Context) (<-chan InboundEvent, error)

	// Heartbeat reports an agent's presence state to the bus.
	Heartbeat(ctx context.Context, agentName string, state AgentHeartbeatState) error

	// Close releases any held connection resources.
	Close() error
}
