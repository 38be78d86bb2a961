// Package eventbus implements the Event Sequencer + Replay Ring (C8): a
// single monotonic counter, a bounded FIFO replay buffer, and
// since_seq-aware subscriber fan-out with replay_gap synthesis.
package eventbus

import "time"

// Kind enumerates the closed set of event kinds.
type Kind string

const (
	KindAgentSpawned      Kind = "agent_spawned"
	KindAgentReady        Kind = "agent_ready"
	KindAgentExited       Kind = "agent_exited"
	KindAgentReleased     Kind = "agent_released"
	KindDeliveryQueued    Kind = "delivery_queued"
	KindDeliveryInjected  Kind = "delivery_injected"
	KindDeliveryVerified  Kind = "delivery_verified"
	KindDeliveryFailed    Kind = "delivery_failed"
	KindDeliveryUncertain Kind = "delivery_uncertain"
	KindInboundRelay      Kind = "inbound_relay"
	KindReplayGap         Kind = "replay_gap"
	KindPresence          Kind = "presence"
	KindParseError        Kind = "parse_error"
)

// Event is the shape crossing the broker's output boundary.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Timestamp  time.Time              `json:"ts"`
	Kind       Kind                   `json:"kind"`
	DeliveryID string                 `json:"delivery_id,omitempty"`
	AgentName  string                 `json:"agent_name,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}
