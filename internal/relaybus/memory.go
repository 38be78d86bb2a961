package relaybus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus implementation used as the default
// single-process backend and in tests: broadcast-on-publish with one
// channel per subscriber.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[int]chan InboundEvent
	nextSubID   int
	closed      bool
}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[int]chan InboundEvent)}
}

// Send accepts envelope and mints its event_id. The in-memory bus has no
// remote side to carry the envelope to; tests use InjectInbound to
// simulate the hosted bus echoing a sent delivery back in.
func (m *MemoryBus) Send(ctx context.Context, envelope Envelope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrBusClosed
	}
	return uuid.New().String(), nil
}

// InjectInbound pushes an InboundEvent to every live subscriber, used by
// tests and by a caller simulating the bus echoing a sent message back.
func (m *MemoryBus) InjectInbound(evt InboundEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of inbound events for this process.
func (m *MemoryBus) Subscribe(ctx context.Context) (<-chan InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBusClosed
	}
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan InboundEvent, 256)
	m.subscribers[id] = ch

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if ch, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
	}()

	return ch, nil
}

// Heartbeat is a no-op for the in-memory bus; there is no remote presence
// surface to report to.
func (m *MemoryBus) Heartbeat(ctx context.Context, agentName string, state AgentHeartbeatState) error {
	return nil
}

// Close shuts down all subscriptions.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	return nil
}
