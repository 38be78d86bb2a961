package eventbus

import (
	"sync"
	"time"
)

// SubscriberBuffer is the default per-subscriber outbound channel depth.
const SubscriberBuffer = 256

// Subscription is a live handle to a subscriber's event stream.
type Subscription struct {
	Events <-chan Event
	id     uint64
}

// Sequencer assigns monotonic sequence numbers, retains recent events in
// a bounded replay ring, and fans them out to subscribers. A single mutex
// guards the counter, the ring, and subscriber registration/replay so
// that Publish and Subscribe are atomic with respect to any one
// subscriber.
type Sequencer struct {
	mu          sync.Mutex
	counter     uint64
	ring        *ring
	subscribers map[uint64]chan Event
	nextSubID   uint64
	bufferSize  int
}

// NewSequencer constructs a Sequencer with the given ring capacity
// (default 1000) and subscriber channel buffer size.
func NewSequencer(ringSize, subscriberBuffer int) *Sequencer {
	if subscriberBuffer <= 0 {
		subscriberBuffer = SubscriberBuffer
	}
	return &Sequencer{
		ring:        newRing(ringSize),
		subscribers: make(map[uint64]chan Event),
		bufferSize:  subscriberBuffer,
	}
}

// Publish assigns a sequence number to evt, appends it to the ring, and
// broadcasts it to every live subscriber, in that order.
// It returns the assigned event. A full subscriber channel causes that
// subscriber to be dropped rather than blocking the sequencer; the
// dropped subscriber receives a replay_gap on its next reconnect.
func (s *Sequencer) Publish(kind Kind, deliveryID, agentName string, payload map[string]interface{}) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	evt := Event{
		Seq:        s.counter,
		Timestamp:  time.Now(),
		Kind:       kind,
		DeliveryID: deliveryID,
		AgentName:  agentName,
		Payload:    payload,
	}
	s.ring.append(evt)

	for id, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return evt
}

// Subscribe registers a new subscriber and replays any retained events
// with Seq >= sinceSeq, synthesizing a replay_gap first if sinceSeq
// predates the oldest retained event.
func (s *Sequencer) Subscribe(sinceSeq uint64) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, s.bufferSize)
	s.subscribers[id] = ch

	oldest, hasOldest := s.ring.oldestSeq()
	var replay []Event
	if hasOldest && sinceSeq < oldest {
		replay = append(replay, Event{
			Seq:       0,
			Timestamp: time.Now(),
			Kind:      KindReplayGap,
			Payload: map[string]interface{}{
				"since_seq":       sinceSeq,
				"oldest_available": oldest,
			},
		})
		replay = append(replay, s.ring.since(oldest)...)
	} else {
		replay = s.ring.since(sinceSeq)
	}

	for _, evt := range replay {
		select {
		case ch <- evt:
			continue
		default:
		}
		// Subscriber buffer too small for its own backlog; drop it
		// immediately rather than block the registering caller.
		delete(s.subscribers, id)
		close(ch)
		break
	}

	return Subscription{Events: ch, id: id}
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Sequencer) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[sub.id]; ok {
		delete(s.subscribers, sub.id)
		close(ch)
	}
}

// NewestSeq returns the most recently assigned sequence number, or 0 if
// none has been assigned yet.
func (s *Sequencer) NewestSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}
