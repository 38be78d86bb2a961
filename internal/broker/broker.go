// Package broker implements the Broker Core (C9): the component that owns
// every other subsystem (identity, PTY sessions, stream normalization,
// protocol parsing, delivery planning, injection, lifecycle tracking, the
// event sequencer, and the external relay bus) and exposes the operation
// table over them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AgentWorkforce/relay-sub012/internal/common/config"
	"github.com/AgentWorkforce/relay-sub012/internal/common/logger"
	"github.com/AgentWorkforce/relay-sub012/internal/eventbus"
	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/lifecycle"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
	"github.com/AgentWorkforce/relay-sub012/internal/ptysession"
	"github.com/AgentWorkforce/relay-sub012/internal/relaybus"
	"github.com/AgentWorkforce/relay-sub012/internal/streamnorm"
)

// agentHandle bundles the live, per-agent subsystems a spawned worker
// needs: its PTY session, the stream normalizer reading its output, and
// the protocol parser consuming the normalizer's logical lines.
type agentHandle struct {
	session *ptysession.Session
	norm    *streamnorm.Normalizer
	parser  *protocol.Parser
	cancel  context.CancelFunc
}

// Broker wires every subsystem component together and is the single
// entry point the gateway (and in-band commands parsed from agent output)
// call into.
type Broker struct {
	cfg *config.Config
	log *logger.Logger

	registry  *identity.Registry
	sequencer *eventbus.Sequencer
	tracker   *lifecycle.Tracker
	bus       relaybus.Bus
	tokens    *relaybus.TokenStore

	status atomic.Value

	mu     sync.Mutex
	agents map[string]*agentHandle

	sentIDs    *idSet
	inboundIDs *idSet

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	group        *errgroup.Group
	groupCtx     context.Context
}

// New constructs a Broker over already-initialized collaborators. The
// caller owns bus's lifecycle up to passing it in; Broker.Shutdown closes
// it.
func New(cfg *config.Config, log *logger.Logger, bus relaybus.Bus, tokens *relaybus.TokenStore) *Broker {
	b := &Broker{
		cfg:        cfg,
		log:        log,
		registry:   identity.NewRegistry(),
		sequencer:  eventbus.NewSequencer(cfg.Replay.RingSize, cfg.Replay.SubscriberBuffer),
		tracker:    lifecycle.NewTracker(),
		bus:        bus,
		tokens:     tokens,
		agents:     make(map[string]*agentHandle),
		sentIDs:    newIDSet(4096),
		inboundIDs: newIDSet(4096),
		shutdownCh: make(chan struct{}),
	}
	b.setStatus(StatusFatal)
	return b
}

// Run brings the broker to a serving state: it seeds the workspace token,
// starts the external-bus inbound subscription, and starts the
// grace-window sweep. It returns once ctx is cancelled or Shutdown is
// called, propagating the first subsystem error via errgroup.
func (b *Broker) Run(ctx context.Context) error {
	if _, _, err := b.tokens.SeedWorkspaceToken(); err != nil {
		b.setStatus(StatusFatal)
		return fmt.Errorf("broker: seed workspace token: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	b.group = group
	b.groupCtx = groupCtx

	inbound, err := b.bus.Subscribe(groupCtx)
	if err != nil {
		b.setStatus(StatusReadyDegradedRateLimited)
		b.log.Warn("external bus subscribe failed at startup, serving degraded")
		group.Go(func() error {
			b.recoverFromDegraded(groupCtx)
			return nil
		})
	} else {
		group.Go(func() error {
			b.consumeInbound(groupCtx, inbound)
			return nil
		})
	}

	group.Go(func() error {
		b.deliverySweepLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		b.presenceLoop(groupCtx)
		return nil
	})

	if b.Status() != StatusReadyDegradedRateLimited {
		b.setStatus(StatusReady)
	}
	b.log.Info("broker ready")

	<-groupCtx.Done()
	b.shutdownAgents()
	return group.Wait()
}

// Shutdown begins coordinated shutdown: every live agent session is
// closed, the bus subscription is torn down, and Run's errgroup is
// allowed to drain.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		close(b.shutdownCh)
	})
	b.shutdownAgents()
	if err := b.bus.Close(); err != nil {
		return err
	}
	return nil
}

func (b *Broker) shutdownAgents() {
	b.mu.Lock()
	handles := make([]*agentHandle, 0, len(b.agents))
	for _, h := range b.agents {
		handles = append(handles, h)
	}
	b.agents = make(map[string]*agentHandle)
	b.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		_ = h.session.Close()
	}
}

func (b *Broker) isShuttingDown() bool {
	select {
	case <-b.shutdownCh:
		return true
	default:
		return false
	}
}

// recoverFromDegraded retries the external bus subscription on a fixed
// interval while the broker is serving in StatusReadyDegradedRateLimited,
// and promotes the broker back to StatusReady once a subscription
// succeeds.
func (b *Broker) recoverFromDegraded(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inbound, err := b.bus.Subscribe(ctx)
			if err != nil {
				continue
			}
			b.setStatus(StatusReady)
			b.log.Info("external bus recovered, broker no longer degraded")
			b.consumeInbound(ctx, inbound)
			return
		}
	}
}

// deliverySweepLoop periodically resolves Injected deliveries that never
// produced an in-band ACK. When activity-based verification is enabled
// and the target showed activity after the injection and has since gone
// idle past the threshold, the delivery is upgraded to verified.read;
// otherwise it falls to uncertain.no_signal once the message grace window
// expires. AWAIT deliveries are skipped — their awaiting caller resolves
// them.
func (b *Broker) deliverySweepLoop(ctx context.Context) {
	grace := time.Duration(b.cfg.Lifecycle.MessageGraceSeconds) * time.Second
	idleVerify := time.Duration(b.cfg.Lifecycle.IdleVerifySeconds) * time.Second
	ticker := time.NewTicker(grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.registry.Snapshot()
			for _, rec := range b.tracker.InjectedRecords() {
				if rec.Await {
					continue
				}
				if idleVerify > 0 {
					if a, ok := snap.Agent(rec.Agent); ok &&
						a.LastActivity.After(rec.InjectedAt) &&
						time.Since(a.LastActivity) >= idleVerify {
						b.resolveDelivery(rec.DeliveryID, rec.Agent, lifecycle.StateVerified, lifecycle.ReasonVerifiedRead)
						continue
					}
				}
				if time.Since(rec.InjectedAt) >= grace {
					b.resolveDelivery(rec.DeliveryID, rec.Agent, lifecycle.StateUncertain, lifecycle.ReasonUncertainNoSignal)
				}
			}
		}
	}
}

// resolveDelivery applies a terminal transition and publishes the
// matching event. A second terminal attempt indicates an upstream bug
// and is reported as a parse_error-kind event rather than silently
// swallowed.
func (b *Broker) resolveDelivery(deliveryID, agent string, state lifecycle.State, reason lifecycle.Reason) {
	err := b.tracker.Terminal(deliveryID, state, reason)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyTerminal) {
			b.sequencer.Publish(eventbus.KindParseError, deliveryID, agent, map[string]interface{}{
				"reason": "duplicate terminal transition attempted",
			})
		}
		return
	}

	var kind eventbus.Kind
	switch state {
	case lifecycle.StateVerified:
		kind = eventbus.KindDeliveryVerified
	case lifecycle.StateFailed:
		kind = eventbus.KindDeliveryFailed
	default:
		kind = eventbus.KindDeliveryUncertain
	}
	b.sequencer.Publish(kind, deliveryID, agent, map[string]interface{}{
		"reason": string(reason),
	})
}

// presenceLoop emits worker presence transitions derived from PTY
// activity: online while active within the configured window, idle in
// between, stuck after prolonged silence. Workers own their presence;
// readers and broker-role agents never emit these signals.
func (b *Broker) presenceLoop(ctx context.Context) {
	online := time.Duration(b.cfg.Lifecycle.PresenceOnlineSeconds) * time.Second
	stuck := time.Duration(b.cfg.Lifecycle.PresenceStuckSeconds) * time.Second
	if online <= 0 {
		online = 30 * time.Second
	}
	if stuck <= online {
		stuck = 5 * time.Minute
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	reported := make(map[string]relaybus.AgentHeartbeatState)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.registry.Snapshot()
			live := make(map[string]struct{})
			for _, name := range snap.LiveWorkers() {
				live[name] = struct{}{}
				a, _ := snap.Agent(name)

				var state relaybus.AgentHeartbeatState
				switch since := time.Since(a.LastActivity); {
				case since >= stuck:
					state = relaybus.HeartbeatStuck
				case since <= online:
					state = relaybus.HeartbeatOnline
				default:
					state = relaybus.HeartbeatIdle
				}
				if reported[name] == state {
					continue
				}
				reported[name] = state
				b.sequencer.Publish(eventbus.KindPresence, "", name, map[string]interface{}{
					"state": string(state),
				})
				_ = b.bus.Heartbeat(ctx, name, state)
			}
			for name := range reported {
				if _, ok := live[name]; !ok {
					delete(reported, name)
				}
			}
		}
	}
}
