package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AgentWorkforce/relay-sub012/internal/eventbus"
	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/injector"
	"github.com/AgentWorkforce/relay-sub012/internal/lifecycle"
	"github.com/AgentWorkforce/relay-sub012/internal/planner"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
	"github.com/AgentWorkforce/relay-sub012/internal/ptysession"
	"github.com/AgentWorkforce/relay-sub012/internal/relaybus"
	"github.com/AgentWorkforce/relay-sub012/internal/streamnorm"
)

// SpawnRequest describes a worker to bring up under a new PTY.
type SpawnRequest struct {
	Name          string
	Role          identity.Role
	CLI           string
	Args          []string
	Env           map[string]string
	CWD           string
	Channels      []string
	BridgeProject string
	Size          ptysession.Size
	Capabilities  []identity.Capability
	// Task, if non-empty, is written to the new agent's PTY input right
	// after spawn as its initial task prompt.
	Task string
}

// SpawnPTY registers a new agent identity and spawns its PTY-backed
// process. A name collision with a live agent is reported as
// CodeNameConflict unless identity.strictNames is set, in which case it
// is promoted to a fatal broker error.
func (b *Broker) SpawnPTY(ctx context.Context, req SpawnRequest) (*identity.Agent, error) {
	if b.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	if req.Name == "" || req.CLI == "" {
		return nil, newError(CodeMalformed, "spawn_pty requires name and cli", nil)
	}
	if !b.cliAllowed(req.CLI) {
		return nil, newError(CodeUnsupportedCLI, "cli not in allowed set", nil)
	}

	agent, err := b.registry.Register(req.Name, req.Role, req.Channels, req.BridgeProject)
	if err != nil {
		if errors.Is(err, identity.ErrNameConflict) {
			if b.cfg.Identity.StrictNames {
				b.setStatus(StatusFatal)
				return nil, newError(CodeFatal, "name conflict under strict naming", err)
			}
			return nil, newError(CodeNameConflict, "agent name already live", err)
		}
		return nil, newError(CodeMalformed, "register failed", err)
	}

	_ = b.registry.Transition(req.Name, identity.StateSpawning)

	size := req.Size
	if size.Cols == 0 {
		size.Cols = uint16(streamnorm.DefaultCols)
	}
	if size.Rows == 0 {
		size.Rows = 48
	}

	session, err := ptysession.Open(req.CLI, req.Args, req.Env, req.CWD, size)
	if err != nil {
		_, _ = b.registry.Release(req.Name)
		return nil, newError(CodeSpawnFailed, "spawn failed", err)
	}

	agentCtx, cancel := context.WithCancel(b.groupCtx)
	handle := &agentHandle{
		session: session,
		// The normalizer's virtual grid is taller than the PTY so a
		// burst of output is drained as lines before the grid recycles.
		norm:   streamnorm.New(int(size.Cols), streamnorm.DefaultRows),
		parser: protocol.New(),
		cancel: cancel,
	}
	for _, c := range req.Capabilities {
		agent.Capabilities[c] = struct{}{}
	}

	b.mu.Lock()
	b.agents[req.Name] = handle
	b.mu.Unlock()

	_ = b.registry.Transition(req.Name, identity.StateReady)

	token := uuid.NewString()
	_ = b.tokens.SetAgentToken(req.Name, token)
	_ = b.registry.SetSessionToken(req.Name, token)

	go b.readLoop(agentCtx, req.Name, handle)

	if req.Task != "" {
		_, _ = handle.session.Write([]byte(req.Task + "\n"))
	}

	b.sequencer.Publish(eventbus.KindAgentSpawned, "", req.Name, map[string]interface{}{"cli": req.CLI})
	b.sequencer.Publish(eventbus.KindAgentReady, "", req.Name, nil)
	_ = b.bus.Heartbeat(ctx, req.Name, relaybus.HeartbeatOnline)

	snap := b.registry.Snapshot()
	out, _ := snap.Agent(req.Name)
	return &out, nil
}

// Release tears down a live agent: it marks the identity record exited,
// closes its PTY session, and reports the exit over the event stream.
func (b *Broker) Release(ctx context.Context, name, reason string) error {
	if _, err := b.registry.Release(name); err != nil {
		return newError(CodeInvalidTarget, "unknown agent", err)
	}

	b.mu.Lock()
	handle, ok := b.agents[name]
	delete(b.agents, name)
	b.mu.Unlock()

	if ok {
		handle.cancel()
		_ = handle.session.Close()
	}

	b.sequencer.Publish(eventbus.KindAgentReleased, "", name, map[string]interface{}{"reason": reason})
	_ = b.bus.Heartbeat(ctx, name, relaybus.HeartbeatExited)
	return nil
}

// NewestSeq returns the most recently assigned event sequence number,
// used by the health surface to report subsystem liveness.
func (b *Broker) NewestSeq() uint64 {
	return b.sequencer.NewestSeq()
}

// ListAgents returns a snapshot of every live agent record, any role, in
// deterministic order.
func (b *Broker) ListAgents() []identity.Agent {
	snap := b.registry.Snapshot()
	var out []identity.Agent
	for _, name := range snap.LiveAgents() {
		if a, ok := snap.Agent(name); ok {
			out = append(out, a)
		}
	}
	return out
}

// SubscribeEvents hands back a live, replay-aware subscription to the
// broker's event stream.
func (b *Broker) SubscribeEvents(sinceSeq uint64) eventbus.Subscription {
	return b.sequencer.Subscribe(sinceSeq)
}

// UnsubscribeEvents releases a subscription obtained from SubscribeEvents.
func (b *Broker) UnsubscribeEvents(sub eventbus.Subscription) {
	b.sequencer.Unsubscribe(sub)
}

// SendMessage plans and delivers a parsed Message command on behalf of
// sender, returning the delivery_ids accepted for tracking. It is called
// both from in-band parsed commands and from the external control-plane
// surface.
func (b *Broker) SendMessage(ctx context.Context, sender string, cmd *protocol.ParsedCommand) ([]string, error) {
	if b.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	snap := b.registry.Snapshot()
	plan, err := planner.Plan(cmd, sender, snap)
	if err != nil {
		if errors.Is(err, planner.ErrNoRoute) && plan != nil && plan.NeedsDMResolution {
			ids, busErr := b.deliverViaBus(ctx, sender, cmd)
			if busErr != nil {
				return ids, busErr
			}
			return b.finishSend(ctx, cmd, ids)
		}
		id := uuid.NewString()
		b.tracker.Accept(id, cmd.To.Name)
		_ = b.tracker.Terminal(id, lifecycle.StateFailed, lifecycle.ReasonFailedNoRoute)
		b.sequencer.Publish(eventbus.KindDeliveryFailed, id, sender, map[string]interface{}{
			"reason": string(lifecycle.ReasonFailedNoRoute),
		})
		return nil, newError(CodeNoRoute, "no route to target", err)
	}

	// A bridge target is tagged for a sibling broker rather than resolved
	// locally; this broker has no real cross-broker transport, so it is
	// dispatched over the external bus.
	if plan.BridgeProject != "" {
		ids, err := b.deliverViaBus(ctx, sender, cmd)
		if err != nil {
			return ids, err
		}
		return b.finishSend(ctx, cmd, ids)
	}

	var deliveryIDs []string
	for _, recipient := range plan.Recipients {
		id := uuid.NewString()
		b.tracker.Accept(id, recipient.AgentName)
		_ = b.tracker.Queue(id)
		b.sequencer.Publish(eventbus.KindDeliveryQueued, id, recipient.AgentName, map[string]interface{}{
			"from": sender,
		})

		handle, ok := b.getAgent(recipient.AgentName)
		if !ok {
			_ = b.tracker.Terminal(id, lifecycle.StateFailed, lifecycle.ReasonFailedNoRoute)
			b.sequencer.Publish(eventbus.KindDeliveryFailed, id, recipient.AgentName, map[string]interface{}{
				"reason": string(lifecycle.ReasonFailedNoRoute),
			})
			continue
		}

		mcpReply := false
		if a, ok := snap.Agent(recipient.AgentName); ok {
			mcpReply = a.HasCapability(identity.CapMCPReply)
		}
		channel := channelFromVariant(recipient.PresentationVariant)

		result := injector.Inject(handle.session, sender, id, channel, cmd.Body, mcpReply, b.shutdownCh)
		if !result.Injected {
			reason := lifecycle.ReasonFailedWrite
			if result.Reason == "cancelled" {
				reason = lifecycle.ReasonFailedCancelled
			}
			_ = b.tracker.Terminal(id, lifecycle.StateFailed, reason)
			b.sequencer.Publish(eventbus.KindDeliveryFailed, id, recipient.AgentName, map[string]interface{}{
				"reason": string(reason),
			})
			continue
		}
		_ = b.tracker.MarkInjected(id)
		// The injected bytes will echo back through the target's own PTY
		// output; reset its normalizer so that echo is never re-parsed
		// as a fresh in-band command.
		handle.norm.Reset()
		b.sequencer.Publish(eventbus.KindDeliveryInjected, id, recipient.AgentName, map[string]interface{}{
			"from":    sender,
			"variant": recipient.PresentationVariant,
		})
		deliveryIDs = append(deliveryIDs, id)
	}
	return b.finishSend(ctx, cmd, deliveryIDs)
}

// finishSend applies the AWAIT contract once a message's deliveries are
// in flight: without an AWAIT header the accepted ids are returned
// immediately; with one, the call blocks until every delivery reaches a
// terminal state or the await deadline resolves the stragglers to
// failed.timeout.
func (b *Broker) finishSend(ctx context.Context, cmd *protocol.ParsedCommand, ids []string) ([]string, error) {
	if cmd.Await == "" || len(ids) == 0 {
		return ids, nil
	}
	timeout, err := b.awaitTimeout(cmd.Await)
	if err != nil {
		return ids, err
	}
	for _, id := range ids {
		b.tracker.SetAwait(id)
	}
	return ids, b.awaitTerminal(ctx, ids, timeout)
}

// awaitTimeout resolves the raw AWAIT header value to a deadline. An
// explicit duration is required; a bare "true" is honored only when
// lifecycle.defaultAwaitTimeoutSeconds provides one.
func (b *Broker) awaitTimeout(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d, nil
	}
	if strings.EqualFold(raw, "true") && b.cfg.Lifecycle.DefaultAwaitTimeoutSeconds > 0 {
		return time.Duration(b.cfg.Lifecycle.DefaultAwaitTimeoutSeconds) * time.Second, nil
	}
	return 0, newError(CodeMalformed, "AWAIT requires an explicit duration", nil)
}

// awaitTerminal blocks until every listed delivery reaches a terminal
// state or timeout elapses. Deliveries still pending at the deadline are
// resolved to failed.timeout and a CodeTimeout error is returned. If ctx
// is cancelled first, the pending deliveries are handed back to the
// grace-window sweep: the writes already happened and cannot be
// retracted.
func (b *Broker) awaitTerminal(ctx context.Context, ids []string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	pending := func() []lifecycle.Record {
		var out []lifecycle.Record
		for _, id := range ids {
			if rec, ok := b.tracker.Get(id); ok && !rec.State.IsTerminal() {
				out = append(out, rec)
			}
		}
		return out
	}

	for {
		select {
		case <-ctx.Done():
			for _, rec := range pending() {
				b.tracker.ClearAwait(rec.DeliveryID)
			}
			return newError(CodeShutdown, "await abandoned", ctx.Err())
		case <-deadline.C:
			stragglers := pending()
			for _, rec := range stragglers {
				if err := b.tracker.Terminal(rec.DeliveryID, lifecycle.StateFailed, lifecycle.ReasonFailedTimeout); err != nil {
					continue
				}
				b.sequencer.Publish(eventbus.KindDeliveryFailed, rec.DeliveryID, rec.Agent, map[string]interface{}{
					"reason": string(lifecycle.ReasonFailedTimeout),
				})
			}
			if len(stragglers) == 0 {
				return nil
			}
			return newError(CodeTimeout, "await deadline exceeded", nil)
		case <-ticker.C:
			if len(pending()) == 0 {
				return nil
			}
		}
	}
}

// deliverViaBus hands a message to the external relay bus when the
// recipient is not present in the local routing table (DM resolution) or
// the target named a sibling project's agent (bridge). Its outcome is not
// immediately observable, so it is marked Injected and left to the
// grace-window sweep to resolve to uncertain.no_signal absent a reply.
func (b *Broker) deliverViaBus(ctx context.Context, sender string, cmd *protocol.ParsedCommand) ([]string, error) {
	id := uuid.NewString()
	b.tracker.Accept(id, cmd.To.Name)
	_ = b.tracker.Queue(id)
	b.sequencer.Publish(eventbus.KindDeliveryQueued, id, cmd.To.Name, map[string]interface{}{
		"from": sender,
		"via":  "external_bus",
	})

	eventID, err := b.bus.Send(ctx, relaybus.Envelope{
		DeliveryID: id,
		From:       sender,
		To:         cmd.To.Name,
		Body:       cmd.Body,
		Thread:     cmd.Thread,
	})
	if err != nil {
		_ = b.tracker.Terminal(id, lifecycle.StateFailed, lifecycle.ReasonFailedNoRoute)
		b.sequencer.Publish(eventbus.KindDeliveryFailed, id, cmd.To.Name, map[string]interface{}{
			"reason": string(lifecycle.ReasonFailedNoRoute),
		})
		return nil, newError(CodeNoRoute, "external bus send failed", err)
	}

	b.sentIDs.Add(eventID)
	_ = b.tracker.MarkInjected(id)
	b.sequencer.Publish(eventbus.KindDeliveryInjected, id, cmd.To.Name, map[string]interface{}{
		"from":      sender,
		"via":       "external_bus",
		"bridge":    cmd.To.Project,
		"event_id":  eventID,
	})
	return []string{id}, nil
}

// IngestInboundRelay processes a normalized event arriving from the
// external bus: an event_id the broker itself recently sent is a
// self-echo and is dropped; an already-seen event_id is a duplicate
// delivery and is dropped; otherwise it is injected into the named
// agent's PTY like any other delivery.
func (b *Broker) IngestInboundRelay(ctx context.Context, evt relaybus.InboundEvent) error {
	if b.sentIDs.Contains(evt.EventID) {
		return nil
	}
	if b.inboundIDs.Add(evt.EventID) {
		return newError(CodeDuplicate, "duplicate inbound event", nil)
	}

	handle, ok := b.getAgent(evt.To)
	if !ok {
		return newError(CodeNoRoute, "inbound relay target not live", nil)
	}

	id := uuid.NewString()
	b.tracker.Accept(id, evt.To)
	_ = b.tracker.Queue(id)
	b.sequencer.Publish(eventbus.KindDeliveryQueued, id, evt.To, map[string]interface{}{
		"from": evt.From,
	})

	result := injector.Inject(handle.session, evt.From, id, "", evt.Body, false, b.shutdownCh)
	if !result.Injected {
		reason := lifecycle.ReasonFailedWrite
		if result.Reason == "cancelled" {
			reason = lifecycle.ReasonFailedCancelled
		}
		_ = b.tracker.Terminal(id, lifecycle.StateFailed, reason)
		b.sequencer.Publish(eventbus.KindDeliveryFailed, id, evt.To, map[string]interface{}{
			"reason": string(reason),
		})
		return newError(CodeWriteFailed, "inbound relay injection failed", nil)
	}
	_ = b.tracker.MarkInjected(id)
	handle.norm.Reset()

	b.sequencer.Publish(eventbus.KindInboundRelay, id, evt.To, map[string]interface{}{
		"from":     evt.From,
		"event_id": evt.EventID,
	})
	return nil
}

func (b *Broker) cliAllowed(cli string) bool {
	allowed := b.cfg.Identity.AllowedCLIs
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == cli {
			return true
		}
	}
	return false
}

func (b *Broker) getAgent(name string) (*agentHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.agents[name]
	return h, ok
}

func channelFromVariant(variant string) string {
	const prefix = "channel:"
	if strings.HasPrefix(variant, prefix) {
		return strings.TrimPrefix(variant, prefix)
	}
	return ""
}

func (b *Broker) consumeInbound(ctx context.Context, inbound <-chan relaybus.InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-inbound:
			if !ok {
				return
			}
			if err := b.IngestInboundRelay(ctx, evt); err != nil {
				b.log.Warn("inbound relay event dropped")
			}
		}
	}
}
