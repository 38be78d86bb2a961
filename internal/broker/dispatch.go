package broker

import (
	"context"

	"github.com/AgentWorkforce/relay-sub012/internal/eventbus"
	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/lifecycle"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
	"github.com/AgentWorkforce/relay-sub012/internal/ptysession"
	"github.com/AgentWorkforce/relay-sub012/internal/relaybus"
)

// readLoop owns one agent's PTY reads for its lifetime: raw bytes flow
// into the stream normalizer, completed logical lines flow into the
// protocol parser, and any commands or parse errors that fall out are
// dispatched.
func (b *Broker) readLoop(ctx context.Context, name string, handle *agentHandle) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := handle.session.Read(buf)
		if n > 0 {
			b.registry.Touch(name, handle.session.LastActivity())
			for _, line := range handle.norm.Write(buf[:n]) {
				b.handleLine(ctx, name, line)
			}
			if handle.norm.TakeOverflow() {
				b.sequencer.Publish(eventbus.KindParseError, "", name, map[string]interface{}{
					"reason": "overflow",
				})
			}
		}
		if err != nil {
			b.handleAgentExit(name, handle)
			return
		}
	}
}

func (b *Broker) handleAgentExit(name string, handle *agentHandle) {
	_, _ = b.registry.Release(name)

	b.mu.Lock()
	delete(b.agents, name)
	b.mu.Unlock()

	status := handle.session.ExitStatus()
	b.sequencer.Publish(eventbus.KindAgentExited, "", name, map[string]interface{}{
		"code":     status.Code,
		"signaled": status.Signaled,
		"signal":   status.Signal,
	})
	_ = b.bus.Heartbeat(context.Background(), name, relaybus.HeartbeatExited)
}

func (b *Broker) handleLine(ctx context.Context, name, line string) {
	b.mu.Lock()
	handle, ok := b.agents[name]
	b.mu.Unlock()
	if !ok {
		return
	}

	cmds, parseErrs := handle.parser.Feed(line)
	for _, pe := range parseErrs {
		b.sequencer.Publish(eventbus.KindParseError, "", name, map[string]interface{}{
			"reason": pe.Reason,
			"line":   pe.Line,
		})
	}
	for _, cmd := range cmds {
		b.handleCommand(ctx, name, cmd)
	}
}

func (b *Broker) handleCommand(ctx context.Context, sender string, cmd protocol.ParsedCommand) {
	// A THREAD header naming a delivery the broker injected into this
	// sender is an in-band ACK: the referenced delivery is verified before
	// the command is dispatched on its own merits.
	if cmd.Thread != "" {
		b.verifyAck(sender, cmd.Thread)
	}

	switch cmd.Kind {
	case protocol.CommandMessage:
		if _, err := b.SendMessage(ctx, sender, &cmd); err != nil {
			b.log.Warn("send_message failed")
		}
	case protocol.CommandSpawn:
		req := SpawnRequest{
			Name:     cmd.Name,
			Role:     identity.RoleWorker,
			CLI:      cmd.CLI,
			CWD:      cmd.CWD,
			Channels: cmd.Channels,
			Task:     cmd.Task,
			Size:     ptysession.Size{Cols: 220, Rows: 48},
		}
		if _, err := b.SpawnPTY(ctx, req); err != nil {
			b.log.Warn("in-band spawn_pty failed")
		}
	case protocol.CommandRelease:
		if err := b.Release(ctx, cmd.Name, cmd.Reason); err != nil {
			b.log.Warn("in-band release failed")
		}
	case protocol.CommandControl:
		b.sequencer.Publish(eventbus.KindPresence, "", sender, map[string]interface{}{
			"control": int(cmd.Control),
		})
	}
}

// verifyAck resolves an in-band acknowledgment: thread must name a
// delivery currently injected into acker's PTY. ACKs for deliveries that
// never reached this agent, or that already resolved, are ignored (the
// latter via resolveDelivery's duplicate-terminal reporting).
func (b *Broker) verifyAck(acker, thread string) {
	rec, ok := b.tracker.Get(thread)
	if !ok || rec.Agent != acker {
		return
	}
	b.resolveDelivery(rec.DeliveryID, rec.Agent, lifecycle.StateVerified, lifecycle.ReasonVerifiedAck)
}
