// Package planner implements the Delivery Planner (C5): a pure function
// resolving a parsed Message command into a concrete, ordered set of
// recipient deliveries. It performs no I/O and holds no state of its own;
// it consumes an immutable identity.Snapshot.
package planner

import (
	"errors"
	"fmt"

	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
)

// ErrInvalidTarget is returned for a malformed TO value.
var ErrInvalidTarget = errors.New("invalid target")

// ErrNoRoute is returned when the target is not present at plan time.
var ErrNoRoute = errors.New("no route")

// RecipientPlan is one resolved recipient in a DeliveryPlan.
type RecipientPlan struct {
	AgentName           string
	PresentationVariant string // e.g. "dm", "channel:<name>", "broadcast"
}

// DeliveryPlan is the pure output of Plan: an ordered recipient list plus
// a flag for external-bus-assisted DM disambiguation.
type DeliveryPlan struct {
	Recipients        []RecipientPlan
	NeedsDMResolution bool
	BridgeProject     string // set only when the target was project:name
}

// Plan resolves cmd against snap into a concrete, ordered recipient list.
func Plan(cmd *protocol.ParsedCommand, sender string, snap *identity.Snapshot) (*DeliveryPlan, error) {
	if cmd.Kind != protocol.CommandMessage {
		return nil, fmt.Errorf("planner: cmd is not a message command")
	}

	switch cmd.To.Kind {
	case protocol.TargetAgent:
		return planDirect(cmd.To.Name, snap)
	case protocol.TargetBroadcast:
		return planBroadcast(sender, snap), nil
	case protocol.TargetChannel:
		return planChannel(cmd.To.Name, sender, snap), nil
	case protocol.TargetBridge:
		return &DeliveryPlan{BridgeProject: cmd.To.Project, Recipients: []RecipientPlan{{
			AgentName:           cmd.To.Name,
			PresentationVariant: "bridge",
		}}}, nil
	default:
		return nil, ErrInvalidTarget
	}
}

// planDirect resolves rule 1: TO = name.
func planDirect(name string, snap *identity.Snapshot) (*DeliveryPlan, error) {
	if name == "" {
		return nil, ErrInvalidTarget
	}
	if _, ok := snap.Agent(name); !ok {
		// Not present in the routing table yet; the caller may still be
		// able to disambiguate via the external bus's identity hint for
		// an inbound DM.
		return &DeliveryPlan{NeedsDMResolution: true}, ErrNoRoute
	}
	return &DeliveryPlan{
		Recipients: []RecipientPlan{{AgentName: name, PresentationVariant: "dm"}},
	}, nil
}

// planBroadcast resolves rule 2: TO = * excluding the sender.
func planBroadcast(sender string, snap *identity.Snapshot) *DeliveryPlan {
	var recipients []RecipientPlan
	for _, name := range snap.LiveWorkers() {
		if name == sender {
			continue
		}
		recipients = append(recipients, RecipientPlan{AgentName: name, PresentationVariant: "broadcast"})
	}
	return &DeliveryPlan{Recipients: recipients}
}

// planChannel resolves rule 3: TO = #channel excluding the sender.
// Recipients preserve the deterministic insertion-then-lexicographic order
// carried by the snapshot.
func planChannel(channel, sender string, snap *identity.Snapshot) *DeliveryPlan {
	var recipients []RecipientPlan
	for _, name := range snap.ChannelMembers(channel) {
		if name == sender {
			continue
		}
		recipients = append(recipients, RecipientPlan{
			AgentName:           name,
			PresentationVariant: "channel:" + channel,
		})
	}
	return &DeliveryPlan{Recipients: recipients}
}
