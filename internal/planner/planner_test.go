package planner

import (
	"testing"

	"github.com/AgentWorkforce/relay-sub012/internal/identity"
	"github.com/AgentWorkforce/relay-sub012/internal/protocol"
)

func snapshotWithTeam(t *testing.T) *identity.Snapshot {
	t.Helper()
	r := identity.NewRegistry()
	for _, name := range []string{"A", "B", "C"} {
		if _, err := r.Register(name, identity.RoleWorker, []string{"team"}, ""); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return r.Snapshot()
}

// TestChannelFanOut models scenario S2: agents A, B, C joined to #team;
// a message to #team from A produces deliveries to B and C in insertion
// order.
func TestChannelFanOut(t *testing.T) {
	snap := snapshotWithTeam(t)
	cmd := &protocol.ParsedCommand{
		Kind: protocol.CommandMessage,
		To:   protocol.Target{Kind: protocol.TargetChannel, Name: "team"},
		Body: "go",
	}
	plan, err := Plan(cmd, "A", snap)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Recipients) != 2 {
		t.Fatalf("expected 2 recipients excluding sender, got %d: %+v", len(plan.Recipients), plan.Recipients)
	}
	if plan.Recipients[0].AgentName != "B" || plan.Recipients[1].AgentName != "C" {
		t.Fatalf("unexpected order: %+v", plan.Recipients)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	snap := snapshotWithTeam(t)
	cmd := &protocol.ParsedCommand{
		Kind: protocol.CommandMessage,
		To:   protocol.Target{Kind: protocol.TargetBroadcast},
	}
	plan, err := Plan(cmd, "B", snap)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %+v", plan.Recipients)
	}
	for _, r := range plan.Recipients {
		if r.AgentName == "B" {
			t.Fatalf("sender should be excluded from broadcast")
		}
	}
}

func TestDirectMessageNoRoute(t *testing.T) {
	snap := snapshotWithTeam(t)
	cmd := &protocol.ParsedCommand{
		Kind: protocol.CommandMessage,
		To:   protocol.Target{Kind: protocol.TargetAgent, Name: "Ghost"},
	}
	plan, err := Plan(cmd, "A", snap)
	if err == nil {
		t.Fatal("expected no-route error")
	}
	if !plan.NeedsDMResolution {
		t.Fatal("expected NeedsDMResolution to be set")
	}
}

func TestBridgeTargetTagged(t *testing.T) {
	snap := snapshotWithTeam(t)
	cmd := &protocol.ParsedCommand{
		Kind: protocol.CommandMessage,
		To:   protocol.Target{Kind: protocol.TargetBridge, Project: "other", Name: "Lead"},
	}
	plan, err := Plan(cmd, "A", snap)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.BridgeProject != "other" || plan.Recipients[0].AgentName != "Lead" {
		t.Fatalf("unexpected bridge plan: %+v", plan)
	}
}
