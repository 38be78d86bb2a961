// Package identity owns the canonical agent registry and routing table:
// agent records, channel membership, and the immutable snapshots the
// delivery planner consumes.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Role is an agent's identity role.
type Role string

const (
	RoleWorker Role = "worker"
	RoleBroker Role = "broker"
	RoleReader Role = "reader"
)

// State is an agent's lifecycle state.
type State string

const (
	StateAnnounced State = "announced"
	StateSpawning  State = "spawning"
	StateReady     State = "ready"
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateReleasing State = "releasing"
	StateExited    State = "exited"
)

// Capability is an optional agent capability flag, e.g. {mcp_reply}.
type Capability string

const (
	CapMCPReply Capability = "mcp_reply"
)

// ErrNameConflict is returned when spawning over a live name.
var ErrNameConflict = errors.New("name conflict")

// ErrUnknownAgent is returned when an operation references a name with no
// live record.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is the canonical record for a managed PTY-backed process.
type Agent struct {
	Name            string
	Role            Role
	State           State
	Channels        map[string]struct{}
	BridgeProject   string
	SessionToken    string
	Capabilities    map[Capability]struct{}
	LastActivity    time.Time
	insertionOrder  int
}

// HasCapability reports whether the agent advertises cap.
func (a *Agent) HasCapability(cap Capability) bool {
	if a.Capabilities == nil {
		return false
	}
	_, ok := a.Capabilities[cap]
	return ok
}

// IsLive reports whether the agent occupies a name slot that conflicts with
// a new spawn (i.e. it has not reached its terminal exited state).
func (a *Agent) IsLive() bool {
	return a.State != StateExited
}

// Snapshot is an immutable view of the routing table handed to the
// delivery planner and to read-only operations such as list_agents. It is
// never mutated after construction; Registry.Snapshot builds a fresh one
// on every call.
type Snapshot struct {
	agents     map[string]Agent
	order      []string // agent names in insertion order
	channels   map[string][]string
	takenAt    time.Time
}

// Agent looks up an agent record by name.
func (s *Snapshot) Agent(name string) (Agent, bool) {
	a, ok := s.agents[name]
	return a, ok
}

// ChannelMembers returns the ordered (insertion order) membership of a
// channel, excluding nothing — callers apply sender exclusion themselves.
func (s *Snapshot) ChannelMembers(channel string) []string {
	members := s.channels[channel]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// LiveWorkers returns all live worker agents in deterministic order:
// insertion order, then lexicographic as a tiebreak.
func (s *Snapshot) LiveWorkers() []string {
	names := make([]string, 0, len(s.order))
	for _, n := range s.order {
		a := s.agents[n]
		if a.Role == RoleWorker && a.IsLive() {
			names = append(names, n)
		}
	}
	return names
}

// LiveAgents returns every live agent regardless of role, in insertion
// order. Used by list_agents; the planner works from LiveWorkers.
func (s *Snapshot) LiveAgents() []string {
	names := make([]string, 0, len(s.order))
	for _, n := range s.order {
		a := s.agents[n]
		if a.IsLive() {
			names = append(names, n)
		}
	}
	return names
}

// Registry is the single owning actor for agent identity and routing. All
// mutation happens through its methods; readers receive immutable
// Snapshots. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	order    []string
	channels map[string]map[string]struct{} // channel -> member set
	nextSeq  int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:   make(map[string]*Agent),
		channels: make(map[string]map[string]struct{}),
	}
}

// Register adds a new agent record in the announced state. Returns
// ErrNameConflict if a live agent already holds the name.
func (r *Registry) Register(name string, role Role, channels []string, bridgeProject string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[name]; ok && existing.IsLive() {
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
	}

	a := &Agent{
		Name:           name,
		Role:           role,
		State:          StateAnnounced,
		Channels:       make(map[string]struct{}),
		BridgeProject:  bridgeProject,
		Capabilities:   make(map[Capability]struct{}),
		LastActivity:   time.Now(),
		insertionOrder: r.nextSeq,
	}
	r.nextSeq++

	for _, ch := range channels {
		a.Channels[ch] = struct{}{}
		r.joinChannelLocked(ch, name)
	}

	if _, ok := r.agents[name]; !ok {
		r.order = append(r.order, name)
	}
	r.agents[name] = a
	return a, nil
}

func (r *Registry) joinChannelLocked(channel, name string) {
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[name] = struct{}{}
}

// Transition moves an agent to a new lifecycle state.
func (r *Registry) Transition(name string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	a.State = state
	return nil
}

// Touch records agent activity, used for presence/idle threshold tracking.
func (r *Registry) Touch(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[name]; ok {
		a.LastActivity = at
	}
}

// SetSessionToken stores the external bus session token for the agent.
func (r *Registry) SetSessionToken(name, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	a.SessionToken = token
	return nil
}

// Release marks an agent exited; this is permanent for the incarnation.
func (r *Registry) Release(name string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	a.State = StateExited
	for ch := range a.Channels {
		if members, ok := r.channels[ch]; ok {
			delete(members, name)
		}
	}
	return a, nil
}

// Snapshot returns an immutable view of the current routing state.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make(map[string]Agent, len(r.agents))
	for name, a := range r.agents {
		cp := *a
		cp.Channels = copySet(a.Channels)
		cp.Capabilities = copyCapSet(a.Capabilities)
		agents[name] = cp
	}

	order := make([]string, len(r.order))
	copy(order, r.order)

	channels := make(map[string][]string, len(r.channels))
	for ch, members := range r.channels {
		names := make([]string, 0, len(members))
		for n := range members {
			names = append(names, n)
		}
		sortByInsertionThenLex(names, r.order)
		channels[ch] = names
	}

	return &Snapshot{
		agents:   agents,
		order:    order,
		channels: channels,
		takenAt:  time.Now(),
	}
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func copyCapSet(m map[Capability]struct{}) map[Capability]struct{} {
	out := make(map[Capability]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// sortByInsertionThenLex orders names by their position in insertionOrder,
// falling back to lexicographic order for names absent from it.
func sortByInsertionThenLex(names []string, insertionOrder []string) {
	pos := make(map[string]int, len(insertionOrder))
	for i, n := range insertionOrder {
		pos[n] = i
	}
	sort.Slice(names, func(i, j int) bool {
		pi, oki := pos[names[i]]
		pj, okj := pos[names[j]]
		if oki && okj {
			return pi < pj
		}
		if oki != okj {
			return oki
		}
		return names[i] < names[j]
	})
}
