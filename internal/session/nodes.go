package session

import (
	"sort"
	"sync"
	"time"

	"github.com/soundfold/maestro/pkg/maestro"
)

// Node is the orchestrator's view of one rendering node, built from
// retained presence plus local degradation marks.
type Node struct {
	ID     string
	Name   string
	Region string

	mu       sync.Mutex
	players  int
	pingMS   int64
	lastSeen time.Time
	degraded map[Class]time.Time
}

// Players reports the advertised player count plus local adjustments.
func (n *Node) Players() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.players
}

// PingMS reports the last advertised round-trip latency.
func (n *Node) PingMS() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pingMS
}

// Degraded reports whether the node carries an unexpired mark for the
// given class.
func (n *Node) Degraded(class Class, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.degraded[class]
	return ok && now.Before(until)
}

// NodeRegistry tracks known rendering nodes. Presence updates keep it
// current; sessions consult it for failover targets.
type NodeRegistry struct {
	mu    sync.Mutex
	nodes map[string]*Node
	// stale is how long a node outlives its last presence beat.
	stale time.Duration
}

// NewNodeRegistry builds an empty registry. Nodes whose presence is
// older than stale are not offered as failover targets.
func NewNodeRegistry(stale time.Duration) *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]*Node), stale: stale}
}

// Upsert applies one presence beat.
func (r *NodeRegistry) Upsert(p maestro.Presence, now time.Time) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[p.NodeID]
	if !ok {
		n = &Node{ID: p.NodeID, degraded: make(map[Class]time.Time)}
		r.nodes[p.NodeID] = n
	}
	n.mu.Lock()
	n.Name = p.Name
	n.Region = p.Region
	n.players = p.Players
	n.pingMS = p.PingMS
	n.lastSeen = now
	n.mu.Unlock()
	return n
}

// Get returns the node with the given ID.
func (r *NodeRegistry) Get(id string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	return n, ok
}

// MarkDegraded records that the node mishandles the given fault class
// until the deadline passes.
func (r *NodeRegistry) MarkDegraded(id string, class Class, until time.Time) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.degraded[class] = until
	n.mu.Unlock()
}

// AdjustPlayers shifts the local player count, keeping selection fair
// between presence beats.
func (r *NodeRegistry) AdjustPlayers(id string, delta int) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.players += delta
	if n.players < 0 {
		n.players = 0
	}
	n.mu.Unlock()
}

// SelectReplacement returns the least-loaded live node, skipping the
// excluded node and nodes degraded for the given class. Ties break on
// latency.
func (r *NodeRegistry) SelectReplacement(exclude string, class Class, now time.Time) (*Node, bool) {
	r.mu.Lock()
	candidates := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		candidates = append(candidates, n)
	}
	r.mu.Unlock()

	live := candidates[:0]
	for _, n := range candidates {
		if n.ID == exclude {
			continue
		}
		n.mu.Lock()
		seen := n.lastSeen
		n.mu.Unlock()
		if r.stale > 0 && now.Sub(seen) > r.stale {
			continue
		}
		if class != ClassNone && n.Degraded(class, now) {
			continue
		}
		live = append(live, n)
	}
	if len(live) == 0 {
		return nil, false
	}
	sort.Slice(live, func(i, j int) bool {
		pi, pj := live[i].Players(), live[j].Players()
		if pi != pj {
			return pi < pj
		}
		return live[i].PingMS() < live[j].PingMS()
	})
	return live[0], true
}

// List returns all known nodes.
func (r *NodeRegistry) List() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
