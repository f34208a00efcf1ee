package membership

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// UpsertResult tells what Upsert did with a descriptor.
type UpsertResult int

const (
	// Ignored: the descriptor was invalid or designates this node.
	Ignored UpsertResult = iota
	Added
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "ignored"
	}
}

type peerMap map[string]protocol.PeerDescriptor

// Table is the set of known remote peers.
//
// Readers load an immutable map without locking; writers serialize on mu,
// copy the map, apply their change and publish the copy. Every mutation is
// therefore one atomic read-modify-write.
type Table struct {
	selfHost string
	selfPort int
	clk      clock.Clock

	mu    sync.Mutex
	peers atomic.Pointer[peerMap]
}

// NewTable creates an empty table for the node listening on selfHost:selfPort.
func NewTable(selfHost string, selfPort int, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		selfHost: protocol.CanonicalHost(selfHost),
		selfPort: selfPort,
		clk:      clk,
	}
	empty := make(peerMap)
	t.peers.Store(&empty)
	return t
}

// IsSelf reports whether p designates this node: a loopback alias (or the
// node's own advertised host) with the node's own port. The name is ignored.
func (t *Table) IsSelf(p protocol.PeerDescriptor) bool {
	if p.Port != t.selfPort {
		return false
	}
	host := protocol.CanonicalHost(p.Address)
	return protocol.IsLoopback(host) || host == t.selfHost
}

// Upsert adds p or merges it into the known entry with the same identity.
// Merging refreshes the timestamp and, only when p carries one, the name.
func (t *Table) Upsert(p protocol.PeerDescriptor) UpsertResult {
	p.Address = protocol.CanonicalHost(p.Address)
	if p.Validate() != nil || t.IsSelf(p) {
		return Ignored
	}
	now := t.clk.Now()
	seen := p.LastSeen
	if seen.IsZero() || seen.After(now) {
		seen = now
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.peers.Load()
	next := make(peerMap, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	key := p.Key()
	existing, ok := next[key]
	if !ok {
		p.LastSeen = seen
		next[key] = p
		t.peers.Store(&next)
		return Added
	}

	if seen.After(existing.LastSeen) {
		existing.LastSeen = seen
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	next[key] = existing
	t.peers.Store(&next)
	return Updated
}

// Touch records a successful interaction with the peer identified by key.
func (t *Table) Touch(key string) bool {
	return t.mutate(key, func(p *protocol.PeerDescriptor) {
		p.LastSeen = t.clk.Now()
	})
}

// Rename sets the display name of a known peer; an empty name is ignored.
func (t *Table) Rename(key, name string) bool {
	if name == "" {
		return false
	}
	return t.mutate(key, func(p *protocol.PeerDescriptor) {
		p.Name = name
	})
}

func (t *Table) mutate(key string, fn func(*protocol.PeerDescriptor)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.peers.Load()
	p, ok := current[key]
	if !ok {
		return false
	}
	next := make(peerMap, len(current))
	for k, v := range current {
		next[k] = v
	}
	fn(&p)
	next[key] = p
	t.peers.Store(&next)
	return true
}

// Remove deletes the peer with the same identity as p.
func (t *Table) Remove(p protocol.PeerDescriptor) bool {
	return t.RemoveKey(protocol.PeerKey(p.Address, p.Port))
}

func (t *Table) RemoveKey(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.peers.Load()
	if _, ok := current[key]; !ok {
		return false
	}
	next := make(peerMap, len(current))
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	t.peers.Store(&next)
	return true
}

func (t *Table) Get(key string) (protocol.PeerDescriptor, bool) {
	p, ok := (*t.peers.Load())[key]
	return p, ok
}

func (t *Table) Len() int {
	return len(*t.peers.Load())
}

// Snapshot returns the known peers sorted by identity. It never blocks
// writers and is unaffected by later mutations.
func (t *Table) Snapshot() []protocol.PeerDescriptor {
	current := *t.peers.Load()
	out := make([]protocol.PeerDescriptor, 0, len(current))
	for _, p := range current {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// IsAlive reports whether the last contact with p is more recent than timeout.
// It is advisory: removal also requires a failed reachability probe.
func (t *Table) IsAlive(p protocol.PeerDescriptor, timeout time.Duration) bool {
	if p.LastSeen.IsZero() {
		return false
	}
	return t.clk.Now().Sub(p.LastSeen) < timeout
}

// Alive returns the snapshot entries that are alive under timeout.
func (t *Table) Alive(timeout time.Duration) []protocol.PeerDescriptor {
	all := t.Snapshot()
	out := all[:0]
	for _, p := range all {
		if t.IsAlive(p, timeout) {
			out = append(out, p)
		}
	}
	return out
}
