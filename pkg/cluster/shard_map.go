package cluster

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"podtable/pkg/dberrors"
	"podtable/pkg/types"
)

// PodSnapshot is one published membership generation of a pod.
// It is never modified after publication.
type PodSnapshot struct {
	pod        types.PodName
	self       string
	generation types.Generation
	members    []Member
	placement  Placement
	down       map[string]struct{}
}

func (s *PodSnapshot) Pod() types.PodName           { return s.pod }
func (s *PodSnapshot) Generation() types.Generation { return s.generation }
func (s *PodSnapshot) Len() int                     { return len(s.members) }

// Members returns a copy of the member list in index order.
func (s *PodSnapshot) Members() []Member {
	return cloneMembers(s.members)
}

// Node returns the reference for the member at index i.
func (s *PodSnapshot) Node(i int) NodeRef {
	return NodeRef{snap: s, index: i}
}

// NodeFor resolves the owning member of hash. The snapshot always has at
// least one member, so this never fails.
func (s *PodSnapshot) NodeFor(hash uint64) NodeRef {
	return NodeRef{snap: s, index: s.placement.Owner(hash)}
}

// OwnedBy returns the index of the member whose current owner is server.
// A server that only holds a copy of a node does not own it.
func (s *PodSnapshot) OwnedBy(server string) (int, bool) {
	if server == "" {
		return -1, false
	}
	for i := range s.members {
		if s.Node(i).Owner() == server {
			return i, true
		}
	}
	return -1, false
}

// IsDown reports whether server was marked down in this generation.
func (s *PodSnapshot) IsDown(server string) bool {
	_, ok := s.down[server]
	return ok
}

// NodeRef points to one member of a snapshot.
type NodeRef struct {
	snap  *PodSnapshot
	index int
}

// Index is the ordinal of the node within the pod.
func (n NodeRef) Index() int { return n.index }

func (n NodeRef) ID() types.NodeID { return n.snap.members[n.index].ID }

func (n NodeRef) Servers() []string {
	return append([]string(nil), n.snap.members[n.index].Servers...)
}

// Owner is the first live server of the node. It changes when the primary
// is marked down and back up, and is empty when all servers are down.
func (n NodeRef) Owner() string {
	for _, srv := range n.snap.members[n.index].Servers {
		if !n.snap.IsDown(srv) {
			return srv
		}
	}
	return ""
}

// IsSelfOwner reports whether the executing process currently owns the node.
func (n NodeRef) IsSelfOwner() bool {
	self := n.snap.self
	return self != "" && n.Owner() == self
}

// IsSelfCopy reports whether the executing process holds a copy of the node data.
func (n NodeRef) IsSelfCopy() bool {
	self := n.snap.self
	if self == "" {
		return false
	}
	for _, srv := range n.snap.members[n.index].Servers {
		if srv == self {
			return true
		}
	}
	return false
}

func (n NodeRef) String() string {
	return fmt.Sprintf("%s[%d:%s]", n.snap.pod, n.index, n.ID())
}

// ShardMap is the live hash-to-owner resolution of one pod. Readers load the
// current snapshot without locking; membership changes build a new snapshot
// and swap it in.
type ShardMap struct {
	pod      types.PodName
	self     string
	strategy Strategy

	current atomic.Pointer[PodSnapshot]
	mu      sync.Mutex // serializes writers
}

// NewShardMap forms a pod. self is the server address of the executing
// process, empty for a pure client.
func NewShardMap(pod types.PodName, self string, strategy Strategy, members []Member) (*ShardMap, error) {
	if strategy == nil {
		strategy = VnodeStrategy{Vnodes: 64}
	}
	m := &ShardMap{pod: pod, self: self, strategy: strategy}
	if err := m.Publish(members); err != nil {
		return nil, fmt.Errorf("form pod %s: %w", pod, err)
	}
	return m, nil
}

func (m *ShardMap) Pod() types.PodName { return m.pod }
func (m *ShardMap) Self() string       { return m.self }
func (m *ShardMap) Strategy() Strategy { return m.strategy }

// Snapshot returns the current generation.
func (m *ShardMap) Snapshot() *PodSnapshot {
	return m.current.Load()
}

func (m *ShardMap) Generation() types.Generation {
	return m.current.Load().generation
}

// NodeFor resolves hash against the current membership. Consecutive calls
// may see different generations if membership changes in between.
func (m *ShardMap) NodeFor(hash uint64) NodeRef {
	s := m.current.Load()
	if s == nil || len(s.members) == 0 {
		panic(fmt.Sprintf("cluster: pod %s has no members", m.pod))
	}
	return s.NodeFor(hash)
}

// Publish replaces the membership. Down markers of servers that are still
// present are carried over.
func (m *ShardMap) Publish(members []Member) error {
	if err := validateMembers(members); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishLocked(cloneMembers(members), m.carryDown(members))
	return nil
}

// Join adds a member at the end of the member list.
func (m *ShardMap) Join(member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	members := append(prev.Members(), member)
	if err := validateMembers(members); err != nil {
		return err
	}
	m.publishLocked(members, m.carryDown(members))
	return nil
}

// Leave removes a member. Removing the last member is refused.
func (m *ShardMap) Leave(id types.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	members := make([]Member, 0, len(prev.members))
	found := false
	for _, mem := range prev.Members() {
		if mem.ID == id {
			found = true
			continue
		}
		members = append(members, mem)
	}
	if !found {
		return fmt.Errorf("leave %q: %w", id, dberrors.ErrUnknownMember)
	}
	if len(members) == 0 {
		return fmt.Errorf("leave %q: %w", id, dberrors.ErrEmptyPod)
	}
	m.publishLocked(members, m.carryDown(members))
	return nil
}

// SetServerDown marks a server unavailable (or available again), moving
// ownership of its nodes to the next server in their lists.
func (m *ShardMap) SetServerDown(server string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	if prev.IsDown(server) == down {
		return
	}
	next := make(map[string]struct{}, len(prev.down)+1)
	for s := range prev.down {
		next[s] = struct{}{}
	}
	if down {
		next[server] = struct{}{}
	} else {
		delete(next, server)
	}
	m.publishLocked(prev.members, next)
}

func (m *ShardMap) carryDown(members []Member) map[string]struct{} {
	prev := m.current.Load()
	down := make(map[string]struct{})
	if prev == nil {
		return down
	}
	for _, mem := range members {
		for _, srv := range mem.Servers {
			if prev.IsDown(srv) {
				down[srv] = struct{}{}
			}
		}
	}
	return down
}

func (m *ShardMap) publishLocked(members []Member, down map[string]struct{}) {
	var gen types.Generation
	if prev := m.current.Load(); prev != nil {
		gen = prev.generation + 1
	}
	m.current.Store(&PodSnapshot{
		pod:        m.pod,
		self:       m.self,
		generation: gen,
		members:    members,
		placement:  m.strategy.Place(members),
		down:       down,
	})

	slog.Info(
		"pod membership published",
		"pod", m.pod,
		"generation", gen,
		"members", len(members),
		"down", len(down),
	)
}
