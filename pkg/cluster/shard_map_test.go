package cluster

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"podtable/pkg/dberrors"
)

func strategies() []Strategy {
	return []Strategy{
		VnodeStrategy{Vnodes: 64},
		JumpStrategy{},
		RingStrategy{Replicas: 64},
	}
}

func newTestMap(t *testing.T, self string, strategy Strategy, n int) *ShardMap {
	t.Helper()
	m, err := NewShardMap("users", self, strategy, makeMembers(n))
	if err != nil {
		t.Fatalf("NewShardMap: %v", err)
	}
	return m
}

func TestShardMap_Deterministic(t *testing.T) {
	for _, s := range strategies() {
		m := newTestMap(t, "", s, 4)
		for i := 0; i < 10_000; i++ {
			h := keyHash(fmt.Sprintf("row-%d", i))
			a, b := m.NodeFor(h), m.NodeFor(h)
			if a.Index() != b.Index() {
				t.Fatalf("%s: hash %d resolved to %d and %d", s.Name(), h, a.Index(), b.Index())
			}
		}
	}
}

func TestShardMap_Totality(t *testing.T) {
	edges := []uint64{0, 1, math.MaxUint32, math.MaxUint64 - 1, math.MaxUint64}
	for _, s := range strategies() {
		for n := 1; n <= 7; n++ {
			m := newTestMap(t, "", s, n)
			for _, h := range edges {
				idx := m.NodeFor(h).Index()
				if idx < 0 || idx >= n {
					t.Fatalf("%s/%d nodes: hash %d -> index %d out of range", s.Name(), n, h, idx)
				}
			}
		}
	}
}

func TestShardMap_SingleNodeOwnsEverything(t *testing.T) {
	for _, s := range strategies() {
		m := newTestMap(t, "node1:8080", s, 1)
		for i := 0; i < 1000; i++ {
			node := m.NodeFor(keyHash(fmt.Sprintf("k-%d", i)))
			if node.Index() != 0 || !node.IsSelfOwner() {
				t.Fatalf("%s: single node pod resolved to %v (self owner=%v)", s.Name(), node, node.IsSelfOwner())
			}
		}
	}
}

func TestShardMap_EmptyPodIsConfigError(t *testing.T) {
	_, err := NewShardMap("users", "", JumpStrategy{}, nil)
	if !errors.Is(err, dberrors.ErrEmptyPod) {
		t.Fatalf("expected ErrEmptyPod, got %v", err)
	}

	m := newTestMap(t, "", JumpStrategy{}, 1)
	if err := m.Publish(nil); !errors.Is(err, dberrors.ErrEmptyPod) {
		t.Fatalf("expected ErrEmptyPod on publish, got %v", err)
	}
	if err := m.Leave("node1:8080"); !errors.Is(err, dberrors.ErrEmptyPod) {
		t.Fatalf("expected ErrEmptyPod on last leave, got %v", err)
	}
	if m.Snapshot().Len() != 1 {
		t.Fatalf("refused change must keep membership")
	}
}

func TestShardMap_InvalidMembers(t *testing.T) {
	dup := []Member{
		{ID: "a", Servers: []string{"a:1"}},
		{ID: "a", Servers: []string{"a:2"}},
	}
	if _, err := NewShardMap("p", "", nil, dup); !errors.Is(err, dberrors.ErrDuplicateMember) {
		t.Fatalf("expected ErrDuplicateMember, got %v", err)
	}
	sharedServer := []Member{
		{ID: "a", Servers: []string{"a:1", "x:1"}},
		{ID: "b", Servers: []string{"b:1", "x:1"}},
	}
	if _, err := NewShardMap("p", "", nil, sharedServer); !errors.Is(err, dberrors.ErrDuplicateMember) {
		t.Fatalf("server listed by two members: expected ErrDuplicateMember, got %v", err)
	}
	m := newTestMap(t, "", JumpStrategy{}, 2)
	if err := m.Join(Member{ID: "late", Servers: []string{"node1:8080"}}); !errors.Is(err, dberrors.ErrDuplicateMember) {
		t.Fatalf("join with a taken server: expected ErrDuplicateMember, got %v", err)
	}
	noServers := []Member{{ID: "a"}}
	if _, err := NewShardMap("p", "", nil, noServers); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

// при смене состава владелец хэша может поменяться; требуем только корректность
func TestShardMap_MembershipChangeMayMoveOwnership(t *testing.T) {
	m := newTestMap(t, "node1:8080", VnodeStrategy{Vnodes: 64}, 2)
	gen := m.Generation()

	var localHashes []uint64
	for i := 0; len(localHashes) < 200; i++ {
		h := keyHash(fmt.Sprintf("k-%d", i))
		if m.NodeFor(h).IsSelfOwner() {
			localHashes = append(localHashes, h)
		}
	}

	if err := m.Join(Member{ID: "node3:8080", Servers: []string{"node3:8080"}}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.Generation() != gen+1 {
		t.Fatalf("generation not bumped: %d -> %d", gen, m.Generation())
	}

	moved := 0
	for _, h := range localHashes {
		node := m.NodeFor(h)
		if node.Index() < 0 || node.Index() >= 3 {
			t.Fatalf("index %d out of range after join", node.Index())
		}
		if !node.IsSelfOwner() {
			moved++
		}
	}
	t.Logf("%d of %d previously local hashes moved after join", moved, len(localHashes))
}

func TestShardMap_LeaveUnknown(t *testing.T) {
	m := newTestMap(t, "", JumpStrategy{}, 2)
	if err := m.Leave("nope"); !errors.Is(err, dberrors.ErrUnknownMember) {
		t.Fatalf("expected ErrUnknownMember, got %v", err)
	}
}

func TestShardMap_OwnerFailover(t *testing.T) {
	members := []Member{
		{ID: "n0", Servers: []string{"a:1", "b:1"}},
		{ID: "n1", Servers: []string{"c:1"}},
	}
	m, err := NewShardMap("p", "b:1", JumpStrategy{}, members)
	if err != nil {
		t.Fatal(err)
	}

	n0 := m.Snapshot().Node(0)
	if n0.Owner() != "a:1" || n0.IsSelfOwner() || !n0.IsSelfCopy() {
		t.Fatalf("unexpected n0 state: owner=%s selfOwner=%v selfCopy=%v", n0.Owner(), n0.IsSelfOwner(), n0.IsSelfCopy())
	}

	m.SetServerDown("a:1", true)
	n0 = m.Snapshot().Node(0)
	if n0.Owner() != "b:1" || !n0.IsSelfOwner() {
		t.Fatalf("secondary must own n0 while primary is down, owner=%s", n0.Owner())
	}

	// down-маркер переживает публикацию того же состава
	if err := m.Publish(members); err != nil {
		t.Fatal(err)
	}
	if !m.Snapshot().IsDown("a:1") {
		t.Fatalf("down marker lost on publish")
	}

	m.SetServerDown("a:1", false)
	if owner := m.Snapshot().Node(0).Owner(); owner != "a:1" {
		t.Fatalf("primary must own n0 again, got %s", owner)
	}
}

func TestShardMap_NonMemberNeverSelf(t *testing.T) {
	m := newTestMap(t, "client:9999", JumpStrategy{}, 3)
	for i := 0; i < 1000; i++ {
		n := m.NodeFor(uint64(i))
		if n.IsSelfOwner() || n.IsSelfCopy() {
			t.Fatalf("client process reported as owner of %v", n)
		}
	}
}

func TestResolveIdentity(t *testing.T) {
	m := newTestMap(t, "node3:8080", JumpStrategy{}, 4)
	idx, ok := ResolveIdentity(m).Index()
	if !ok || idx != 2 {
		t.Fatalf("expected index 2, got %d ok=%v", idx, ok)
	}

	client := newTestMap(t, "", JumpStrategy{}, 4)
	if _, ok := ResolveIdentity(client).Index(); ok {
		t.Fatalf("client must not resolve an identity")
	}

	if idx, ok := ResolveIdentityByID(m, "node2:8080").Index(); !ok || idx != 1 {
		t.Fatalf("expected index 1 by id, got %d ok=%v", idx, ok)
	}
	if _, ok := ResolveIdentityByID(m, "missing").Index(); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestResolveIdentity_CopyServer(t *testing.T) {
	members := []Member{
		{ID: "n0", Servers: []string{"a:1", "a:2"}},
		{ID: "n1", Servers: []string{"b:1"}},
	}
	m, err := NewShardMap("p", "a:2", JumpStrategy{}, members)
	if err != nil {
		t.Fatal(err)
	}

	// копия за живым primary ничем не владеет
	if id := ResolveIdentity(m); id != NoIdentity() {
		t.Fatalf("copy server resolved as %s while primary is live", id)
	}

	m.SetServerDown("a:1", true)
	if idx, ok := ResolveIdentity(m).Index(); !ok || idx != 0 {
		t.Fatalf("copy must take over n0 while primary is down, got %d ok=%v", idx, ok)
	}

	m.SetServerDown("a:1", false)
	if _, ok := ResolveIdentity(m).Index(); ok {
		t.Fatalf("identity must be released when primary is back")
	}
}

func TestShardMap_ConcurrentPublishAndRead(t *testing.T) {
	m := newTestMap(t, "node1:8080", RingStrategy{Replicas: 16}, 2)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(0); ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				snap := m.Snapshot()
				n := snap.NodeFor(i)
				if n.Index() >= snap.Len() {
					t.Errorf("index %d out of snapshot of %d", n.Index(), snap.Len())
					return
				}
				_ = m.NodeFor(i).Owner()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			_ = m.Publish(makeMembers(3))
		} else {
			_ = m.Publish(makeMembers(2))
		}
	}
	close(stop)
	wg.Wait()
}
