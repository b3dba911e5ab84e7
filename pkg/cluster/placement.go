package cluster

// Placement maps a pod hash to the index of its owning member.
// Owner must be total over uint64 and return a value in [0, n).
type Placement interface {
	Owner(hash uint64) int
}

// Strategy builds a Placement for a fixed member list.
type Strategy interface {
	Name() string
	Place(members []Member) Placement
}

// VnodeStrategy spreads members round-robin over a fixed table of virtual
// nodes and picks the vnode by hash modulo the table size.
type VnodeStrategy struct {
	Vnodes int
}

func (s VnodeStrategy) Name() string { return "vnode" }

func (s VnodeStrategy) Place(members []Member) Placement {
	n := len(members)
	size := s.Vnodes
	if size < n {
		size = n
	}
	table := make([]int, size)
	for i := range table {
		table[i] = i % n
	}
	return vnodeTable(table)
}

type vnodeTable []int

func (t vnodeTable) Owner(hash uint64) int {
	return t[hash%uint64(len(t))]
}

// JumpStrategy uses jump consistent hashing: adding a member moves only
// about 1/n of the hashes.
type JumpStrategy struct{}

func (JumpStrategy) Name() string { return "jump" }

func (JumpStrategy) Place(members []Member) Placement {
	return jumpPlacement(len(members))
}

type jumpPlacement int

func (n jumpPlacement) Owner(hash uint64) int {
	return jumpHash(hash, int(n))
}

// integer-only variant so every architecture agrees on the result
func jumpHash(key uint64, n int) int {
	b, j := int64(-1), int64(0)
	for j < int64(n) {
		b = j
		key = key*2862933555777941757 + 1
		j = (b + 1) * (int64(1) << 31) / int64((key>>33)+1)
	}
	return int(b)
}

// StrategyByName returns the named strategy, or false for unknown names.
func StrategyByName(name string, vnodes, replicas int) (Strategy, bool) {
	switch name {
	case "vnode", "":
		return VnodeStrategy{Vnodes: vnodes}, true
	case "jump":
		return JumpStrategy{}, true
	case "ring":
		return RingStrategy{Replicas: replicas}, true
	default:
		return nil, false
	}
}
