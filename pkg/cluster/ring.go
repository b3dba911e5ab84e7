package cluster

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// RingStrategy реализует consistent hashing с виртуальными нодами.
type RingStrategy struct {
	Replicas int
}

func (s RingStrategy) Name() string { return "ring" }

func (s RingStrategy) Place(members []Member) Placement {
	replicas := s.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	r := &HashRing{
		points:  make([]uint32, 0, replicas*len(members)),
		pointTo: make(map[uint32]int, replicas*len(members)),
	}
	for idx, m := range members {
		r.add(string(m.ID), idx, replicas)
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	return r
}

// HashRing is immutable once built; a membership change builds a new one.
type HashRing struct {
	points  []uint32       // отсортированные хэши
	pointTo map[uint32]int // хэш -> индекс ноды
}

func (h *HashRing) add(node string, idx, replicas int) {
	for i := 0; i < replicas; i++ {
		p := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node, i)))
		if _, taken := h.pointTo[p]; taken {
			continue
		}
		h.points = append(h.points, p)
		h.pointTo[p] = idx
	}
}

// Owner mixes hash before the lookup: small hashes (explicit 16-bit pod
// hashes) would otherwise all land before the first ring point.
func (h *HashRing) Owner(hash uint64) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], hash)
	mixed := xxhash.Sum64(buf[:])
	p := uint32(mixed>>32) ^ uint32(mixed)
	idx := sort.Search(len(h.points), func(i int) bool { return h.points[i] >= p })
	if idx == len(h.points) {
		idx = 0
	}
	return h.pointTo[h.points[idx]]
}
