package cluster

import "podtable/pkg/types"

// ResolveIdentity finds the member the executing process currently owns, by
// its server address. Copy servers behind a live primary and processes that
// are not listed in the pod get NoIdentity.
func ResolveIdentity(m *ShardMap) Identity {
	idx, ok := m.Snapshot().OwnedBy(m.Self())
	if !ok {
		return NoIdentity()
	}
	return NewIdentity(idx)
}

// ResolveIdentityByID is ResolveIdentity for callers that know their node id.
func ResolveIdentityByID(m *ShardMap, id types.NodeID) Identity {
	for i, mem := range m.Snapshot().members {
		if mem.ID == id {
			return NewIdentity(i)
		}
	}
	return NoIdentity()
}
