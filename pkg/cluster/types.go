package cluster

import (
	"fmt"

	"podtable/pkg/dberrors"
	"podtable/pkg/types"
)

// Member describes one node of a pod. Servers[0] is the primary, the rest
// hold copies and take over ownership when the servers before them are down.
type Member struct {
	ID      types.NodeID `json:"id" yaml:"id"`
	Servers []string     `json:"servers" yaml:"servers"`
}

// Identity is the executing process's own placement in a pod: a member
// index, or unassigned for processes that are not pod members (clients).
// A query resolves it once and keeps it for every row it evaluates.
type Identity struct {
	index int
	ok    bool
}

func NewIdentity(index int) Identity {
	return Identity{index: index, ok: index >= 0}
}

// NoIdentity is the identity of a process outside of every pod.
func NoIdentity() Identity {
	return Identity{index: -1}
}

// Index returns the member index and whether the process is a pod member.
func (i Identity) Index() (int, bool) {
	return i.index, i.ok
}

func (i Identity) String() string {
	if !i.ok {
		return "unassigned"
	}
	return fmt.Sprintf("node-%d", i.index)
}

func validateMembers(members []Member) error {
	if len(members) == 0 {
		return dberrors.ErrEmptyPod
	}
	seen := make(map[types.NodeID]struct{}, len(members))
	servers := make(map[string]types.NodeID)
	for _, m := range members {
		if m.ID == "" {
			return fmt.Errorf("member without id: %w", dberrors.ErrInvalidArgument)
		}
		if len(m.Servers) == 0 {
			return fmt.Errorf("member %q has no servers: %w", m.ID, dberrors.ErrInvalidArgument)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("member %q: %w", m.ID, dberrors.ErrDuplicateMember)
		}
		seen[m.ID] = struct{}{}
		for _, srv := range m.Servers {
			if prev, ok := servers[srv]; ok {
				return fmt.Errorf("server %s listed by %q and %q: %w", srv, prev, m.ID, dberrors.ErrDuplicateMember)
			}
			servers[srv] = m.ID
		}
	}
	return nil
}

func cloneMembers(members []Member) []Member {
	res := make([]Member, len(members))
	for i, m := range members {
		res[i] = Member{ID: m.ID, Servers: append([]string(nil), m.Servers...)}
	}
	return res
}
