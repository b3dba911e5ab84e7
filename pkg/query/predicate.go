package query

import (
	"fmt"

	"podtable/pkg/cluster"
)

// Expr is a boolean expression evaluated once per row.
type Expr interface {
	EvalBool(env *Env) bool
	String() string
}

// ExprFunc adapts a function to Expr.
type ExprFunc func(env *Env) bool

func (f ExprFunc) EvalBool(env *Env) bool { return f(env) }
func (f ExprFunc) String() string         { return "func" }

// NonMemberPolicy decides how a process without a pod identity treats rows.
type NonMemberPolicy uint8

const (
	// NonMemberSelfOwner defers to the owning node's IsSelfOwner.
	NonMemberSelfOwner NonMemberPolicy = iota
	// NonMemberReject treats every partitioned row as remote.
	NonMemberReject
)

func (p NonMemberPolicy) String() string {
	switch p {
	case NonMemberSelfOwner:
		return "self_owner"
	case NonMemberReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParseNonMemberPolicy(s string) (NonMemberPolicy, error) {
	switch s {
	case "self_owner", "":
		return NonMemberSelfOwner, nil
	case "reject":
		return NonMemberReject, nil
	default:
		return 0, fmt.Errorf("unknown non-member policy %q", s)
	}
}

type Option func(*IsShardLocal)

func WithNonMemberPolicy(p NonMemberPolicy) Option {
	return func(e *IsShardLocal) { e.policy = p }
}

// IsShardLocal is true for rows whose partition is owned by the executing
// node. Build it once per query compilation: the node identity is captured
// here and never re-resolved, since it does not change for the lifetime of
// the process.
type IsShardLocal struct {
	self   cluster.Identity
	policy NonMemberPolicy
}

func NewIsShardLocal(self cluster.Identity, opts ...Option) *IsShardLocal {
	e := &IsShardLocal{self: self}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvalBool never fails. Scans without a table (or before the first row)
// keep the row: missing partitioning metadata must not drop data.
// Membership is read live, so a reshard during a long scan can move rows
// in or out of the result.
func (e *IsShardLocal) EvalBool(env *Env) bool {
	t, ok := env.Table()
	if !ok {
		return true
	}
	c := env.Cursor()
	if c == nil {
		return true
	}

	node := t.Pod().NodeFor(t.PodHash(c))

	if idx, ok := e.self.Index(); ok {
		return node.Index() == idx
	}
	if e.policy == NonMemberReject {
		return false
	}
	return node.IsSelfOwner()
}

func (e *IsShardLocal) String() string {
	return fmt.Sprintf("is_shard_local(%s)", e.self)
}
