package table

import (
	"context"
	"fmt"
	"log/slog"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
)

// Remote is a client of another pod node.
type Remote interface {
	Put(ctx context.Context, table string, row Row) error
	Get(ctx context.Context, table string, key Row) (Row, bool, error)
	Delete(ctx context.Context, table string, key Row) error
}

// фабрика удалённых клиентов
type ClientFactory func(target string) (Remote, error)

// Router sends row operations to the node owning the row: served from the
// local table when this process holds the node, forwarded otherwise.
type Router struct {
	Catalog   *Catalog
	NewClient ClientFactory
}

type route struct {
	table *Table
	node  cluster.NodeRef
	hash  uint64
}

func (r *Router) route(name string, row Row) (route, error) {
	t, err := r.Catalog.Lookup(name)
	if err != nil {
		return route{}, err
	}
	hash := t.PodHashRow(row)
	return route{table: t, node: t.Pod().NodeFor(hash), hash: hash}, nil
}

func (r *Router) remote(rt route) (Remote, error) {
	target := rt.node.Owner()
	if target == "" {
		return nil, fmt.Errorf("%s: %w", rt.node, dberrors.ErrNoOwner)
	}
	if r.NewClient == nil {
		return nil, fmt.Errorf("router: no client factory for %s", target)
	}
	cl, err := r.NewClient(target)
	if err != nil {
		return nil, fmt.Errorf("router: create client: %w", err)
	}
	return cl, nil
}

func (r *Router) log(method string, rt route, local bool) {
	where := "remote"
	if local {
		where = "local"
	}
	slog.Debug("route row", "op", method, "table", rt.table.Name(), "hash", rt.hash, "node", rt.node.String(), "where", where)
}

// Put writes on the current owner of the node.
func (r *Router) Put(ctx context.Context, name string, row Row) error {
	rt, err := r.route(name, row)
	if err != nil {
		return err
	}

	local := rt.node.IsSelfOwner()
	r.log("PUT", rt, local)
	if local {
		return rt.table.Put(row)
	}

	cl, err := r.remote(rt)
	if err != nil {
		return err
	}
	return cl.Put(ctx, name, row)
}

// Get reads from the current owner of the node, where Put wrote the row.
func (r *Router) Get(ctx context.Context, name string, key Row) (Row, bool, error) {
	rt, err := r.route(name, key)
	if err != nil {
		return nil, false, err
	}

	local := rt.node.IsSelfOwner()
	r.log("GET", rt, local)
	if local {
		return rt.table.Get(key)
	}

	cl, err := r.remote(rt)
	if err != nil {
		return nil, false, err
	}
	return cl.Get(ctx, name, key)
}

func (r *Router) Delete(ctx context.Context, name string, key Row) error {
	rt, err := r.route(name, key)
	if err != nil {
		return err
	}

	local := rt.node.IsSelfOwner()
	r.log("DELETE", rt, local)
	if local {
		return rt.table.Delete(key)
	}

	cl, err := r.remote(rt)
	if err != nil {
		return err
	}
	return cl.Delete(ctx, name, key)
}

// Local returns a Remote bound to the local tables only. Nodes use it to
// serve forwarded requests without routing them again.
func (r *Router) Local() Remote {
	return localRemote{catalog: r.Catalog}
}

type localRemote struct {
	catalog *Catalog
}

func (l localRemote) Put(_ context.Context, name string, row Row) error {
	t, err := l.catalog.Lookup(name)
	if err != nil {
		return err
	}
	return t.Put(row)
}

func (l localRemote) Get(_ context.Context, name string, key Row) (Row, bool, error) {
	t, err := l.catalog.Lookup(name)
	if err != nil {
		return nil, false, err
	}
	return t.Get(key)
}

func (l localRemote) Delete(_ context.Context, name string, key Row) error {
	t, err := l.catalog.Lookup(name)
	if err != nil {
		return err
	}
	return t.Delete(key)
}
