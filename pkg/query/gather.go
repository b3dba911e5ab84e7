package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
	"podtable/pkg/table"
)

// RemoteScanner runs the node-local part of a scan on another process.
type RemoteScanner interface {
	ScanLocal(ctx context.Context, table string) ([]table.Row, error)
}

// Gatherer runs a scan on every node of a table's pod and merges the
// node-local results. Each node keeps only the rows it owns, so the union
// holds every row once as long as membership does not change mid-scan.
type Gatherer struct {
	Dial     func(target string) (RemoteScanner, error)
	Selector Selector
	// Parallel caps concurrent remote scans; zero means one per node.
	Parallel int
}

// Gather scans t as the pod member self; the part of self is scanned
// in-process.
func (g Gatherer) Gather(ctx context.Context, t *table.Table, self cluster.Identity) ([]table.Row, error) {
	snap := t.Pod().Snapshot()
	selfIdx, member := self.Index()

	targets := make([]string, snap.Len())
	for i := range targets {
		if member && i == selfIdx {
			continue
		}
		node := snap.Node(i)
		if targets[i] = node.Owner(); targets[i] == "" {
			return nil, fmt.Errorf("gather %s: %s: %w", t.Name(), node, dberrors.ErrNoOwner)
		}
	}

	var (
		mu  sync.Mutex
		out []table.Row
	)
	collect := func(rows []table.Row) {
		mu.Lock()
		out = append(out, rows...)
		mu.Unlock()
	}

	eg, ctx := errgroup.WithContext(ctx)
	if g.Parallel > 0 {
		eg.SetLimit(g.Parallel)
	}

	for i, target := range targets {
		if member && i == selfIdx {
			eg.Go(func() error {
				var rows []table.Row
				_, err := g.Selector.Select(ctx, t, NewIsShardLocal(self), func(r table.Row) bool {
					rows = append(rows, r)
					return true
				})
				collect(rows)
				return err
			})
			continue
		}

		eg.Go(func() error {
			sc, err := g.Dial(target)
			if err != nil {
				return fmt.Errorf("gather %s: dial %s: %w", t.Name(), target, err)
			}
			rows, err := sc.ScanLocal(ctx, t.Name())
			if err != nil {
				return fmt.Errorf("gather %s from %s: %w", t.Name(), target, err)
			}
			collect(rows)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	slog.Debug("gather done", "table", t.Name(), "nodes", snap.Len(), "generation", snap.Generation(), "rows", len(out))
	return out, nil
}
