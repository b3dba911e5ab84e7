package query

import (
	"context"
	"time"

	"podtable/pkg/metrics"
	"podtable/pkg/table"
)

// checkEvery is how many rows a scan visits between context checks.
const checkEvery = 256

type Stats struct {
	Scanned int
	Matched int
}

// Selector runs filtered scans and reports them to a metrics collector.
type Selector struct {
	Metrics metrics.Collector
}

// Select scans t in stored key order and calls fn for every row where holds.
// A nil where matches everything. fn returning false stops the scan.
func Select(ctx context.Context, t *table.Table, where Expr, fn func(table.Row) bool) (Stats, error) {
	return Selector{}.Select(ctx, t, where, fn)
}

func (s Selector) Select(ctx context.Context, t *table.Table, where Expr, fn func(table.Row) bool) (Stats, error) {
	var (
		stats Stats
		err   error
		env   = NewEnv(t)
		start = time.Now()
	)

	t.Scan(func(c table.Cursor) bool {
		if stats.Scanned%checkEvery == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		stats.Scanned++
		if where != nil && !env.Test(where, c) {
			return true
		}
		stats.Matched++
		return fn(c.Row())
	})

	s.record(t.Name(), stats, time.Since(start))
	return stats, err
}

func (s Selector) record(name string, stats Stats, took time.Duration) {
	if s.Metrics == nil {
		return
	}
	labels := map[string]string{"table": name}
	s.Metrics.IncCounter(metrics.RowsScanned, labels, float64(stats.Scanned))
	s.Metrics.IncCounter(metrics.RowsMatched, labels, float64(stats.Matched))
	s.Metrics.ObserveHistogram(metrics.ScanDuration, labels, took.Seconds())
}
