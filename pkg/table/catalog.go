package table

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
)

// Catalog holds the open tables of the process.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

// Open creates the table and registers it under its name.
func (c *Catalog) Open(name string, schema Schema, pod *cluster.ShardMap) (*Table, error) {
	t, err := New(name, schema, pod)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; ok {
		return nil, fmt.Errorf("table %s: %w", name, dberrors.ErrTableExists)
	}
	c.tables[name] = t

	slog.Info("table opened", "table", name, "pod", pod.Pod(), "key", schema.Key)
	return t, nil
}

func (c *Catalog) Lookup(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, dberrors.ErrUnknownTable)
	}
	return t, nil
}

// Names возвращает отсортированный список таблиц.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]string, 0, len(c.tables))
	for name := range c.tables {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}
