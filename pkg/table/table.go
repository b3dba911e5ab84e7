package table

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/zhangyunhao116/skipmap"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
)

type rowSet = skipmap.FuncMap[[]byte, Row]

// Cursor is the row currently under evaluation.
type Cursor interface {
	Key() []byte
	Row() Row
}

// RowCursor is a reusable Cursor; a scan moves it from row to row.
type RowCursor struct {
	key []byte
	row Row
}

// NewRowCursor returns a cursor positioned on row.
func NewRowCursor(row Row) *RowCursor {
	return &RowCursor{row: row}
}

func (c *RowCursor) Key() []byte { return c.key }
func (c *RowCursor) Row() Row    { return c.row }

func (c *RowCursor) Set(key []byte, row Row) {
	c.key = key
	c.row = row
}

// Table binds a named table to the pod that owns its rows. One Table is
// shared by all queries on it; rows live in a lock-free ordered map.
type Table struct {
	name    string
	schema  Schema
	pod     *cluster.ShardMap
	hashGen *HashGenerator
	rows    *rowSet
}

func New(name string, schema Schema, pod *cluster.ShardMap) (*Table, error) {
	if name == "" || pod == nil {
		return nil, fmt.Errorf("table %q: %w", name, dberrors.ErrInvalidArgument)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	gen, err := newHashGenerator(schema)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	return &Table{
		name:    name,
		schema:  schema,
		pod:     pod,
		hashGen: gen,
		rows: skipmap.NewFunc[[]byte, Row](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}, nil
}

func (t *Table) Name() string                  { return t.name }
func (t *Table) Schema() Schema                { return t.schema }
func (t *Table) Pod() *cluster.ShardMap        { return t.pod }
func (t *Table) HashGenerator() *HashGenerator { return t.hashGen }

// PodHash is the partition hash of the row under cursor.
func (t *Table) PodHash(c Cursor) uint64 {
	return t.hashGen.Hash(c.Row())
}

// PodHashRow is PodHash for a row that is not behind a cursor (write path).
func (t *Table) PodHashRow(row Row) uint64 {
	return t.hashGen.Hash(row)
}

// Put inserts or replaces a row.
func (t *Table) Put(row Row) error {
	if err := t.schema.check(row); err != nil {
		return fmt.Errorf("table %s: %w", t.name, err)
	}
	key, err := encodeKey(t.schema, row)
	if err != nil {
		return fmt.Errorf("table %s: %w", t.name, err)
	}
	t.rows.Store(key, maps.Clone(row))
	return nil
}

// Get looks a row up by its key columns.
func (t *Table) Get(key Row) (Row, bool, error) {
	k, err := t.key(key)
	if err != nil {
		return nil, false, err
	}
	row, ok := t.rows.Load(k)
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(row), true, nil
}

func (t *Table) Delete(key Row) error {
	k, err := t.key(key)
	if err != nil {
		return err
	}
	t.rows.Delete(k)
	return nil
}

func (t *Table) key(key Row) ([]byte, error) {
	if err := t.schema.check(key); err != nil {
		return nil, fmt.Errorf("table %s: %w", t.name, err)
	}
	k, err := encodeKey(t.schema, key)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t.name, err)
	}
	return k, nil
}

// Scan calls fn for every row in encoded key order until fn returns false. The
// cursor is reused between calls and must not be retained.
func (t *Table) Scan(fn func(Cursor) bool) {
	var c RowCursor
	t.rows.Range(func(key []byte, row Row) bool {
		c.Set(key, row)
		return fn(&c)
	})
}

func (t *Table) Len() int {
	return t.rows.Len()
}
