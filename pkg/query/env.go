package query

import "podtable/pkg/table"

// AttrTable is the well-known attribute that carries the table being scanned.
const AttrTable = "table"

// Env is the mutable context of one query execution: the table under scan,
// the current row and free-form attributes set by the planner. Every
// execution owns its Env; it is not safe for concurrent use.
type Env struct {
	table  *table.Table
	cursor table.Cursor
	attrs  map[string]any
}

// NewEnv returns an environment for a scan of t. t may be nil for
// relations without partitioning metadata.
func NewEnv(t *table.Table) *Env {
	return &Env{table: t}
}

// Table returns the table under scan, if any.
func (e *Env) Table() (*table.Table, bool) {
	return e.table, e.table != nil
}

func (e *Env) SetTable(t *table.Table) {
	e.table = t
}

// Attribute looks up a planner attribute. AttrTable resolves to the table.
func (e *Env) Attribute(key string) (any, bool) {
	if key == AttrTable {
		if e.table == nil {
			return nil, false
		}
		return e.table, true
	}
	v, ok := e.attrs[key]
	return v, ok
}

// SetAttribute stores a planner attribute. Setting AttrTable to anything
// other than a *table.Table clears the table.
func (e *Env) SetAttribute(key string, value any) {
	if key == AttrTable {
		t, _ := value.(*table.Table)
		e.table = t
		return
	}
	if e.attrs == nil {
		e.attrs = make(map[string]any)
	}
	e.attrs[key] = value
}

// Cursor is the row currently under evaluation.
func (e *Env) Cursor() table.Cursor {
	return e.cursor
}

func (e *Env) SetCursor(c table.Cursor) {
	e.cursor = c
}

// Test positions the environment on c and evaluates expr.
func (e *Env) Test(expr Expr, c table.Cursor) bool {
	e.cursor = c
	return expr.EvalBool(e)
}
