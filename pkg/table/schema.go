package table

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"podtable/pkg/dberrors"
)

// HashColumn is the reserved key column that stores an explicit 16-bit pod
// hash. Tables keyed on it skip hashing and use the stored value.
const HashColumn = ":hash"

type ColumnType uint8

const (
	TypeString ColumnType = iota + 1
	TypeInt64
	TypeBytes
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func ParseColumnType(s string) (ColumnType, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "int64", "int":
		return TypeInt64, nil
	case "bytes":
		return TypeBytes, nil
	default:
		return 0, fmt.Errorf("column type %q: %w", s, dberrors.ErrInvalidArgument)
	}
}

type Column struct {
	Name string
	Type ColumnType
}

// HashPart is one element of the partition key: a column value or a literal.
type HashPart struct {
	Column  string
	Literal string
}

// Schema describes the columns of a table, its primary key and the parts
// hashed to place a row in the pod. Hash defaults to the key columns.
type Schema struct {
	Columns []Column
	Key     []string
	Hash    []HashPart
}

// Row maps column names to values of type string, int64 or []byte.
type Row map[string]any

func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s Schema) keyColumns() ([]Column, error) {
	if len(s.Key) == 0 {
		return nil, fmt.Errorf("schema without key: %w", dberrors.ErrInvalidArgument)
	}
	cols := make([]Column, 0, len(s.Key))
	for _, name := range s.Key {
		c, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("key column %q: %w", name, dberrors.ErrUnknownColumn)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func (s Schema) explicitHash() bool {
	for _, k := range s.Key {
		if k == HashColumn {
			return true
		}
	}
	return false
}

// Validate checks column names and types, that key parts name existing
// columns and that hash parts name key columns.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column without name: %w", dberrors.ErrInvalidArgument)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q: %w", c.Name, dberrors.ErrInvalidArgument)
		}
		if c.Type < TypeString || c.Type > TypeBytes {
			return fmt.Errorf("column %q: %w", c.Name, dberrors.ErrInvalidArgument)
		}
		seen[c.Name] = struct{}{}
	}
	if c, ok := s.Column(HashColumn); ok && c.Type != TypeInt64 {
		return fmt.Errorf("column %s must be int64: %w", HashColumn, dberrors.ErrTypeMismatch)
	}
	if _, err := s.keyColumns(); err != nil {
		return err
	}
	for _, p := range s.Hash {
		if p.Column == "" {
			continue
		}
		if _, ok := s.Column(p.Column); !ok {
			return fmt.Errorf("hash column %q: %w", p.Column, dberrors.ErrUnknownColumn)
		}
		// чтение и удаление хэшируют только ключ
		if !slices.Contains(s.Key, p.Column) {
			return fmt.Errorf("hash column %q is not a key column: %w", p.Column, dberrors.ErrInvalidArgument)
		}
	}
	return nil
}

// check verifies that every value in row belongs to a known column and has
// the column's type.
func (s Schema) check(row Row) error {
	for name, v := range row {
		c, ok := s.Column(name)
		if !ok {
			return fmt.Errorf("column %q: %w", name, dberrors.ErrUnknownColumn)
		}
		if !typeMatches(c.Type, v) {
			return fmt.Errorf("column %q expects %s, got %T: %w", name, c.Type, v, dberrors.ErrTypeMismatch)
		}
	}
	return nil
}

func typeMatches(t ColumnType, v any) bool {
	switch v.(type) {
	case string:
		return t == TypeString
	case int64:
		return t == TypeInt64
	case []byte:
		return t == TypeBytes
	default:
		return false
	}
}

// Coerce converts decoded JSON values (strings, float64 or json.Number
// numbers, base64 strings for bytes) into a typed row.
func (s Schema) Coerce(values map[string]any) (Row, error) {
	row := make(Row, len(values))
	for name, v := range values {
		c, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q: %w", name, dberrors.ErrUnknownColumn)
		}
		cv, err := coerceValue(c, v)
		if err != nil {
			return nil, err
		}
		row[name] = cv
	}
	return row, nil
}

func coerceValue(c Column, v any) (any, error) {
	switch c.Type {
	case TypeString:
		if sv, ok := v.(string); ok {
			return sv, nil
		}
	case TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		case string:
			return parseValue(c, n)
		}
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return parseValue(c, b)
		}
	}
	return nil, fmt.Errorf("column %q expects %s, got %T: %w", c.Name, c.Type, v, dberrors.ErrTypeMismatch)
}

// ParseKey reads the key columns from textual parameters (query strings).
func (s Schema) ParseKey(get func(name string) string) (Row, error) {
	cols, err := s.keyColumns()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(cols))
	for _, c := range cols {
		raw := get(c.Name)
		if raw == "" {
			return nil, fmt.Errorf("missing key column %q: %w", c.Name, dberrors.ErrInvalidArgument)
		}
		v, err := parseValue(c, raw)
		if err != nil {
			return nil, err
		}
		row[c.Name] = v
	}
	return row, nil
}

func parseValue(c Column, raw string) (any, error) {
	switch c.Type {
	case TypeString:
		return raw, nil
	case TypeInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: %v: %w", c.Name, err, dberrors.ErrTypeMismatch)
		}
		return n, nil
	case TypeBytes:
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %v: %w", c.Name, err, dberrors.ErrTypeMismatch)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("column %q: %w", c.Name, dberrors.ErrInvalidArgument)
	}
}
