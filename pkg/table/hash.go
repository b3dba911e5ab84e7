package table

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"podtable/pkg/dberrors"
)

const (
	tagMissing byte = iota
	tagString
	tagInt64
	tagBytes
	tagLiteral
)

type hashPart struct {
	column  string
	literal []byte
}

// HashGenerator computes the pod hash of a row. Write and read paths use the
// same generator, so a row is always placed where a scan looks for it.
type HashGenerator struct {
	parts    []hashPart
	explicit bool
}

func newHashGenerator(s Schema) (*HashGenerator, error) {
	if s.explicitHash() {
		return &HashGenerator{explicit: true}, nil
	}

	g := &HashGenerator{}
	if len(s.Hash) == 0 {
		for _, k := range s.Key {
			g.parts = append(g.parts, hashPart{column: k})
		}
		return g, nil
	}
	for _, p := range s.Hash {
		switch {
		case p.Column != "":
			if _, ok := s.Column(p.Column); !ok {
				return nil, fmt.Errorf("hash column %q: %w", p.Column, dberrors.ErrUnknownColumn)
			}
			g.parts = append(g.parts, hashPart{column: p.Column})
		default:
			g.parts = append(g.parts, hashPart{literal: []byte(p.Literal)})
		}
	}
	return g, nil
}

// Hash returns the pod hash of row. Missing columns hash as absent values
// rather than failing: this runs once per scanned row.
func (g *HashGenerator) Hash(row Row) uint64 {
	if g.explicit {
		v, _ := row[HashColumn].(int64)
		return uint64(v) & 0xffff
	}

	var scratch [128]byte
	buf := scratch[:0]
	for _, p := range g.parts {
		if p.column == "" {
			buf = append(buf, tagLiteral)
			buf = appendBytes(buf, p.literal)
			continue
		}
		buf = appendValue(buf, row[p.column])
	}
	return xxhash.Sum64(buf)
}

func appendValue(buf []byte, v any) []byte {
	switch x := v.(type) {
	case string:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...)
	case int64:
		buf = append(buf, tagInt64)
		// sign bit flipped keeps byte order equal to numeric order
		return binary.BigEndian.AppendUint64(buf, uint64(x)^(1<<63))
	case []byte:
		buf = append(buf, tagBytes)
		return appendBytes(buf, x)
	default:
		return append(buf, tagMissing)
	}
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// encodeKey builds the storage key of row from the key columns.
func encodeKey(s Schema, row Row) ([]byte, error) {
	buf := make([]byte, 0, 32)
	for _, name := range s.Key {
		v, ok := row[name]
		if !ok {
			return nil, fmt.Errorf("missing key column %q: %w", name, dberrors.ErrInvalidArgument)
		}
		buf = appendValue(buf, v)
	}
	return buf, nil
}
