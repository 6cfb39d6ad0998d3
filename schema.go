// External schema model (spec.md §6).
//
// The schema text parser is out of scope; callers hand the engine an
// already-parsed Schema. Encode/Decode give the catalog a stable bytewise
// form to persist in a table descriptor and compare bit-exactly on
// reload, per spec.md §4.3/§8's "add_table(s); close; reopen" scenario.
package pmoltp

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ColumnType enumerates the column types the text schema format supports.
type ColumnType uint8

const (
	ColInt64 ColumnType = iota
	ColString
	ColDouble
)

func (t ColumnType) String() string {
	switch t {
	case ColInt64:
		return "int64_t"
	case ColString:
		return "string"
	case ColDouble:
		return "double"
	default:
		return "unknown"
	}
}

// sizeOf returns the fixed on-tuple byte width of the type. Strings are
// stored as a fixed-capacity byte region sized by Column.Len; callers
// that need variable-length text model it as ColString with Len set to
// the column's declared capacity.
func (t ColumnType) sizeOf(col Column) int {
	switch t {
	case ColInt64, ColDouble:
		return 8
	case ColString:
		return col.Len
	default:
		return 0
	}
}

// IndexKind requests a secondary index on a column, mirroring the text
// schema's INDEX / RINDEX lines.
type IndexKind uint8

const (
	IndexNone IndexKind = iota
	IndexUnordered
	IndexOrdered
)

// Column describes one tuple field.
type Column struct {
	Name  string
	Type  ColumnType
	Len   int // capacity in bytes for ColString; ignored otherwise
	Index IndexKind
}

// Schema is the parsed form of one `TABLE <name>` block.
type Schema struct {
	Columns    []Column
	PrimaryKey int // index into Columns
}

// Offset returns the byte offset of column i within a tuple's payload
// region, given fixed-width columns laid out in declaration order.
func (s Schema) Offset(i int) int {
	off := 0
	for j := 0; j < i; j++ {
		off += s.Columns[j].Type.sizeOf(s.Columns[j])
	}
	return off
}

// RowSize returns the total payload width of one tuple under this schema.
func (s Schema) RowSize() int {
	total := 0
	for _, c := range s.Columns {
		total += c.Type.sizeOf(c)
	}
	return total
}

// schemaDoc is Schema's on-disk shape: a plain struct with the same field
// order every time, so json.Marshal's output is byte-for-byte stable
// across runs (no maps, so no key-ordering nondeterminism).
type schemaDoc struct {
	Columns    []Column
	PrimaryKey int
}

// Encode produces a stable byte form for persisting inside a catalog
// descriptor, matching the teacher's header.go encode/pad pattern (a
// typed Go value marshaled to bytes and stored with its own length
// prefix) rather than a hand-rolled binary layout.
func (s Schema) Encode() []byte {
	b, err := json.Marshal(schemaDoc{Columns: s.Columns, PrimaryKey: s.PrimaryKey})
	if err != nil {
		// Schema and Column hold only plain fields; Marshal cannot fail.
		panic(fmt.Sprintf("pmoltp: schema marshal: %v", err))
	}
	return b
}

// DecodeSchema parses the form produced by Encode. Used by Catalog.Reload
// to rebuild Table objects from persisted descriptors.
func DecodeSchema(b []byte) (Schema, error) {
	var doc schemaDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return Schema{}, fmt.Errorf("%w: schema decode: %v", ErrTupleError, err)
	}
	return Schema{Columns: doc.Columns, PrimaryKey: doc.PrimaryKey}, nil
}
