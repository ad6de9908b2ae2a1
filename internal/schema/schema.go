// Package schema defines the logical column types and derived schemas that
// flow through the graph. Schemas are computed by node validation, never
// user-authored.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	Int8     ColumnType = "int8"
	Int16    ColumnType = "int16"
	Int32    ColumnType = "int32"
	Int64    ColumnType = "int64"
	Float32  ColumnType = "float32"
	Float64  ColumnType = "float64"
	String   ColumnType = "string"
	Boolean  ColumnType = "boolean"
	Date     ColumnType = "date"
	Datetime ColumnType = "datetime"
	Decimal  ColumnType = "decimal"
	List     ColumnType = "list"
	Struct   ColumnType = "struct"
	Null     ColumnType = "null"
)

var allTypes = map[ColumnType]bool{
	Int8: true, Int16: true, Int32: true, Int64: true,
	Float32: true, Float64: true, String: true, Boolean: true,
	Date: true, Datetime: true, Decimal: true,
	List: true, Struct: true, Null: true,
}

func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToLower(strings.TrimSpace(s)))
	// Common aliases from flow documents.
	switch t {
	case "int", "integer":
		t = Int64
	case "float", "double", "number":
		t = Float64
	case "str", "utf8", "text":
		t = String
	case "bool":
		t = Boolean
	}
	if !allTypes[t] {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

// IsInteger reports whether t is one of the integer widths.
func (t ColumnType) IsInteger() bool {
	switch t {
	case Int8, Int16, Int32, Int64:
		return true
	}
	return false
}

// IsFloat reports whether t is one of the float widths.
func (t ColumnType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// IsNumeric reports whether t supports arithmetic aggregation.
func (t ColumnType) IsNumeric() bool {
	return t.IsInteger() || t.IsFloat() || t == Decimal
}

// IsTemporal reports whether t is date-like.
func (t ColumnType) IsTemporal() bool {
	return t == Date || t == Datetime
}

// Column is a named, typed column.
type Column struct {
	Name string     `json:"name" msgpack:"name"`
	Type ColumnType `json:"type" msgpack:"type"`
}

// Schema is an ordered list of columns.
type Schema []Column

func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Has(name string) bool { return s.Index(name) >= 0 }

// Field returns the column with the given name.
func (s Schema) Field(name string) (Column, bool) {
	i := s.Index(name)
	if i < 0 {
		return Column{}, false
	}
	return s[i], true
}

func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = fmt.Sprintf("%s:%s", c.Name, c.Type)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Supertype resolves the common type of two columns merged by a relaxed
// union. Integer widths widen, integers and floats resolve to the wider
// float, and anything else falls back to string.
func Supertype(a, b ColumnType) ColumnType {
	if a == b {
		return a
	}
	if a == Null {
		return b
	}
	if b == Null {
		return a
	}
	if a.IsInteger() && b.IsInteger() {
		return widerInt(a, b)
	}
	if a.IsNumeric() && b.IsNumeric() {
		if a == Decimal || b == Decimal {
			return Decimal
		}
		if a == Float64 || b == Float64 || a.IsInteger() || b.IsInteger() {
			return Float64
		}
		return Float32
	}
	if a.IsTemporal() && b.IsTemporal() {
		return Datetime
	}
	return String
}

func widerInt(a, b ColumnType) ColumnType {
	rank := map[ColumnType]int{Int8: 0, Int16: 1, Int32: 2, Int64: 3}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// UnionOf computes the diagonal union schema of multiple inputs: columns keep
// first-seen order, and types resolve through Supertype.
func UnionOf(inputs []Schema) Schema {
	var out Schema
	for _, in := range inputs {
		for _, c := range in {
			if i := out.Index(c.Name); i >= 0 {
				out[i].Type = Supertype(out[i].Type, c.Type)
			} else {
				out = append(out, c)
			}
		}
	}
	return out
}
