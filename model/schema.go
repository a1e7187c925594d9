package model

import "fmt"

// ColumnType is the semantic type of a table column. Local stores use it
// to persist heterogeneous JSON shapes without runtime reflection.
type ColumnType int

const (
	ColumnString ColumnType = iota
	ColumnNumber
	ColumnBool
	ColumnDateTime
	ColumnBytes
	ColumnObject
	ColumnArray
)

// String returns the column type name.
func (c ColumnType) String() string {
	switch c {
	case ColumnString:
		return "string"
	case ColumnNumber:
		return "number"
	case ColumnBool:
		return "bool"
	case ColumnDateTime:
		return "datetime"
	case ColumnBytes:
		return "bytes"
	case ColumnObject:
		return "object"
	case ColumnArray:
		return "array"
	default:
		return fmt.Sprintf("columntype(%d)", int(c))
	}
}

// ParseColumnType parses a column type name as produced by String.
func ParseColumnType(s string) (ColumnType, error) {
	switch s {
	case "string":
		return ColumnString, nil
	case "number":
		return ColumnNumber, nil
	case "bool":
		return ColumnBool, nil
	case "datetime":
		return ColumnDateTime, nil
	case "bytes":
		return ColumnBytes, nil
	case "object":
		return ColumnObject, nil
	case "array":
		return ColumnArray, nil
	default:
		return ColumnString, fmt.Errorf("unknown column type %q", s)
	}
}

// Schema maps field names to semantic column types. A schema always
// contains the id column as a string.
type Schema map[string]ColumnType

// InferSchema derives a schema from a sample record. System fields get
// their well-known types regardless of the sample values.
func InferSchema(sample *Record) Schema {
	s := Schema{FieldID: ColumnString}
	if sample == nil {
		return s
	}
	sample.Range(func(name string, v Value) bool {
		switch name {
		case FieldID, FieldVersion:
			s[name] = ColumnString
		case FieldUpdatedAt:
			s[name] = ColumnDateTime
		case FieldDeleted:
			s[name] = ColumnBool
		default:
			s[name] = inferColumn(v)
		}
		return true
	})
	return s
}

func inferColumn(v Value) ColumnType {
	switch v.Kind() {
	case KindNumber:
		return ColumnNumber
	case KindBool:
		return ColumnBool
	case KindTime:
		return ColumnDateTime
	case KindBytes:
		return ColumnBytes
	case KindObject:
		return ColumnObject
	case KindArray:
		return ColumnArray
	default:
		return ColumnString
	}
}

// Merge returns a copy of s extended with columns from other that s does
// not already define. Existing columns keep their type; table shapes are
// additive only.
func (s Schema) Merge(other Schema) Schema {
	out := make(Schema, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
