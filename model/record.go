// Package model defines the dynamic record type shared by the local store,
// the operation queue and the sync engine. Records are JSON-shaped objects
// with a mandatory string id and optional version/updatedAt/deleted system
// fields; field order is preserved across a JSON round trip so that records
// written back to a store or a server compare stable.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reserved field names carried by every synchronized record.
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldUpdatedAt = "updatedAt"
	FieldDeleted   = "deleted"
)

type field struct {
	name  string
	value Value
}

// Record is an order-preserving mapping from field name to Value.
// The zero value is not usable; call NewRecord.
type Record struct {
	fields []field
	index  map[string]int
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// Set stores a field value, appending the field if it is new and keeping
// its position if it already exists.
func (r *Record) Set(name string, v Value) *Record {
	if i, ok := r.index[name]; ok {
		r.fields[i].value = v
		return r
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, field{name: name, value: v})
	return r
}

// Get returns the value of the named field.
func (r *Record) Get(name string) (Value, bool) {
	if i, ok := r.index[name]; ok {
		return r.fields[i].value, true
	}
	return Value{}, false
}

// Remove deletes the named field, preserving the order of the rest.
func (r *Record) Remove(name string) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	r.fields = append(r.fields[:i], r.fields[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.fields); j++ {
		r.index[r.fields[j].name] = j
	}
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.fields) }

// FieldNames returns the field names in insertion order.
func (r *Record) FieldNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.name
	}
	return names
}

// Range calls fn for every field in order until fn returns false.
func (r *Record) Range(fn func(name string, v Value) bool) {
	for _, f := range r.fields {
		if !fn(f.name, f.value) {
			return
		}
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := NewRecord()
	for _, f := range r.fields {
		v := f.value
		switch v.kind {
		case KindObject:
			v.obj = v.obj.Clone()
		case KindArray:
			arr := make([]Value, len(v.arr))
			copy(arr, v.arr)
			v.arr = arr
		case KindBytes:
			b := make([]byte, len(v.bytes))
			copy(b, v.bytes)
			v.bytes = b
		}
		out.Set(f.name, v)
	}
	return out
}

// Equal reports whether two records have the same fields in the same order.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if len(r.fields) != len(other.fields) {
		return false
	}
	for i, f := range r.fields {
		o := other.fields[i]
		if f.name != o.name || !f.value.Equal(o.value) {
			return false
		}
	}
	return true
}

// ID returns the value of the id field, or "" when absent or not a string.
func (r *Record) ID() string {
	if v, ok := r.Get(FieldID); ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return ""
}

// SetID sets the id field.
func (r *Record) SetID(id string) { r.Set(FieldID, String(id)) }

// Version returns the opaque concurrency token, or "" when absent.
func (r *Record) Version() string {
	if v, ok := r.Get(FieldVersion); ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return ""
}

// UpdatedAt returns the record's server timestamp.
func (r *Record) UpdatedAt() (time.Time, bool) {
	if v, ok := r.Get(FieldUpdatedAt); ok {
		return v.AsTime()
	}
	return time.Time{}, false
}

// IsDeleted reports whether the record carries the soft-delete marker.
func (r *Record) IsDeleted() bool {
	if v, ok := r.Get(FieldDeleted); ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return false
}

// String implements fmt.Stringer using the JSON encoding.
func (r *Record) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("record(error: %v)", err)
	}
	return string(data)
}

// MarshalJSON encodes the record preserving field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeRecord(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeRecord(buf *bytes.Buffer, r *Record) error {
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := encodeValue(buf, f.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		data, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindNumber:
		data, err := json.Marshal(v.num)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindTime:
		data, err := json.Marshal(v.t.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindBytes:
		data, err := json.Marshal(v.bytes) // encodes as base64
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindObject:
		if v.obj == nil {
			buf.WriteString("null")
			return nil
		}
		return encodeRecord(buf, v.obj)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	return nil
}

func marshalArray(vs []Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, Array(vs)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the record, preserving the
// field order of the input.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record must be a JSON object, got %v", tok)
	}
	rec, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}

// ParseRecord decodes a JSON object into a new record.
func ParseRecord(data []byte) (*Record, error) {
	r := NewRecord()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

// decodeObject consumes tokens after an opening '{' up to and including the
// matching '}'.
func decodeObject(dec *json.Decoder) (*Record, error) {
	rec := NewRecord()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("invalid object key %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		rec.Set(key, val)
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return rec, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Object(obj), nil
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return Value{}, err
			}
			return Array(items), nil
		}
		return Value{}, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

// IsValidID reports whether id is acceptable as a record identifier:
// non-empty, at most 255 characters, and free of control characters and
// the characters reserved by the wire protocol.
func IsValidID(id string) bool {
	if id == "" || len(id) > 255 {
		return false
	}
	if strings.ContainsAny(id, `+"/?`+"`") {
		return false
	}
	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return id != "." && id != ".."
}
