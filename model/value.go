package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindBytes
	KindObject
	KindArray
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a single field value in a Record. It is a closed sum over the
// JSON-compatible variants a synchronized table can hold. The zero value
// is null.
type Value struct {
	kind  Kind
	str   string
	num   float64
	b     bool
	t     time.Time
	bytes []byte
	obj   *Record
	arr   []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time returns a timestamp value. Timestamps are always normalized to UTC.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Bytes returns a binary value.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// Object returns a nested-record value.
func Object(r *Record) Value { return Value{kind: KindObject, obj: r} }

// Array returns an array value.
func Array(vs []Value) Value { return Value{kind: KindArray, arr: vs} }

// Kind reports which variant the value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string variant. ok is false for other kinds.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the numeric variant. ok is false for other kinds.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean variant. ok is false for other kinds.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsTime returns the timestamp variant. A string value that parses as
// RFC 3339 is also accepted, because timestamps arrive from the wire as
// JSON strings.
func (v Value) AsTime() (time.Time, bool) {
	switch v.kind {
	case KindTime:
		return v.t, true
	case KindString:
		if t, err := time.Parse(time.RFC3339Nano, v.str); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// AsBytes returns the binary variant. A string value that decodes as
// standard base64 is also accepted.
func (v Value) AsBytes() ([]byte, bool) {
	switch v.kind {
	case KindBytes:
		return v.bytes, true
	case KindString:
		if b, err := base64.StdEncoding.DecodeString(v.str); err == nil {
			return b, true
		}
	}
	return nil, false
}

// AsObject returns the nested-record variant. ok is false for other kinds.
func (v Value) AsObject() (*Record, bool) { return v.obj, v.kind == KindObject }

// AsArray returns the array variant. ok is false for other kinds.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		// A time and its RFC 3339 string form compare equal; the wire
		// cannot distinguish them.
		a, aok := v.AsTime()
		b, bok := other.AsTime()
		return aok && bok && a.Equal(b)
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	case KindBytes:
		if len(v.bytes) != len(other.bytes) {
			return false
		}
		for i := range v.bytes {
			if v.bytes[i] != other.bytes[i] {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(other.obj)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface returns the value as a plain Go value suitable for database
// drivers: nil, string, float64, bool, time.Time or []byte. Objects and
// arrays are returned as their JSON encoding.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindBytes:
		return v.bytes
	case KindObject:
		data, _ := v.obj.MarshalJSON()
		return string(data)
	case KindArray:
		data, _ := marshalArray(v.arr)
		return string(data)
	default:
		return nil
	}
}
