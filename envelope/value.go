// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Type describes the concrete shape of a [Value].
type Type byte

const (
	TypeNull   Type = iota // no value
	TypeBool               // true or false
	TypeNumber             // a finite float64
	TypeString             // a UTF-8 string
	TypeList               // an ordered list of values
	TypeMap                // an ordered map from string to value
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return fmt.Sprintf("type:%d", byte(t))
	}
}

// A Value is a structured argument value carried by an envelope. The zero
// Value is null, and is treated as "no value" by the codec.
type Value struct {
	typ  Type
	b    bool
	n    float64
	s    string
	list []Value
	m    *Map
}

// Null is the null value.
var Null Value

// Bool returns a Boolean value.
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// Number returns a numeric value. Non-finite numbers render as null.
func Number(f float64) Value { return Value{typ: TypeNumber, n: f} }

// String returns a string value.
func String(s string) Value { return Value{typ: TypeString, s: s} }

// List returns a list value containing vs in order.
func List(vs ...Value) Value { return Value{typ: TypeList, list: vs} }

// MapValue returns a map value wrapping m. A nil m is treated as empty.
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{typ: TypeMap, m: m}
}

// Type reports the type of v.
func (v Value) Type() Type { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsBool returns the Boolean content of v, and whether v is a Boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsNumber returns the numeric content of v, and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.typ == TypeNumber }

// AsString returns the string content of v, and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// AsList returns the elements of v, and whether v is a list.
func (v Value) AsList() ([]Value, bool) { return v.list, v.typ == TypeList }

// AsMap returns the map content of v, and whether v is a map.
func (v Value) AsMap() (*Map, bool) {
	if v.typ != TypeMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports whether v and w are structurally equal. Lists are compared in
// order; maps are compared without regard to the order of their keys.
func (v Value) Equal(w Value) bool {
	if v.typ != w.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == w.b
	case TypeNumber:
		return v.n == w.n
	case TypeString:
		return v.s == w.s
	case TypeList:
		return slices.EqualFunc(v.list, w.list, Value.Equal)
	case TypeMap:
		return v.m.Equal(w.m)
	}
	return false
}

// check reports an error if v holds a number that is not finite or a string
// that is not valid UTF-8. Neither has a literal form.
func (v Value) check() error {
	switch v.typ {
	case TypeNumber:
		if math.IsInf(v.n, 0) || math.IsNaN(v.n) {
			return fmt.Errorf("number %v is not finite", v.n)
		}
	case TypeString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("string %q is not valid UTF-8", v.s)
		}
	case TypeList:
		for _, elt := range v.list {
			if err := elt.check(); err != nil {
				return err
			}
		}
	case TypeMap:
		for key, elt := range v.m.All() {
			if !utf8.ValidString(key) {
				return fmt.Errorf("map key %q is not valid UTF-8", key)
			} else if err := elt.check(); err != nil {
				return err
			}
		}
	}
	return nil
}

// String returns the literal rendering of v.
func (v Value) String() string { return v.Literal() }

// Literal renders v in literal text form. Map keys are rendered in insertion
// order. The rendering is accepted by [ParseLiteral]. A number that is not
// finite renders as null, and invalid UTF-8 in a string renders as U+FFFD;
// encoding an envelope that holds such a value fails instead.
func (v Value) Literal() string {
	var buf bytes.Buffer
	v.writeLiteral(&buf)
	return buf.String()
}

func (v Value) writeLiteral(buf *bytes.Buffer) {
	switch v.typ {
	case TypeBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case TypeNumber:
		if math.IsInf(v.n, 0) || math.IsNaN(v.n) {
			buf.WriteString("null")
		} else {
			buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
		}
	case TypeString:
		writeString(buf, v.s)
	case TypeList:
		buf.WriteByte('[')
		for i, elt := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			elt.writeLiteral(buf)
		}
		buf.WriteByte(']')
	case TypeMap:
		buf.WriteByte('{')
		for i, key := range v.m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, key)
			buf.WriteByte(':')
			v.m.vals[key].writeLiteral(buf)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

func writeString(buf *bytes.Buffer, s string) {
	// Marshaling a string cannot fail.
	enc, _ := json.Marshal(s)
	buf.Write(enc)
}

// ParseLiteral parses the literal text form of a value as produced by
// [Value.Literal].
func ParseLiteral(s string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return Null, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Null, errors.New("extra data after value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null, err
	}
	switch t := tok.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var elts []Value
			for dec.More() {
				elt, err := parseValue(dec)
				if err != nil {
					return Null, err
				}
				elts = append(elts, elt)
			}
			if _, err := dec.Token(); err != nil { // ']'
				return Null, err
			}
			return List(elts...), nil
		case '{':
			m := NewMap()
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return Null, err
				}
				key := ktok.(string) // the decoder guarantees object keys are strings
				val, err := parseValue(dec)
				if err != nil {
					return Null, err
				}
				m.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // '}'
				return Null, err
			}
			return MapValue(m), nil
		}
	}
	return Null, fmt.Errorf("unexpected token %v", tok)
}

// A Map is an ordered map from string keys to values. The zero Map is not
// ready for use; use [NewMap].
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap constructs a new empty map.
func NewMap() *Map { return &Map{vals: make(map[string]Value)} }

// Set sets key to v in m, and returns m to permit chaining. A new key is
// added at the end of the key order; an existing key keeps its position.
func (m *Map) Set(key string, v Value) *Map {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// Get returns the value for key and reports whether it was present.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Null, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Delete removes key from m and reports whether it was present.
func (m *Map) Delete(key string) bool {
	if _, ok := m.vals[key]; !ok {
		return false
	}
	delete(m.vals, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
	return true
}

// Len reports the number of entries in m.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the keys of m in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

// All iterates over the entries of m in insertion order.
func (m *Map) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		if m == nil {
			return
		}
		for _, key := range m.keys {
			if !yield(key, m.vals[key]) {
				return
			}
		}
	}
}

// Equal reports whether m and o have the same keys mapped to equal values.
// The order of keys is not significant.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for key, v := range m.All() {
		w, ok := o.Get(key)
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
