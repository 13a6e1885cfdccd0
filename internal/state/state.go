// Package state defines the value vocabulary carried by a request store and
// understood by the state serializer.
//
// Plain Go values cover most of the tree: nil, bool, the integer and float
// kinds, string, map[string]any and []any. The remaining types model the
// richer collections a module may keep in its state:
//
//   - [OrderedMap]: string-keyed map that remembers insertion order
//   - [Set]: unordered collection of distinct values
//   - [OrderedSet]: collection of distinct values in insertion order
//   - [Record]: named, fixed-shape value with ordered fields
//   - [Error]: portable error value (name + message)
//
// *url.URL and time.Time are also part of the vocabulary. Functions and
// channels are tolerated in a tree but serialize as null.
//
// [Clone] produces a structurally independent copy of any tree; [Equal]
// compares two trees by value.
package state

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"time"
)

// OrderedMap is a string-keyed map that preserves insertion order.
//
// The zero value is not usable; create one with [NewOrderedMap].
type OrderedMap struct {
	keys   []string
	values map[string]any
}

// NewOrderedMap creates an OrderedMap from alternating key/value pairs.
// Non-string keys are formatted with fmt.Sprint.
func NewOrderedMap(pairs ...any) *OrderedMap {
	m := &OrderedMap{values: make(map[string]any, len(pairs)/2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(fmt.Sprint(pairs[i]), pairs[i+1])
	}
	return m
}

// Set stores value under key. New keys are appended to the order.
func (m *OrderedMap) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *OrderedMap) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Keys returns a copy of the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries. A nil map is empty.
func (m *OrderedMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Set is an unordered collection of distinct values.
//
// Membership uses [Equal], so sets may hold maps and lists. Items are kept in
// insertion order internally, which makes encoding deterministic, but two
// sets with the same members compare equal regardless of order.
type Set struct {
	items []any
}

// NewSet creates a Set from items, dropping duplicates.
func NewSet(items ...any) *Set {
	s := &Set{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add inserts v if it is not already a member.
func (s *Set) Add(v any) {
	if !s.Has(v) {
		s.items = append(s.items, v)
	}
}

// Has reports whether v is a member.
func (s *Set) Has(v any) bool {
	if s == nil {
		return false
	}
	for _, it := range s.items {
		if Equal(it, v) {
			return true
		}
	}
	return false
}

// Items returns a copy of the members.
func (s *Set) Items() []any {
	if s == nil {
		return nil
	}
	return append([]any(nil), s.items...)
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// OrderedSet is a collection of distinct values that preserves insertion order.
type OrderedSet struct {
	items []any
}

// NewOrderedSet creates an OrderedSet from items, dropping duplicates.
func NewOrderedSet(items ...any) *OrderedSet {
	s := &OrderedSet{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add appends v if it is not already a member.
func (s *OrderedSet) Add(v any) {
	for _, it := range s.items {
		if Equal(it, v) {
			return
		}
	}
	s.items = append(s.items, v)
}

// Items returns a copy of the members in insertion order.
func (s *OrderedSet) Items() []any {
	if s == nil {
		return nil
	}
	return append([]any(nil), s.items...)
}

// Len returns the number of members.
func (s *OrderedSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Record is a named value with a fixed, ordered set of fields.
type Record struct {
	Name   string
	Fields *OrderedMap
}

// NewRecord creates a Record from alternating field/value pairs.
func NewRecord(name string, pairs ...any) *Record {
	return &Record{Name: name, Fields: NewOrderedMap(pairs...)}
}

// Error is the portable form of a Go error inside a state tree.
type Error struct {
	Name    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// NewError converts err into an [Error]. The name is the error's dynamic type
// unless err is already an *Error.
func NewError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return &Error{Name: se.Name, Message: se.Message}
	}
	return &Error{Name: reflect.TypeOf(err).String(), Message: err.Error()}
}

// Clone returns a deep copy of v. Collections in the vocabulary are copied
// recursively; scalars are returned as is. Functions and channels are
// returned unchanged because they carry no tree structure.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case *OrderedMap:
		if t == nil {
			return t
		}
		out := &OrderedMap{keys: append([]string(nil), t.keys...), values: make(map[string]any, len(t.values))}
		for k, val := range t.values {
			out.values[k] = Clone(val)
		}
		return out
	case *Set:
		if t == nil {
			return t
		}
		out := &Set{items: make([]any, len(t.items))}
		for i, val := range t.items {
			out.items[i] = Clone(val)
		}
		return out
	case *OrderedSet:
		if t == nil {
			return t
		}
		out := &OrderedSet{items: make([]any, len(t.items))}
		for i, val := range t.items {
			out.items[i] = Clone(val)
		}
		return out
	case *Record:
		if t == nil {
			return t
		}
		return &Record{Name: t.Name, Fields: Clone(t.Fields).(*OrderedMap)}
	case *Error:
		if t == nil {
			return t
		}
		cp := *t
		return &cp
	case *url.URL:
		if t == nil {
			return t
		}
		cp := *t
		if t.User != nil {
			u := *t.User
			cp.User = &u
		}
		return &cp
	default:
		return v
	}
}

// CloneMap deep-copies a map[string]any, returning an empty map for nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Clone(m).(map[string]any)
}

// Equal reports whether a and b hold the same value.
//
// Numbers compare by numeric value across integer and float kinds. Sets
// compare by membership; every other collection compares in order. Go errors
// compare by message against [Error] values. []string and map[string]string
// compare as the []any and map[string]any they decode to, and a nil
// collection pointer equals an empty one of the same kind.
func Equal(a, b any) bool {
	a, b = widen(a), widen(b)
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}

	switch x := a.(type) {
	case nil:
		return b == nil
	case bool, string:
		return a == b
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *OrderedMap:
		y, ok := b.(*OrderedMap)
		if !ok || x.Len() != y.Len() {
			return false
		}
		yKeys := y.Keys()
		for i, k := range x.Keys() {
			xv, _ := x.Get(k)
			yv, _ := y.Get(k)
			if yKeys[i] != k || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *Set:
		y, ok := b.(*Set)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for _, it := range x.Items() {
			if !y.Has(it) {
				return false
			}
		}
		return true
	case *OrderedSet:
		y, ok := b.(*OrderedSet)
		if !ok || x.Len() != y.Len() {
			return false
		}
		yItems := y.Items()
		for i, it := range x.Items() {
			if !Equal(it, yItems[i]) {
				return false
			}
		}
		return true
	case *Record:
		y, ok := b.(*Record)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return x.Name == y.Name && Equal(x.Fields, y.Fields)
	case *Error:
		if x == nil {
			y, ok := b.(*Error)
			return ok && y == nil
		}
		y, ok := b.(error)
		if !ok {
			return false
		}
		ye := NewError(y)
		return x.Name == ye.Name && x.Message == ye.Message
	case *url.URL:
		y, ok := b.(*url.URL)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return x.String() == y.String()
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case error:
		y, ok := b.(error)
		if !ok {
			return false
		}
		return Equal(NewError(x), y)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// widen converts the string-only collections to their general form.
func widen(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	return v
}

// toFloat converts any Go numeric kind to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
