package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/americanexpress/one-app-sub001/internal/state"
)

// Wire tags. Every tagged collection is a JSON array whose first element is
// the tag; every tagged scalar is a string with a two-character prefix.
const (
	tagMap        = "^ "
	tagOrderedMap = "~#omap"
	tagSet        = "~#set"
	tagOrderedSet = "~#oset"
	tagRecord     = "~#rec"
	tagError      = "~#err"

	prefixURL  = "~r"
	prefixTime = "~t"

	escape   = "~"
	keyRef   = "^"
	maxDepth = 512
)

// ErrTooDeep is returned for trees nested deeper than the codec allows,
// which includes any tree that contains itself.
var ErrTooDeep = errors.New("state nested too deeply")

// UnsupportedTypeError is returned for values outside the state vocabulary.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("cannot serialize value of type %s", e.Type)
}

// Encoder writes state trees in the tagged JSON wire format.
//
// Map keys are cached while encoding: the first occurrence of a key is
// written in full, later ones as a short reference. The cache is reset after
// every successful Encode. A failed Encode leaves it as it was at the point of
// failure, and every following Encode produces references the decoder cannot
// resolve until [Encoder.ClearCache] is called.
//
// Encoder is not safe for concurrent use.
type Encoder struct {
	keys map[string]int
}

// NewEncoder returns an Encoder with an empty key cache.
func NewEncoder() *Encoder {
	return &Encoder{keys: make(map[string]int)}
}

// ClearCache empties the key cache.
func (e *Encoder) ClearCache() {
	clear(e.keys)
}

// Dirty reports whether the key cache holds entries left by a failed encode.
func (e *Encoder) Dirty() bool {
	return len(e.keys) > 0
}

// Encode returns the wire form of v.
func (e *Encoder) Encode(v any) (string, error) {
	var buf bytes.Buffer
	if err := e.write(&buf, v, 0); err != nil {
		return "", err
	}
	e.ClearCache()
	return buf.String(), nil
}

func (e *Encoder) write(buf *bytes.Buffer, v any, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}

	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(t))
		return nil
	case string:
		return writeJSON(buf, escapeString(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case float32:
		return writeJSON(buf, t)
	case float64:
		return writeJSON(buf, t)
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case map[string]any:
		buf.WriteString("[")
		_ = writeJSON(buf, tagMap)
		for _, k := range sortedKeys(t) {
			if err := e.writePair(buf, k, t[k], depth); err != nil {
				return err
			}
		}
		buf.WriteString("]")
		return nil
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return e.write(buf, m, depth)
	case []any:
		return e.writeList(buf, "", t, depth)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return e.writeList(buf, "", items, depth)
	case *state.OrderedMap:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString("[")
		_ = writeJSON(buf, tagOrderedMap)
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			if err := e.writePair(buf, k, val, depth); err != nil {
				return err
			}
		}
		buf.WriteString("]")
		return nil
	case *state.Set:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return e.writeList(buf, tagSet, t.Items(), depth)
	case *state.OrderedSet:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return e.writeList(buf, tagOrderedSet, t.Items(), depth)
	case *state.Record:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString("[")
		_ = writeJSON(buf, tagRecord)
		buf.WriteString(",")
		if err := writeJSON(buf, escapeString(t.Name)); err != nil {
			return err
		}
		if t.Fields != nil {
			for _, k := range t.Fields.Keys() {
				val, _ := t.Fields.Get(k)
				if err := e.writePair(buf, k, val, depth); err != nil {
					return err
				}
			}
		}
		buf.WriteString("]")
		return nil
	case *url.URL:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return writeJSON(buf, prefixURL+t.String())
	case time.Time:
		return writeJSON(buf, prefixTime+t.Format(time.RFC3339Nano))
	case error:
		se := state.NewError(t)
		buf.WriteString("[")
		_ = writeJSON(buf, tagError)
		buf.WriteString(",")
		_ = writeJSON(buf, escapeString(se.Name))
		buf.WriteString(",")
		_ = writeJSON(buf, escapeString(se.Message))
		buf.WriteString("]")
		return nil
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan:
		// not representable on the client; the slot survives as null
		buf.WriteString("null")
		return nil
	}
	return &UnsupportedTypeError{Type: reflect.TypeOf(v)}
}

func (e *Encoder) writeList(buf *bytes.Buffer, tag string, items []any, depth int) error {
	buf.WriteString("[")
	first := true
	if tag != "" {
		_ = writeJSON(buf, tag)
		first = false
	}
	for _, item := range items {
		if !first {
			buf.WriteString(",")
		}
		first = false
		if err := e.write(buf, item, depth+1); err != nil {
			return err
		}
	}
	buf.WriteString("]")
	return nil
}

func (e *Encoder) writePair(buf *bytes.Buffer, key string, val any, depth int) error {
	buf.WriteString(",")
	if idx, ok := e.keys[key]; ok {
		_ = writeJSON(buf, keyRef+strconv.Itoa(idx))
	} else {
		e.keys[key] = len(e.keys)
		_ = writeJSON(buf, escapeString(key))
	}
	buf.WriteString(",")
	return e.write(buf, val, depth+1)
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func escapeString(s string) string {
	if strings.HasPrefix(s, escape) || strings.HasPrefix(s, keyRef) {
		return escape + s
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses the wire form produced by [Encoder.Encode].
//
// Integers decode as int64 and other numbers as float64; every other value
// decodes to its state vocabulary type.
func Decode(s string) (any, error) {
	d := &decoder{dec: json.NewDecoder(strings.NewReader(s))}
	d.dec.UseNumber()

	v, err := d.value()
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if _, err := d.dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode state: trailing data")
	}
	return v, nil
}

type decoder struct {
	dec  *json.Decoder
	keys []string
}

func (d *decoder) value() (any, error) {
	tok, err := d.dec.Token()
	if err != nil {
		return nil, err
	}
	return d.fromToken(tok)
}

func (d *decoder) fromToken(tok json.Token) (any, error) {
	switch t := tok.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case string:
		return decodeString(t)
	case json.Delim:
		if t == '[' {
			return d.array()
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func (d *decoder) array() (any, error) {
	if !d.dec.More() {
		_, err := d.dec.Token()
		return []any{}, err
	}

	tok, err := d.dec.Token()
	if err != nil {
		return nil, err
	}

	if tag, ok := tok.(string); ok {
		switch tag {
		case tagMap:
			m := make(map[string]any)
			err := d.pairs(func(k string, v any) { m[k] = v })
			return m, err
		case tagOrderedMap:
			m := state.NewOrderedMap()
			err := d.pairs(m.Set)
			return m, err
		case tagSet:
			items, err := d.rest()
			return state.NewSet(items...), err
		case tagOrderedSet:
			items, err := d.rest()
			return state.NewOrderedSet(items...), err
		case tagRecord:
			return d.record()
		case tagError:
			return d.stateError()
		}
	}

	first, err := d.fromToken(tok)
	if err != nil {
		return nil, err
	}
	items, err := d.rest()
	return append([]any{first}, items...), err
}

// rest reads values up to and including the closing bracket.
func (d *decoder) rest() ([]any, error) {
	items := []any{}
	for d.dec.More() {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	_, err := d.dec.Token()
	return items, err
}

func (d *decoder) pairs(set func(string, any)) error {
	for d.dec.More() {
		k, err := d.key()
		if err != nil {
			return err
		}
		v, err := d.value()
		if err != nil {
			return err
		}
		set(k, v)
	}
	_, err := d.dec.Token()
	return err
}

func (d *decoder) key() (string, error) {
	tok, err := d.dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("map key is %T, want string", tok)
	}
	if strings.HasPrefix(s, keyRef) {
		idx, err := strconv.Atoi(s[len(keyRef):])
		if err != nil || idx < 0 || idx >= len(d.keys) {
			return "", fmt.Errorf("unknown key reference %q", s)
		}
		return d.keys[idx], nil
	}
	s = strings.TrimPrefix(s, escape)
	d.keys = append(d.keys, s)
	return s, nil
}

func (d *decoder) record() (any, error) {
	name, err := d.value()
	if err != nil {
		return nil, err
	}
	n, ok := name.(string)
	if !ok {
		return nil, fmt.Errorf("record name is %T, want string", name)
	}
	rec := state.NewRecord(n)
	err = d.pairs(rec.Fields.Set)
	return rec, err
}

func (d *decoder) stateError() (any, error) {
	items, err := d.rest()
	if err != nil {
		return nil, err
	}
	if len(items) != 2 {
		return nil, fmt.Errorf("error value has %d fields, want 2", len(items))
	}
	name, _ := items[0].(string)
	msg, _ := items[1].(string)
	return &state.Error{Name: name, Message: msg}, nil
}

func decodeString(s string) (any, error) {
	switch {
	case strings.HasPrefix(s, escape+escape), strings.HasPrefix(s, escape+keyRef):
		return s[len(escape):], nil
	case strings.HasPrefix(s, prefixURL):
		return url.Parse(s[len(prefixURL):])
	case strings.HasPrefix(s, prefixTime):
		return time.Parse(time.RFC3339Nano, s[len(prefixTime):])
	case strings.HasPrefix(s, escape), strings.HasPrefix(s, keyRef):
		return nil, fmt.Errorf("unknown tag in %q", s)
	}
	return s, nil
}
