package modules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Variant selects which build of a module to use.
type Variant string

const (
	VariantNode          Variant = "node"
	VariantBrowser       Variant = "browser"
	VariantLegacyBrowser Variant = "legacyBrowser"
)

var variants = []Variant{VariantNode, VariantBrowser, VariantLegacyBrowser}

// Bundle locates one build of a module.
type Bundle struct {
	URL       string `json:"url"`
	Integrity string `json:"integrity"`
}

// Record describes one module as listed in the content map.
type Record struct {
	Name     string
	Version  string
	Variants map[Variant]Bundle
}

// Bundle returns the build for v.
func (r Record) Bundle(v Variant) (Bundle, bool) {
	b, ok := r.Variants[v]
	return b, ok && b.URL != ""
}

// Key identifies the record in the code cache.
func (r Record) Key() string {
	return r.Name + "@" + r.Version
}

// ContentMap lists every module the server may compose. A ContentMap is
// immutable once built; a revision is a new ContentMap.
type ContentMap struct {
	// Key is an opaque revision identifier, if the map carries one.
	Key string

	records map[string]Record
}

// ErrEmptyContentMap is returned for a content map with no modules.
var ErrEmptyContentMap = errors.New("content map lists no modules")

// NewContentMap builds a ContentMap from records. Records without a version
// get one derived from their node build.
func NewContentMap(records ...Record) *ContentMap {
	cm := &ContentMap{records: make(map[string]Record, len(records))}
	for _, r := range records {
		if r.Version == "" {
			r.Version = deriveVersion(r)
		}
		cm.records[r.Name] = r
	}
	return cm
}

// ParseContentMap parses the JSON form:
//
//	{
//	  "key": "optional revision",
//	  "modules": {
//	    "<name>": {
//	      "version": "optional",
//	      "node":          {"url": "...", "integrity": "..."},
//	      "browser":       {"url": "...", "integrity": "..."},
//	      "legacyBrowser": {"url": "...", "integrity": "..."}
//	    }
//	  }
//	}
func ParseContentMap(data []byte) (*ContentMap, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("content map is not valid JSON")
	}

	modules := gjson.GetBytes(data, "modules")
	if !modules.IsObject() {
		return nil, errors.New(`content map has no "modules" object`)
	}

	var records []Record
	var parseErr error
	modules.ForEach(func(name, entry gjson.Result) bool {
		rec, err := parseRecord(name.String(), entry)
		if err != nil {
			parseErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(records) == 0 {
		return nil, ErrEmptyContentMap
	}

	cm := NewContentMap(records...)
	cm.Key = gjson.GetBytes(data, "key").String()
	return cm, nil
}

func parseRecord(name string, entry gjson.Result) (Record, error) {
	if name == "" {
		return Record{}, errors.New("content map has a module with an empty name")
	}
	if !entry.IsObject() {
		return Record{}, fmt.Errorf("module %q: entry must be an object", name)
	}

	rec := Record{
		Name:     name,
		Version:  entry.Get("version").String(),
		Variants: make(map[Variant]Bundle, len(variants)),
	}
	for _, v := range variants {
		b := entry.Get(string(v))
		if !b.Exists() {
			continue
		}
		url := b.Get("url").String()
		if url == "" {
			return Record{}, fmt.Errorf("module %q: %s build has no url", name, v)
		}
		rec.Variants[v] = Bundle{URL: url, Integrity: b.Get("integrity").String()}
	}
	if len(rec.Variants) == 0 {
		return Record{}, fmt.Errorf("module %q: no builds listed", name)
	}
	return rec, nil
}

// deriveVersion falls back to the node build's integrity, then its URL, so a
// changed build always produces a new cache key.
func deriveVersion(r Record) string {
	b, ok := r.Variants[VariantNode]
	if !ok {
		for _, v := range variants {
			if b, ok = r.Variants[v]; ok {
				break
			}
		}
	}
	if b.Integrity != "" {
		return b.Integrity
	}
	return b.URL
}

// Lookup returns the record for name.
func (m *ContentMap) Lookup(name string) (Record, bool) {
	if m == nil {
		return Record{}, false
	}
	r, ok := m.records[name]
	return r, ok
}

// Names returns every module name in sorted order.
func (m *ContentMap) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the cache key of every record.
func (m *ContentMap) Keys() map[string]struct{} {
	keys := make(map[string]struct{})
	if m == nil {
		return keys
	}
	for _, r := range m.records {
		keys[r.Key()] = struct{}{}
	}
	return keys
}

// ClientMap is the module map sent to the browser for one variant. Modules
// without that build are left out.
func (m *ContentMap) ClientMap(v Variant) map[string]any {
	out := make(map[string]any)
	if m == nil {
		return out
	}
	for name, r := range m.records {
		b, ok := r.Bundle(v)
		if !ok {
			continue
		}
		out[name] = map[string]any{
			"url":       b.URL,
			"integrity": b.Integrity,
		}
	}
	return out
}
