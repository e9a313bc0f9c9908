package bson

import "strings"

// Document is an ordered mapping of string keys to values. Keys are unique;
// setting an existing key replaces its value in place, preserving position.
type Document struct {
	keys   []string
	values map[string]Value
}

func NewDocument() *Document {
	return &Document{values: make(map[string]Value)}
}

// Set stores v under key and returns the document for chaining.
func (d *Document) Set(key string, v Value) *Document {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

// GetOrNull returns the value under key, or Null when absent. Path
// evaluation relies on missing fields reading as null.
func (d *Document) GetOrNull(key string) Value {
	if v, ok := d.values[key]; ok {
		return v
	}
	return Null()
}

// Remove deletes key and reports whether it was present.
func (d *Document) Remove(key string) bool {
	if _, ok := d.values[key]; !ok {
		return false
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the key list in insertion order. The slice is shared; callers
// must not modify it.
func (d *Document) Keys() []string { return d.keys }

func (d *Document) Len() int { return len(d.keys) }

// Clone returns a shallow copy of the document. Values are immutable, so a
// shallow copy is sufficient for copy-on-write staging.
func (d *Document) Clone() *Document {
	c := &Document{
		keys:   append([]string(nil), d.keys...),
		values: make(map[string]Value, len(d.values)),
	}
	for k, v := range d.values {
		c.values[k] = v
	}
	return c
}

func (d *Document) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(d.values[k].String())
	}
	sb.WriteByte('}')
	return sb.String()
}
