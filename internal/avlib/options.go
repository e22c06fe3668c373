package avlib

import "strings"

// Option is one key/value entry of an Options dictionary.
type Option struct {
	Key   string
	Value string
}

// Options is an ordered key/value dictionary passed to the library, mirroring
// the semantics of an AVDictionary: setting an existing key replaces its value
// in place.
type Options struct {
	entries []Option
}

// NewOptions returns an empty dictionary.
func NewOptions() *Options {
	return &Options{}
}

// Set stores value under key.
func (o *Options) Set(key, value string) {
	for i := range o.entries {
		if o.entries[i].Key == key {
			o.entries[i].Value = value
			return
		}
	}
	o.entries = append(o.entries, Option{Key: key, Value: value})
}

// Get returns the value stored under key.
func (o *Options) Get(key string) (string, bool) {
	if o == nil {
		return "", false
	}
	for _, e := range o.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Delete removes key.
func (o *Options) Delete(key string) {
	for i, e := range o.entries {
		if e.Key == key {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of entries.
func (o *Options) Len() int {
	if o == nil {
		return 0
	}
	return len(o.entries)
}

// Entries returns a copy of the entries in insertion order.
func (o *Options) Entries() []Option {
	if o == nil {
		return nil
	}
	out := make([]Option, len(o.entries))
	copy(out, o.entries)
	return out
}

// Keys returns the keys in insertion order.
func (o *Options) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, len(o.entries))
	for i, e := range o.entries {
		keys[i] = e.Key
	}
	return keys
}

// Clone returns an independent copy.
func (o *Options) Clone() *Options {
	return &Options{entries: o.Entries()}
}

// Replace swaps the content of o with entries, used by implementations to
// hand back what the library left unconsumed.
func (o *Options) Replace(entries []Option) {
	o.entries = append(o.entries[:0], entries...)
}

func (o *Options) String() string {
	if o == nil {
		return ""
	}
	parts := make([]string, len(o.entries))
	for i, e := range o.entries {
		parts[i] = e.Key + "=" + e.Value
	}
	return strings.Join(parts, ",")
}
