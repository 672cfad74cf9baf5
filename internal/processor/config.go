package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// ValueType tags the content of a Value.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeFloat
	TypeString
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Value is an int64, float64 or string configuration entry.
type Value struct {
	typ ValueType
	i   int64
	f   float64
	s   string
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{typ: TypeInt, i: v} }

// Float returns a floating-point Value.
func Float(v float64) Value { return Value{typ: TypeFloat, f: v} }

// String returns a string Value.
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Type returns the tag.
func (v Value) Type() ValueType { return v.typ }

// AsInt returns the integer content.
func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

// AsFloat returns the float content. Integers convert.
func (v Value) AsFloat() (float64, bool) {
	switch v.typ {
	case TypeFloat:
		return v.f, true
	case TypeInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string content.
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// Interface returns the content as int64, float64 or string.
func (v Value) Interface() interface{} {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	default:
		return v.s
	}
}

// String formats the content.
func (v Value) String() string {
	switch v.typ {
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return v.s
	}
}

// MarshalJSON encodes the content as a plain JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Configuration is a concurrency-safe map of typed values.
type Configuration struct {
	mu     sync.RWMutex
	values map[string]Value
}

// NewConfiguration returns an empty configuration.
func NewConfiguration() *Configuration {
	return &Configuration{values: make(map[string]Value)}
}

// Set stores a value.
func (c *Configuration) Set(key string, v Value) {
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
}

// Get returns a value.
func (c *Configuration) Get(key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Delete removes a value.
func (c *Configuration) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Configuration) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Keys returns the keys in sorted order.
func (c *Configuration) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the entries.
func (c *Configuration) Snapshot() map[string]Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Flatten returns the entries as plain int64, float64 and string values.
func (c *Configuration) Flatten() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v.Interface()
	}
	return out
}

// Merge copies every entry of other into c, overwriting existing keys.
func (c *Configuration) Merge(other *Configuration) {
	if other == nil || other == c {
		return
	}
	snap := other.Snapshot()
	c.mu.Lock()
	for k, v := range snap {
		c.values[k] = v
	}
	c.mu.Unlock()
}
