package engine

import (
	"reflect"
	"strings"
	"sync"
)

// KeyActionsExecuted is the reserved context key holding executed action labels.
const KeyActionsExecuted = "_actions_executed"

// TransitionContext is the mutable bag passed by reference through guard,
// condition and action evaluation for a single transition call.
type TransitionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewTransitionContext wraps values. The map is used as-is; callers that need
// isolation should pass a copy.
func NewTransitionContext(values map[string]any) *TransitionContext {
	if values == nil {
		values = make(map[string]any)
	}
	return &TransitionContext{values: values}
}

// Get returns the top-level value stored under key.
func (c *TransitionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	return v, ok
}

// Set stores a top-level value.
func (c *TransitionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = value
}

// Delete removes a top-level value.
func (c *TransitionContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.values, key)
}

// Lookup resolves a dotted path such as "config.worktrees_enabled" through
// nested string-keyed maps.
func (c *TransitionContext) Lookup(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lookupPath(c.values, path)
}

// Snapshot returns a shallow copy of the top-level values.
func (c *TransitionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Merge writes every top-level entry of values into the context, skipping the
// reserved actions key.
func (c *TransitionContext) Merge(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range values {
		if k == KeyActionsExecuted {
			continue
		}
		c.values[k] = v
	}
}

// RecordAction appends an executed action label.
func (c *TransitionContext) RecordAction(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels, _ := c.values[KeyActionsExecuted].([]string)
	c.values[KeyActionsExecuted] = append(labels, label)
}

// ActionsExecuted returns a copy of the executed action labels, in order.
func (c *TransitionContext) ActionsExecuted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	labels, _ := c.values[KeyActionsExecuted].([]string)
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

func lookupPath(values map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = values
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// Truthy reports whether v counts as true when used as a gate: false, nil,
// zero numbers, empty strings and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}
