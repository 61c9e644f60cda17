package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
)

const starlarkExt = ".star"

// registerFunc is the entrypoint every Starlark handler file defines.
const registerFunc = "register"

// scopedHandler is the value returned by the handler() builtin: a callable
// bound to a domain.
type scopedHandler struct {
	fn     starlark.Callable
	domain string
}

var _ starlark.Value = (*scopedHandler)(nil)

func (h *scopedHandler) String() string {
	return fmt.Sprintf("handler(%s, domain=%q)", h.fn.Name(), h.domain)
}
func (h *scopedHandler) Type() string          { return "handler" }
func (h *scopedHandler) Freeze()               {}
func (h *scopedHandler) Truth() starlark.Bool  { return starlark.True }
func (h *scopedHandler) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: handler") }

// builtinHandler implements handler(fn, domain="").
func builtinHandler(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var domain string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn, "domain?", &domain); err != nil {
		return nil, err
	}
	return &scopedHandler{fn: fn, domain: domain}, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"handler": starlark.NewBuiltin("handler", builtinHandler),
	}
}

// loadStarlark executes a handler file, calls its register() entrypoint and
// registers every returned handler for kind.
func loadStarlark(path string, data []byte, kind engine.HandlerKind, set *registry.Set, logger zerolog.Logger) ([]string, error) {
	thread := &starlark.Thread{
		Name: "load:" + filepath.Base(path),
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("path", path).Msg(msg)
		},
	}

	globals, err := starlark.ExecFile(thread, path, data, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	entry, ok := globals[registerFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("missing %s() entrypoint", registerFunc)
	}

	result, err := starlark.Call(thread, entry, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s() failed: %w", registerFunc, err)
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s() must return a dict, got %s", registerFunc, result.Type())
	}

	type entryT struct {
		name   string
		domain engine.Domain
		fn     starlark.Callable
	}
	entries := make([]entryT, 0, dict.Len())
	for _, item := range dict.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok || name == "" {
			return nil, fmt.Errorf("%s() keys must be non-empty strings, got %s", registerFunc, item[0])
		}
		switch v := item[1].(type) {
		case *scopedHandler:
			entries = append(entries, entryT{name: name, domain: engine.Domain(v.domain), fn: v.fn})
		case starlark.Callable:
			entries = append(entries, entryT{name: name, fn: v})
		default:
			return nil, fmt.Errorf("handler '%s' is not callable (got %s)", name, item[1].Type())
		}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		h := &starlarkHandler{name: e.name, path: path, fn: e.fn, logger: logger}
		var err error
		switch kind {
		case engine.KindGuard:
			err = set.Guards.Register(e.name, e.domain, h.predicate(kind))
		case engine.KindCondition:
			err = set.Conditions.Register(e.name, e.domain, engine.ConditionFunc(h.predicate(kind)))
		case engine.KindAction:
			err = set.Actions.Register(e.name, e.domain, h.action)
		}
		if err != nil {
			return nil, err
		}
		names = append(names, registry.Key{Domain: e.domain, Name: e.name}.String())
	}
	sort.Strings(names)
	return names, nil
}

// starlarkHandler adapts a Starlark callable to the Go handler signatures.
// Every call runs on a fresh thread.
type starlarkHandler struct {
	name   string
	path   string
	fn     starlark.Callable
	logger zerolog.Logger
}

func (h *starlarkHandler) predicate(kind engine.HandlerKind) engine.GuardFunc {
	return func(ctx context.Context, tc *engine.TransitionContext) (bool, error) {
		result, _, err := h.call(ctx, tc)
		if err != nil {
			return false, err
		}
		b, ok := result.(starlark.Bool)
		if !ok {
			return false, fmt.Errorf("%s '%s' must return a bool, got %s", kind, h.name, result.Type())
		}
		return bool(b), nil
	}
}

// action runs the callable and writes top-level changes of the context dict
// back into tc.
func (h *starlarkHandler) action(ctx context.Context, tc *engine.TransitionContext) (any, error) {
	result, after, err := h.call(ctx, tc)
	if err != nil {
		return nil, err
	}

	before, err := snapshotDict(tc)
	if err != nil {
		return nil, err
	}
	if err := writeBack(tc, before, after); err != nil {
		return nil, err
	}
	return fromStarlarkValue(result)
}

// call invokes the callable with the context as a dict. The thread is
// cancelled when ctx is done.
func (h *starlarkHandler) call(ctx context.Context, tc *engine.TransitionContext) (starlark.Value, *starlark.Dict, error) {
	arg, err := snapshotDict(tc)
	if err != nil {
		return nil, nil, err
	}

	thread := &starlark.Thread{
		Name: h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Str("handler", h.name).Str("path", h.path).Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	result, err := starlark.Call(thread, h.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("starlark handler interrupted: %w", ctxErr)
		}
		return nil, nil, fmt.Errorf("starlark handler failed: %w", err)
	}
	return result, arg, nil
}

func snapshotDict(tc *engine.TransitionContext) (*starlark.Dict, error) {
	v, err := toStarlarkValue(tc.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to convert context: %w", err)
	}
	return v.(*starlark.Dict), nil
}

// writeBack applies the top-level differences between before and after to tc.
func writeBack(tc *engine.TransitionContext, before, after *starlark.Dict) error {
	for _, item := range after.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok || key == engine.KeyActionsExecuted {
			continue
		}
		if old, found, _ := before.Get(item[0]); found {
			if eq, err := starlark.Equal(old, item[1]); err == nil && eq {
				continue
			}
		}
		v, err := fromStarlarkValue(item[1])
		if err != nil {
			return fmt.Errorf("failed to convert context key %s: %w", key, err)
		}
		tc.Set(key, v)
	}

	for _, item := range before.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok || key == engine.KeyActionsExecuted {
			continue
		}
		if _, found, _ := after.Get(item[0]); !found {
			tc.Delete(key)
		}
	}
	return nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(time.RFC3339)), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return toStarlarkValue(items)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return jsonToStarlark(v)
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return toStarlarkValue(m)
	case reflect.Pointer:
		if rv.IsNil() {
			return starlark.None, nil
		}
		return toStarlarkValue(rv.Elem().Interface())
	case reflect.String:
		return starlark.String(rv.String()), nil
	case reflect.Bool:
		return starlark.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return starlark.MakeUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(rv.Float()), nil
	}
	return jsonToStarlark(v)
}

// jsonToStarlark converts structs and other composite values through their
// JSON encoding, the same shape Rego handlers see as input.
func jsonToStarlark(v any) (starlark.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported type %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unsupported type %T: %w", v, err)
	}
	return toStarlarkValue(generic)
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
