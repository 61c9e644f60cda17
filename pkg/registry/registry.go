// Package registry resolves guard, condition and action handlers by name.
//
// Every registry is keyed by (Domain, Name). A lookup for a domain first tries
// the domain-scoped entry and then falls back to the shared entry registered
// without a domain. Registration overwrites silently; the last writer wins.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tollgate/tollgate/pkg/engine"
)

// ErrFrozen is returned by Register once the registry has been frozen.
var ErrFrozen = errors.New("registry is frozen")

// Key identifies a handler. Shared handlers use engine.DomainShared.
type Key struct {
	Domain engine.Domain
	Name   string
}

// String renders the key as "domain:name", or just "name" when shared.
func (k Key) String() string {
	if k.Domain.IsShared() {
		return k.Name
	}
	return string(k.Domain) + ":" + k.Name
}

// Registry is a domain-aware handler store with shared fallback.
type Registry[F any] struct {
	// mu protects entries and frozen.
	mu sync.RWMutex

	kind     engine.HandlerKind
	entries  map[Key]F
	frozen   bool
	defaults func(r *Registry[F])
}

// New creates an empty registry for the given handler kind. defaults, when
// non-nil, re-populates the registry on Reset.
func New[F any](kind engine.HandlerKind, defaults func(r *Registry[F])) *Registry[F] {
	return &Registry[F]{
		kind:     kind,
		entries:  make(map[Key]F),
		defaults: defaults,
	}
}

// Kind returns the handler kind stored in this registry.
func (r *Registry[F]) Kind() engine.HandlerKind {
	return r.kind
}

// Register stores fn under (domain, name), overwriting any previous entry.
func (r *Registry[F]) Register(name string, domain engine.Domain, fn F) error {
	if name == "" {
		return fmt.Errorf("%s name is required", r.kind)
	}
	if isNil(fn) {
		return fmt.Errorf("%s '%s' has a nil handler", r.kind, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("cannot register %s '%s': %w", r.kind, name, ErrFrozen)
	}
	r.entries[Key{Domain: domain, Name: name}] = fn
	return nil
}

// MustRegister is Register for builtin tables; it panics on error.
func (r *Registry[F]) MustRegister(name string, domain engine.Domain, fn F) {
	if err := r.Register(name, domain, fn); err != nil {
		panic(err)
	}
}

// Lookup resolves name for domain, falling back to the shared entry.
func (r *Registry[F]) Lookup(name string, domain engine.Domain) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !domain.IsShared() {
		if fn, ok := r.entries[Key{Domain: domain, Name: name}]; ok {
			return fn, true
		}
	}
	fn, ok := r.entries[Key{Name: name}]
	return fn, ok
}

// Get is Lookup that reports a missing handler as *engine.UnknownHandlerError.
func (r *Registry[F]) Get(name string, domain engine.Domain) (F, error) {
	fn, ok := r.Lookup(name, domain)
	if !ok {
		var zero F
		return zero, &engine.UnknownHandlerError{Kind: r.kind, Name: name, Domain: domain}
	}
	return fn, nil
}

// Has reports whether name resolves for domain.
func (r *Registry[F]) Has(name string, domain engine.Domain) bool {
	_, ok := r.Lookup(name, domain)
	return ok
}

// List returns every handler visible from domain: shared entries overlaid
// with the domain's own. For the shared domain only shared entries are listed.
func (r *Registry[F]) List(domain engine.Domain) map[string]F {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]F)
	for k, fn := range r.entries {
		if k.Domain.IsShared() {
			out[k.Name] = fn
		}
	}
	if domain.IsShared() {
		return out
	}
	for k, fn := range r.entries {
		if k.Domain == domain {
			out[k.Name] = fn
		}
	}
	return out
}

// Names returns the sorted handler names visible from domain.
func (r *Registry[F]) Names(domain engine.Domain) []string {
	listed := r.List(domain)
	names := make([]string, 0, len(listed))
	for name := range listed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns every stored key, sorted by domain then name.
func (r *Registry[F]) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Domain != keys[j].Domain {
			return keys[i].Domain < keys[j].Domain
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Len returns the number of stored entries across all domains.
func (r *Registry[F]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Reset clears every entry, unfreezes the registry and re-registers the
// builtin defaults.
func (r *Registry[F]) Reset() {
	r.mu.Lock()
	r.entries = make(map[Key]F)
	r.frozen = false
	r.mu.Unlock()

	if r.defaults != nil {
		r.defaults(r)
	}
}

// Freeze makes the registry read-only. Call it once the load phase is done.
func (r *Registry[F]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Frozen reports whether Freeze has been called since the last Reset.
func (r *Registry[F]) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.frozen
}

// copyInto registers every entry of r into dst.
func (r *Registry[F]) copyInto(dst *Registry[F]) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for k, fn := range r.entries {
		if err := dst.Register(k.Name, k.Domain, fn); err != nil {
			return err
		}
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch fn := v.(type) {
	case engine.GuardFunc:
		return fn == nil
	case engine.ConditionFunc:
		return fn == nil
	case engine.ActionFunc:
		return fn == nil
	}
	return false
}
