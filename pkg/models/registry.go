package models

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"gorm.io/gorm/schema"
)

// Registry maps Go types to their metadata and data source key.
type Registry struct {
	namer  schema.Namer
	cache  *sync.Map
	byType map[reflect.Type]*Model
	order  []*Model
	mu     sync.RWMutex
}

// NewRegistry returns a registry that names tables the way GORM does by default.
func NewRegistry() *Registry {
	return NewRegistryWithNamer(schema.NamingStrategy{IdentifierMaxLength: 64})
}

// NewRegistryWithNamer returns a registry using a custom naming strategy. It
// must match the one configured on the GORM handles the models are used with.
func NewRegistryWithNamer(namer schema.Namer) *Registry {
	return &Registry{
		namer:  namer,
		cache:  &sync.Map{},
		byType: make(map[reflect.Type]*Model),
	}
}

// Register parses each value's type and binds it to key. Registering the same
// type under the same key again is a no-op.
func (r *Registry) Register(key string, values ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range values {
		t := indirectType(reflect.TypeOf(v))
		if t == nil || t.Kind() != reflect.Struct {
			return fmt.Errorf("models: cannot register %T", v)
		}
		if existing, ok := r.byType[t]; ok {
			if existing.Key != key {
				return fmt.Errorf("%w: %s is bound to %q, not %q", ErrKeyConflict, existing.Name, existing.Key, key)
			}
			continue
		}

		s, err := schema.Parse(reflect.New(t).Interface(), r.cache, r.namer)
		if err != nil {
			return fmt.Errorf("models: parse %s: %w", t.Name(), err)
		}
		m := newModel(key, s)
		r.byType[t] = m
		r.order = append(r.order, m)
	}
	return nil
}

// Lookup returns the metadata for v, which may be a T, *T, []T, []*T, *[]T or
// a reflect.Type.
func (r *Registry) Lookup(v any) (*Model, error) {
	var t reflect.Type
	if rt, ok := v.(reflect.Type); ok {
		t = rt
	} else {
		t = reflect.TypeOf(v)
	}
	t = indirectType(t)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if t != nil {
		if m, ok := r.byType[t]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNotRegistered, t)
}

// TypeOf returns the metadata for type T.
func TypeOf[T any](r *Registry) (*Model, error) {
	return r.Lookup(reflect.TypeFor[T]())
}

// Models returns every registered model sorted by name.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, len(r.order))
	copy(out, r.order)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelsFor returns the models bound to key in registration order.
func (r *Registry) ModelsFor(key string) []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Model
	for _, m := range r.order {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

// Keys returns every key that has at least one model, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range r.order {
		if _, ok := seen[m.Key]; !ok {
			seen[m.Key] = struct{}{}
			keys = append(keys, m.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && (t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		t = t.Elem()
	}
	return t
}
