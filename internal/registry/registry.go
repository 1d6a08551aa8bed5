// Package registry maps transport kind names to constructors. Registries are
// populated explicitly at start-up; an unknown kind is ErrNotFound.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Lookup for an unregistered kind.
var ErrNotFound = errors.New("registry: kind not found")

// ErrDuplicate is returned by Register when a kind is already taken.
var ErrDuplicate = errors.New("registry: kind already registered")

// Registry holds named factories producing values of type T.
type Registry[T any] struct {
	name string

	mu        sync.RWMutex
	factories map[string]T
}

// New creates an empty registry; name is used in error messages only.
func New[T any](name string) *Registry[T] {
	return &Registry[T]{name: name, factories: make(map[string]T)}
}

// Register adds factory under kind.
func (r *Registry[T]) Register(kind string, factory T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%s %q: %w", r.name, kind, ErrDuplicate)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is like Register but panics on error. Use only in init code.
func (r *Registry[T]) MustRegister(kind string, factory T) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under kind.
func (r *Registry[T]) Lookup(kind string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		known := make([]string, 0, len(r.factories))
		for k := range r.factories {
			known = append(known, k)
		}
		sort.Strings(known)
		var zero T
		return zero, fmt.Errorf("%s %q (known: %s): %w", r.name, kind, strings.Join(known, ", "), ErrNotFound)
	}
	return f, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry[T]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
