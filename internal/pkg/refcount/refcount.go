// Package refcount shares one underlying handle between concurrent openers of
// the same resource, closing it when the last user releases it.
package refcount

import (
	"fmt"
	"io"
	"sync"
)

type entry[T io.Closer] struct {
	value T
	refs  int
}

// Registry tracks shared handles by key.
type Registry[T io.Closer] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

// New creates an empty registry.
func New[T io.Closer]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T])}
}

// Acquire returns the handle for key, calling open on first use.
// open runs under the registry lock, so concurrent callers for the same key
// wait for one open rather than racing.
func (r *Registry[T]) Acquire(key string, open func() (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.value, nil
	}

	value, err := open()
	if err != nil {
		var zero T
		return zero, err
	}
	r.entries[key] = &entry[T]{value: value, refs: 1}
	return value, nil
}

// Release drops one reference and closes the handle when none remain.
func (r *Registry[T]) Release(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("refcount: release of unknown key %q", key)
	}

	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, key)
	return e.value.Close()
}

// Refs returns the number of live references for key.
func (r *Registry[T]) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}
