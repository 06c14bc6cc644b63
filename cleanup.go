package main

import (
	"errors"
	"fmt"
	"sync"
)

// Resource is anything the session must release on teardown.
type Resource interface {
	Name() string
	Stop() error
}

// hook adapts a function to Resource
type hook struct {
	name string
	fn   func() error
}

func (h *hook) Name() string { return h.name }
func (h *hook) Stop() error  { return h.fn() }

// NewHook wraps fn as a Resource named name.
func NewHook(name string, fn func() error) Resource {
	return &hook{name: name, fn: fn}
}

type registryEntry struct {
	res  Resource
	once sync.Once
	err  error
}

func (e *registryEntry) stop() error {
	e.once.Do(func() {
		e.err = e.res.Stop()
	})
	return e.err
}

// Registry owns every process and undo action started by a session.
// Close releases them in reverse order, each exactly once, and is safe to
// call from both a deferred teardown and a signal handler.
type Registry struct {
	mu      sync.Mutex
	entries []*registryEntry
	closed  bool
	logger  *RunLogger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *RunLogger) *Registry {
	return &Registry{logger: logger}
}

// Add registers res. After Close has started, res is stopped immediately.
func (r *Registry) Add(res Resource) {
	if res == nil {
		return
	}
	e := &registryEntry{res: res}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.stopEntry(e)
		return
	}
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Names returns resource names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.res.Name()
	}
	return names
}

// Close stops every registered resource, newest first. A failing resource
// does not prevent the rest from being stopped; all errors are joined.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*registryEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.stopEntry(entries[i]); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", entries[i].res.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) stopEntry(e *registryEntry) error {
	err := e.stop()
	if r.logger != nil {
		r.logger.ResourceStop(e.res.Name(), err)
	}
	return err
}
