package addon

import (
	"sort"
	"sync"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/extension"
)

// Addon creates and destroys the logic of one addon. Both calls may complete
// on any goroutine and must call done exactly once.
type Addon interface {
	Create(instance string, done func(extension.Logic, error))
	Destroy(logic extension.Logic, done func())
}

// FuncAddon adapts a plain constructor. Creation runs on its own goroutine.
type FuncAddon func(instance string) (extension.Logic, error)

// Create implements Addon.
func (f FuncAddon) Create(instance string, done func(extension.Logic, error)) {
	go func() {
		var (
			logic extension.Logic
			err   error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errors.RecoverPanic(r)
				}
			}()
			logic, err = f(instance)
		}()
		done(logic, err)
	}()
}

// Destroy implements Addon. Logic releases its resources in OnDeinit.
func (f FuncAddon) Destroy(_ extension.Logic, done func()) {
	done()
}

// Registry maps addon names to addons. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	addons map[string]Addon
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{addons: make(map[string]Addon)}
}

// Register adds an addon under name.
func (r *Registry) Register(name string, a Addon) error {
	if name == "" {
		return errors.InvalidArgument("addon name is empty")
	}
	if a == nil {
		return errors.InvalidArgument("addon %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.AlreadyClosed("addon registry")
	}
	if _, exists := r.addons[name]; exists {
		return errors.DuplicateRegistration(name)
	}
	r.addons[name] = a
	return nil
}

// Deregister removes an addon. Instances already created keep working.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.addons[name]; !exists {
		return errors.NotFound("addon " + name)
	}
	delete(r.addons, name)
	return nil
}

// Get returns the addon registered under name.
func (r *Registry) Get(name string) (Addon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, errors.AlreadyClosed("addon registry")
	}
	a, exists := r.addons[name]
	if !exists {
		return nil, errors.NotFound("addon " + name)
	}
	return a, nil
}

// Names returns the registered addon names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.addons))
	for name := range r.addons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create implements extension.Factory. An unknown addon completes with
// NOT_FOUND.
func (r *Registry) Create(addon, instance string, done func(extension.Logic, error)) {
	a, err := r.Get(addon)
	if err != nil {
		go done(nil, err)
		return
	}
	a.Create(instance, done)
}

// Destroy implements extension.Factory. Logic whose addon was deregistered in
// the meantime is simply forgotten.
func (r *Registry) Destroy(addon string, logic extension.Logic, done func()) {
	r.mu.RLock()
	a, exists := r.addons[addon]
	r.mu.RUnlock()
	if !exists {
		go done()
		return
	}
	a.Destroy(logic, done)
}

// Close refuses further registrations and creations.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

var _ extension.Factory = (*Registry)(nil)
