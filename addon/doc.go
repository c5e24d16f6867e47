// Package addon holds the addon registry: the mapping from addon names to the
// factories that create and destroy extension logic.
//
// # Overview
//
// A graph node names an addon; when an engine starts the node, its extension
// thread asks the registry to create an instance and later to destroy it. Both
// calls complete through a callback, so an addon may build its logic on any
// goroutine and take as long as it needs.
//
// The registry is the only state shared by every engine of an app. It is
// written while the process sets itself up and effectively read-only after.
// It is owned by the app and passed down by constructor, never reached
// through a package-level variable.
//
// # Basic Usage
//
// Register an addon built from a constructor:
//
//	reg := addon.NewRegistry()
//	err := reg.Register("ponger", addon.FuncAddon(func(instance string) (extension.Logic, error) {
//	    return &ponger{}, nil
//	}))
//
// Registering the same name twice fails with DUPLICATE_REGISTRATION:
//
//	err = reg.Register("ponger", other)
//	errors.Is(err, errors.ErrCodeDuplicateRegistration) // true
//
// The registry implements extension.Factory and is handed to engines as is.
package addon
