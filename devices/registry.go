package devices

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Constructor builds a device manager from a validated spec.
type Constructor func(spec Spec) (Manager, error)

var registeredConstructors = make(map[string]Constructor)

// Register makes a backend constructor available under the given name.
// Registering the same name again replaces the previous constructor.
//
// To be safe, call Register during initialization of a package.
func Register(backend string, constructor Constructor) {
	registeredConstructors[backend] = constructor
}

// Registered returns the sorted names of the registered backends.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New validates the spec and instantiates a device manager through the
// registry.
func New(spec Spec) (Manager, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	constructor, found := registeredConstructors[spec.Backend]
	if !found {
		return nil, errors.Wrapf(ErrInvalidSpec,
			"unknown backend %q for device %q -- registered backends: %s",
			spec.Backend, spec.Name, strings.Join(Registered(), ", "))
	}
	return constructor(spec)
}
