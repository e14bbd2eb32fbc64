package serialization

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	ErrUnknownType   = errors.New("serialization: type not registered")
	ErrDuplicateType = errors.New("serialization: type name already registered")
)

type typeEntry struct {
	name    string
	factory func() any
	match   func(any) bool
}

// TypeRegistry maps x-message-type tags to factories. Registrations are made
// at configuration time through Register.
type TypeRegistry struct {
	mu      sync.RWMutex
	byName  map[string]typeEntry
	ordered []typeEntry
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]typeEntry),
	}
}

// Register binds typeName to T. Payloads are decoded into a *T.
func Register[T any](r *TypeRegistry, typeName string) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	entry := typeEntry{
		name:    typeName,
		factory: func() any { return new(T) },
		match: func(msg any) bool {
			switch msg.(type) {
			case *T, T:
				return true
			}
			return false
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byName[typeName]; exists {
		if existing.match(new(T)) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateType, typeName)
	}

	r.byName[typeName] = entry
	r.ordered = append(r.ordered, entry)
	return nil
}

// MustRegister is Register that panics on error
func MustRegister[T any](r *TypeRegistry, typeName string) {
	if err := Register[T](r, typeName); err != nil {
		panic(err)
	}
}

// New creates a fresh instance for typeName
func (r *TypeRegistry) New(typeName string) (any, error) {
	r.mu.RLock()
	entry, exists := r.byName[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return entry.factory(), nil
}

// TypeName resolves the tag of msg. A tag declared by the message itself wins
// over the registrations.
func (r *TypeRegistry) TypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}
	if name := contracts.MessageTypeOf(msg); name != "" {
		return name, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.ordered {
		if entry.match(msg) {
			return entry.name, nil
		}
	}
	return "", fmt.Errorf("%w: %T", ErrUnknownType, msg)
}

// IsRegistered checks if a type is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byName[typeName]
	return exists
}

// ListTypes returns all registered type names, sorted
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
