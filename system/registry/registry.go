// Package registry implements the Safe-Attribute Registry: the whitelist
// of type -> {attribute -> policy} that governs every reflective access
// the runtime exposes to generated code. It is built at process init and
// is read-only once Freeze is called.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// AccessKind is how an attribute may be used.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessCall
	AccessBoth
)

func (k AccessKind) allows(want AccessKind) bool {
	if k == AccessBoth || want == AccessBoth {
		return true
	}
	return k == want
}

// SafeAttributeEntry describes the policy for one whitelisted attribute.
type SafeAttributeEntry struct {
	Attribute          string
	Access             AccessKind
	RequiredCapability string // empty if none
	Deprecated         bool
}

// Registry is the process-wide safe-attribute whitelist.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	entries  map[string]map[string]SafeAttributeEntry
	bases    map[string][]string // type -> direct base types, MRO order
	freeOnce sync.Once
}

// New creates an empty, writable Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]map[string]SafeAttributeEntry),
		bases:   make(map[string][]string),
	}
}

// ErrFrozen is returned by mutating methods once Freeze has been called.
var ErrFrozen = fmt.Errorf("registry: already frozen, no further registration allowed")

// Register whitelists attr on typeName with the given policy. Returns
// ErrFrozen if the registry has already been frozen.
func (r *Registry) Register(typeName string, entry SafeAttributeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if strings.HasPrefix(entry.Attribute, "_") {
		return fmt.Errorf("registry: refusing to register underscore-prefixed attribute %q (blanket dunder block)", entry.Attribute)
	}
	m, ok := r.entries[typeName]
	if !ok {
		m = make(map[string]SafeAttributeEntry)
		r.entries[typeName] = m
	}
	m[entry.Attribute] = entry
	return nil
}

// RegisterBase declares that typeName's method-resolution order includes
// baseType immediately after itself (and, transitively, baseType's own
// bases). Order of calls determines MRO precedence among multiple bases.
func (r *Registry) RegisterBase(typeName, baseType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.bases[typeName] = append(r.bases[typeName], baseType)
	return nil
}

// Freeze marks the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.freeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frozen = true
	})
}

// IsSafe reports whether attr may be accessed (read or call) on typeName.
// Any underscore-prefixed attribute is never safe, regardless of registry
// contents. Unknown types have an empty whitelist and so report false for
// everything else.
func (r *Registry) IsSafe(typeName, attr string) bool {
	_, ok := r.lookupAccess(typeName, attr, AccessBoth)
	return ok
}

// Lookup returns the SafeAttributeEntry for attr on typeName (walking
// typeName's MRO), or (zero, false) if it is not whitelisted.
func (r *Registry) Lookup(typeName, attr string) (SafeAttributeEntry, bool) {
	return r.lookupAccess(typeName, attr, AccessBoth)
}

// LookupForAccess is like Lookup but also verifies the entry's AccessKind
// permits the requested kind (e.g. a read-only attribute cannot satisfy a
// call-site check).
func (r *Registry) LookupForAccess(typeName, attr string, want AccessKind) (SafeAttributeEntry, bool) {
	return r.lookupAccess(typeName, attr, want)
}

func (r *Registry) lookupAccess(typeName, attr string, want AccessKind) (SafeAttributeEntry, bool) {
	if strings.HasPrefix(attr, "_") {
		return SafeAttributeEntry{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.mro(typeName) {
		if m, ok := r.entries[t]; ok {
			if entry, ok := m[attr]; ok {
				if want == AccessBoth || entry.Access.allows(want) {
					return entry, true
				}
				return SafeAttributeEntry{}, false
			}
		}
	}
	return SafeAttributeEntry{}, false
}

// mro returns typeName followed by its registered bases in
// method-resolution order (depth-first, matching the order RegisterBase
// was called), deduplicated. Must be called with r.mu held.
func (r *Registry) mro(typeName string) []string {
	seen := make(map[string]bool)
	var order []string
	var visit func(string)
	visit = func(t string) {
		if seen[t] {
			return
		}
		seen[t] = true
		order = append(order, t)
		for _, b := range r.bases[t] {
			visit(b)
		}
	}
	visit(typeName)
	return order
}
