package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goatdb/goatdb/internal/value"
)

// UpgradeFunc transforms an instance of fromVersion into the shape expected
// by fromVersion+1. Registry.Upgrade chains these to bring an item forward
// to any later registered version.
type UpgradeFunc func(fields map[string]value.Value) map[string]value.Value

// ErrorKind classifies a SchemaError, mirroring the taxonomy in the
// system-wide error design (§7): Unknown, VersionConflict, TypeMismatch.
type ErrorKind uint8

const (
	ErrUnknown ErrorKind = iota
	ErrVersionConflict
	ErrTypeMismatch
)

// SchemaError is returned by Registry operations. It carries enough
// structure (namespace, version, kind) that callers can react by kind via
// errors.As rather than string matching.
type SchemaError struct {
	Kind      ErrorKind
	Namespace string
	Version   int
	Detail    string
}

func (e *SchemaError) Error() string {
	switch e.Kind {
	case ErrVersionConflict:
		return fmt.Sprintf("schema: version conflict for %s@%d: %s", e.Namespace, e.Version, e.Detail)
	case ErrTypeMismatch:
		return fmt.Sprintf("schema: type mismatch in %s@%d: %s", e.Namespace, e.Version, e.Detail)
	default:
		return fmt.Sprintf("schema: unknown schema %s@%d", e.Namespace, e.Version)
	}
}

// namespaceEntry holds every registered version of a namespace, plus the
// upgrade function from each version to the next.
type namespaceEntry struct {
	versions map[int]*Schema
	upgrades map[int]UpgradeFunc // upgrades[v] moves v -> v+1
	latest   int
}

// Registry is a namespaced, versioned collection of Schemas. It is intended
// to be shared read-mostly across repositories (see §5 "Shared-resource
// policy": updates happen at init and are fenced before any repository
// opens), so all operations take an internal RWMutex.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceEntry
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*namespaceEntry)}
}

// defaultRegistry is the process-wide instance returned by Default, per
// §4.3 "Process-wide state with a default instance."
var defaultRegistry = NewRegistry()

// Default returns the process-wide schema registry.
func Default() *Registry { return defaultRegistry }

// Register adds s to the registry. Registering the same (namespace,
// version) twice with an identical field set is a no-op (idempotent);
// registering it with a different field set is a VersionConflict.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.namespaces[s.Namespace]
	if !ok {
		entry = &namespaceEntry{versions: make(map[int]*Schema), upgrades: make(map[int]UpgradeFunc), latest: s.Version}
		r.namespaces[s.Namespace] = entry
	}

	if existing, ok := entry.versions[s.Version]; ok {
		if !sameFields(existing.Fields, s.Fields) {
			return &SchemaError{Kind: ErrVersionConflict, Namespace: s.Namespace, Version: s.Version, Detail: "conflicting field definitions for already-registered version"}
		}
		return nil
	}

	cp := *s
	entry.versions[s.Version] = &cp
	if s.Version > entry.latest {
		entry.latest = s.Version
	}
	return nil
}

// RegisterUpgrade registers the function that upgrades namespace ns from
// fromVersion to fromVersion+1.
func (r *Registry) RegisterUpgrade(ns string, fromVersion int, fn UpgradeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.namespaces[ns]
	if !ok {
		return &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: fromVersion}
	}
	entry.upgrades[fromVersion] = fn
	return nil
}

// Get returns the registered schema for (ns, version).
func (r *Registry) Get(ns string, version int) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.namespaces[ns]
	if !ok {
		return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: version}
	}
	s, ok := entry.versions[version]
	if !ok {
		return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: version}
	}
	return s, nil
}

// Latest returns the highest registered version for ns.
func (r *Registry) Latest(ns string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.namespaces[ns]
	if !ok {
		return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns}
	}
	s, ok := entry.versions[entry.latest]
	if !ok {
		return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: entry.latest}
	}
	return s, nil
}

// Upgrade applies every registered intermediate upgrade function to move
// fields from fromVersion to targetVersion, in order. If targetVersion is
// less than or equal to fromVersion, fields is returned unchanged.
func (r *Registry) Upgrade(ns string, fromVersion, targetVersion int, fields map[string]value.Value) (map[string]value.Value, error) {
	r.mu.RLock()
	entry, ok := r.namespaces[ns]
	if !ok {
		r.mu.RUnlock()
		return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: fromVersion}
	}
	upgrades := entry.upgrades
	r.mu.RUnlock()

	out := fields
	for v := fromVersion; v < targetVersion; v++ {
		fn, ok := upgrades[v]
		if !ok {
			return nil, &SchemaError{Kind: ErrUnknown, Namespace: ns, Version: v, Detail: "no registered upgrade from this version"}
		}
		out = fn(out)
	}
	return out, nil
}

// NullItem returns the canonical zero document for the latest version of
// ns.
func (r *Registry) NullItem(ns string) (map[string]value.Value, error) {
	s, err := r.Latest(ns)
	if err != nil {
		return nil, err
	}
	return s.NullItem(), nil
}

// Namespaces returns every registered namespace name, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func sameFields(a, b map[string]FieldDef) bool {
	if len(a) != len(b) {
		return false
	}
	for name, da := range a {
		db, ok := b[name]
		if !ok {
			return false
		}
		if da.Type != db.Type || da.Required != db.Required || da.Nullable != db.Nullable {
			return false
		}
		if !value.Equal(da.Default, db.Default) {
			return false
		}
	}
	return true
}
