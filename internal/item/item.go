// Package item implements GoatDB's mutable document type (component C5):
// typed fields bound to a schema, dirty tracking, clone/diff/patch, and the
// change-set representation the three-way merge (internal/merge) applies
// per field.
package item

import (
	"sort"

	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/value"
)

// Item is a document bound to a schema version plus a field map. An Item
// marked Deleted retains its key (tracked by the caller, e.g.
// internal/repository) but reads back as the schema's null item.
type Item struct {
	Namespace string
	Version   int
	fields    map[string]value.Value
	dirty     map[string]struct{}
	Deleted   bool
}

// New creates an Item for (ns, version) with the given initial fields.
// Fields are validated against the schema if reg is non-nil.
func New(reg *schema.Registry, ns string, version int, fields map[string]value.Value) (*Item, error) {
	it := &Item{Namespace: ns, Version: version, fields: make(map[string]value.Value, len(fields)), dirty: make(map[string]struct{})}
	for k, v := range fields {
		it.fields[k] = v.Clone()
	}
	if reg != nil {
		s, err := reg.Get(ns, version)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(it.fields); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Get returns the field's value and whether it is present in the field map.
// Neither New nor Get fills in schema defaults (only AsNullItem's document
// carries them). An absent field reads back as value.Null, ok=false.
func (it *Item) Get(field string) (value.Value, bool) {
	v, ok := it.fields[field]
	return v, ok
}

// Has reports explicit presence, distinguishing it from an absent field
// (which also reads back as null via Get).
func (it *Item) Has(field string) bool {
	_, ok := it.fields[field]
	return ok
}

// Set assigns field and marks it dirty. Type checking against a schema is
// the caller's responsibility via schema.Schema.Validate — Set itself never
// rejects a value, matching the typed-result design (errors are returned by
// the operations that own the schema, not by the document itself).
func (it *Item) Set(field string, v value.Value) {
	it.fields[field] = v.Clone()
	it.dirty[field] = struct{}{}
}

// Clear removes field, marking it dirty (absent rather than merely null).
func (it *Item) Clear(field string) {
	delete(it.fields, field)
	it.dirty[field] = struct{}{}
}

// DirtyFields returns the set of field names touched since the Item was
// constructed, sorted for deterministic iteration.
func (it *Item) DirtyFields() []string {
	out := make([]string, 0, len(it.dirty))
	for f := range it.dirty {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Fields returns a copy of the full field map.
func (it *Item) Fields() map[string]value.Value {
	out := make(map[string]value.Value, len(it.fields))
	for k, v := range it.fields {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy sharing no mutable state with it.
func (it *Item) Clone() *Item {
	out := &Item{
		Namespace: it.Namespace,
		Version:   it.Version,
		Deleted:   it.Deleted,
		fields:    make(map[string]value.Value, len(it.fields)),
		dirty:     make(map[string]struct{}, len(it.dirty)),
	}
	for k, v := range it.fields {
		out.fields[k] = v.Clone()
	}
	for k := range it.dirty {
		out.dirty[k] = struct{}{}
	}
	return out
}

// Equal compares two items by canonical form of their field maps, schema
// identity, and deleted flag.
func (it *Item) Equal(other *Item) bool {
	if it.Namespace != other.Namespace || it.Version != other.Version || it.Deleted != other.Deleted {
		return false
	}
	return value.Equal(value.Map(it.fields), value.Map(other.fields))
}

// Checksum returns a stable digest of the item's canonical form, used as
// the basis for delta validity (comparing a commit's delta base against the
// current materialized value without paying for a full diff).
func (it *Item) Checksum() [32]byte {
	return value.CanonicalHash(value.Map(it.fields))
}

// AsNullItem returns the schema's canonical null document for it's
// namespace/version, per the "deleted item reads as schema's null item"
// invariant.
func AsNullItem(reg *schema.Registry, ns string, version int) (*Item, error) {
	s, err := reg.Get(ns, version)
	if err != nil {
		return nil, err
	}
	return &Item{Namespace: ns, Version: version, fields: s.NullItem(), dirty: map[string]struct{}{}, Deleted: true}, nil
}

// Upgrade returns a copy of it with fields brought forward to targetVersion
// via the registry's upgrade chain, per §4.3: "an item with an older schema
// version is transparently upgraded by running each intermediate upgrade
// function" on read.
func (it *Item) Upgrade(reg *schema.Registry, targetVersion int) (*Item, error) {
	if it.Version >= targetVersion {
		return it, nil
	}
	upgraded, err := reg.Upgrade(it.Namespace, it.Version, targetVersion, it.fields)
	if err != nil {
		return nil, err
	}
	out := it.Clone()
	out.Version = targetVersion
	out.fields = upgraded
	return out, nil
}
