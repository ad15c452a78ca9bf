// Package schema implements GoatDB's namespaced, versioned field registry
// (component C4): per-field typing, required/default/nullable declarations,
// and the upgrade chain that brings an older item forward to the current
// version.
package schema

import (
	"github.com/goatdb/goatdb/internal/value"
)

// FieldDef declares a single field of a schema.
type FieldDef struct {
	Type     value.Kind
	Required bool
	Nullable bool
	Default  value.Value
}

// Schema is identified by (Namespace, Version) and declares its fields.
// Schemas are immutable once registered — an UpgradeFunc registered against
// the Registry is the only sanctioned way to move a document from one
// version to the next.
type Schema struct {
	Namespace string
	Version   int
	Fields    map[string]FieldDef
}

// Key returns the (namespace, version) identity as a single comparable
// string, used as the map key inside Registry.
func (s *Schema) Key() string { return key(s.Namespace, s.Version) }

func key(ns string, version int) string {
	return ns + "@" + itoa(version)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NullItem returns the schema's canonical zero document: every field set to
// its declared default, or value.Null for fields without one.
func (s *Schema) NullItem() map[string]value.Value {
	out := make(map[string]value.Value, len(s.Fields))
	for name, def := range s.Fields {
		if !def.Default.IsNull() {
			out[name] = def.Default.Clone()
			continue
		}
		out[name] = value.Null
	}
	return out
}

// Validate checks that fields holds a legal instance of s: every required
// field is present and non-null (or has a default), and every present
// field's Kind matches its declaration.
func (s *Schema) Validate(fields map[string]value.Value) error {
	for name, def := range s.Fields {
		v, present := fields[name]
		if !present {
			if def.Required && def.Default.IsNull() {
				return &FieldError{Namespace: s.Namespace, Version: s.Version, Field: name, Reason: "required field missing"}
			}
			continue
		}
		if v.IsNull() {
			if !def.Nullable && def.Required {
				return &FieldError{Namespace: s.Namespace, Version: s.Version, Field: name, Reason: "field is not nullable"}
			}
			continue
		}
		if v.Kind() != def.Type {
			return &FieldError{Namespace: s.Namespace, Version: s.Version, Field: name, Reason: "type mismatch: expected " + def.Type.String() + ", got " + v.Kind().String()}
		}
	}
	return nil
}

// FieldError reports a schema-validation failure for one field.
type FieldError struct {
	Namespace string
	Version   int
	Field     string
	Reason    string
}

func (e *FieldError) Error() string {
	return "schema " + e.Namespace + "@" + itoa(e.Version) + ": field " + e.Field + ": " + e.Reason
}
