package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/goatdb/goatdb/internal/value"
)

// fileSchema is the YAML shape cmd/goatdb reads one repository's schema
// from, per its RepositoryConfig.SchemaFile.
type fileSchema struct {
	Namespace string                `yaml:"namespace"`
	Version   int                   `yaml:"version"`
	Fields    map[string]fileField `yaml:"fields"`
}

type fileField struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Nullable bool   `yaml:"nullable"`
	Default  any    `yaml:"default"`
}

// LoadFile parses a YAML schema definition from path and returns the
// *Schema it describes, ready to hand to Registry.Register. Only scalar
// kinds (bool, int, number, string) may carry a default; declaring a
// default for a composite kind (list, set, map, timestamp, blob, richtext)
// is an error — composite defaults are better expressed via an UpgradeFunc
// or left absent with the field required=false.
func LoadFile(path string) (*Schema, error) {
	// #nosec G304 -- path comes from this process's own configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading %s: %w", path, err)
	}

	var fs fileSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("schema: parsing %s: %w", path, err)
	}

	s := &Schema{Namespace: fs.Namespace, Version: fs.Version, Fields: make(map[string]FieldDef, len(fs.Fields))}
	for name, f := range fs.Fields {
		kind, err := parseKind(f.Type)
		if err != nil {
			return nil, fmt.Errorf("schema: %s: field %s: %w", path, name, err)
		}
		def := FieldDef{Type: kind, Required: f.Required, Nullable: f.Nullable}
		if f.Default != nil {
			v, err := defaultValue(kind, f.Default)
			if err != nil {
				return nil, fmt.Errorf("schema: %s: field %s: %w", path, name, err)
			}
			def.Default = v
		}
		s.Fields[name] = def
	}
	return s, nil
}

func parseKind(s string) (value.Kind, error) {
	switch s {
	case "bool":
		return value.KindBool, nil
	case "int":
		return value.KindInt, nil
	case "number":
		return value.KindNum, nil
	case "string":
		return value.KindStr, nil
	case "timestamp":
		return value.KindTimestamp, nil
	case "blob":
		return value.KindBlob, nil
	case "list":
		return value.KindList, nil
	case "set":
		return value.KindSet, nil
	case "map":
		return value.KindMap, nil
	case "richtext":
		return value.KindRichText, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

func defaultValue(kind value.Kind, raw any) (value.Value, error) {
	switch kind {
	case value.KindBool:
		if b, ok := raw.(bool); ok {
			return value.Bool(b), nil
		}
	case value.KindInt:
		switch n := raw.(type) {
		case int:
			return value.Int(int64(n)), nil
		case int64:
			return value.Int(n), nil
		}
	case value.KindNum:
		switch n := raw.(type) {
		case float64:
			return value.Num(n), nil
		case int:
			return value.Num(float64(n)), nil
		}
	case value.KindStr:
		if s, ok := raw.(string); ok {
			return value.Str(s), nil
		}
	default:
		return value.Null, fmt.Errorf("a default is only supported for bool/int/number/string fields, not %s", kind)
	}
	return value.Null, fmt.Errorf("default %v does not match declared type %s", raw, kind)
}
