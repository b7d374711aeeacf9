// Package schema loads schema-mapping seed files. Operators describe each
// tenant's entity types and field mappings in YAML and load them with the
// schema command; the store keeps the authoritative copy.
package schema

import (
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/herdsync/herdsync/internal/model"
)

// seedFile is the on-disk layout of a mapping seed.
type seedFile struct {
	TenantID string                `yaml:"tenant_id"`
	Mappings []model.SchemaMapping `yaml:"mappings"`
}

// LoadFile reads a YAML seed file and returns validated mappings bound to
// the tenant named inside the file.
func LoadFile(path string) ([]model.SchemaMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrapf(err, "schema: parse %s", path)
	}
	if seed.TenantID == "" {
		return nil, eris.Errorf("schema: %s missing tenant_id", path)
	}
	if len(seed.Mappings) == 0 {
		return nil, eris.Errorf("schema: %s contains no mappings", path)
	}

	for i := range seed.Mappings {
		m := &seed.Mappings[i]
		m.TenantID = seed.TenantID
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if err := validateMapping(m); err != nil {
			return nil, eris.Wrapf(err, "schema: %s mapping %d", path, i)
		}
	}

	return seed.Mappings, nil
}

func validateMapping(m *model.SchemaMapping) error {
	if m.EntityType == "" {
		return eris.New("entity_type is required")
	}
	if m.EntitySet == "" {
		return eris.New("entity_set is required")
	}
	if len(m.Fields) == 0 {
		return eris.Errorf("mapping %s has no fields", m.EntityType)
	}

	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Key == "" {
			return eris.Errorf("mapping %s: field without key", m.EntityType)
		}
		if seen[f.Key] {
			return eris.Errorf("mapping %s: duplicate field %s", m.EntityType, f.Key)
		}
		seen[f.Key] = true

		if f.Target == "" {
			return eris.Errorf("field %s: target is required", f.Key)
		}
		switch f.Type {
		case model.FieldString, model.FieldDate, model.FieldNumber:
		case model.FieldEnum:
			if len(f.Enum) == 0 {
				return eris.Errorf("field %s: enum type needs values", f.Key)
			}
		default:
			return eris.Errorf("field %s: unknown type %q", f.Key, f.Type)
		}
	}

	return nil
}
