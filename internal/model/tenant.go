package model

import "time"

// Tenant is an isolated customer context with its own external-system
// credentials and schema mappings. Credentials are administered out of
// band and resolved fresh for every sync attempt so rotations take effect
// immediately.
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`

	// External CRM access configuration.
	CRMBaseURL      string `json:"crm_base_url"`
	CRMClientID     string `json:"crm_client_id"`
	CRMClientSecret string `json:"crm_client_secret"`
	CRMTenantID     string `json:"crm_tenant_id"` // identity provider directory

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldType is the declared value type of a schema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldDate   FieldType = "date"
	FieldEnum   FieldType = "enum"
	FieldNumber FieldType = "number"
)

// FieldDef declares one field of a schema mapping: where it comes from in
// extracted data (Key plus Synonyms) and where it goes in the external
// system (Target).
type FieldDef struct {
	Key      string    `json:"key" yaml:"key"`
	Label    string    `json:"label,omitempty" yaml:"label,omitempty"`
	Target   string    `json:"target" yaml:"target"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Enum     []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Synonyms []string  `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// SchemaMapping defines, per (tenant, entity type), the fields a CRM-ready
// payload must carry and the external entity collection they are written to.
type SchemaMapping struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	EntityType string     `json:"entity_type" yaml:"entity_type"`
	EntitySet  string     `json:"entity_set" yaml:"entity_set"`
	Fields     []FieldDef `json:"fields" yaml:"fields"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Field returns the definition for a canonical field key, or nil.
func (m *SchemaMapping) Field(key string) *FieldDef {
	for i := range m.Fields {
		if m.Fields[i].Key == key {
			return &m.Fields[i]
		}
	}
	return nil
}
