package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdsync/herdsync/internal/model"
)

func healthMapping() *model.SchemaMapping {
	return &model.SchemaMapping{
		TenantID:   "tenant-1",
		EntityType: "animal_health",
		EntitySet:  "cr_animalhealthrecords",
		Fields: []model.FieldDef{
			{Key: "ear_tag", Target: "cr_eartag", Type: model.FieldString, Required: true, Synonyms: []string{"tag", "tag_number"}},
			{Key: "treatment_date", Target: "cr_treatmentdate", Type: model.FieldDate, Required: true},
			{Key: "treatment_type", Target: "cr_treatmenttype", Type: model.FieldEnum, Enum: []string{"Vaccination", "Antibiotic", "Deworming"}},
			{Key: "dosage_ml", Target: "cr_dosageml", Type: model.FieldNumber},
			{Key: "notes", Target: "cr_notes", Type: model.FieldString},
		},
	}
}

func TestPayloadHappyPath(t *testing.T) {
	payload, stepErr := Payload(healthMapping(), map[string]any{
		"ear_tag":        " 42 ",
		"treatment_date": "03/15/2026",
		"treatment_type": "antibiotic",
		"dosage_ml":      "12.5",
	})
	require.Nil(t, stepErr)

	assert.Equal(t, "42", payload["cr_eartag"])
	assert.Equal(t, "2026-03-15", payload["cr_treatmentdate"])
	assert.Equal(t, "Antibiotic", payload["cr_treatmenttype"])
	assert.Equal(t, 12.5, payload["cr_dosageml"])
	// Optional field never extracted stays out of the payload.
	_, ok := payload["cr_notes"]
	assert.False(t, ok)
}

func TestPayloadCaseInsensitiveAndSynonyms(t *testing.T) {
	payload, stepErr := Payload(healthMapping(), map[string]any{
		"Tag_Number":     "77",
		"TREATMENT_DATE": "2026-01-05",
	})
	require.Nil(t, stepErr)
	assert.Equal(t, "77", payload["cr_eartag"])
	assert.Equal(t, "2026-01-05", payload["cr_treatmentdate"])
}

func TestPayloadCollectsAllFailures(t *testing.T) {
	payload, stepErr := Payload(healthMapping(), map[string]any{
		"treatment_date": "sometime last week",
		"treatment_type": "surgery",
		"dosage_ml":      "a splash",
	})
	require.NotNil(t, stepErr)
	assert.Nil(t, payload)
	assert.Equal(t, model.ErrValidationFailed, stepErr.Kind)

	require.Len(t, stepErr.Fields, 4)
	assert.Equal(t, "required, not provided", stepErr.Fields["ear_tag"])
	assert.Equal(t, `could not parse "sometime last week" as date`, stepErr.Fields["treatment_date"])
	assert.Equal(t, "not one of: Vaccination, Antibiotic, Deworming", stepErr.Fields["treatment_type"])
	assert.Equal(t, `could not parse "a splash" as number`, stepErr.Fields["dosage_ml"])

	// The message enumerates fields deterministically.
	assert.Contains(t, stepErr.Message, "ear_tag: required, not provided")
	assert.Contains(t, stepErr.Message, "treatment_type: not one of")
}

func TestPayloadEmptyDataEnumeratesEveryRequiredField(t *testing.T) {
	mapping := &model.SchemaMapping{
		EntityType: "animal",
		EntitySet:  "cr_animals",
		Fields: []model.FieldDef{
			{Key: "ear_tag", Target: "cr_eartag", Type: model.FieldString, Required: true},
			{Key: "birth_date", Target: "cr_birthdate", Type: model.FieldDate, Required: true},
			{Key: "sex", Target: "cr_sex", Type: model.FieldEnum, Enum: []string{"heifer", "bull", "steer", "cow"}, Required: true},
		},
	}

	_, stepErr := Payload(mapping, map[string]any{})
	require.NotNil(t, stepErr)
	assert.Len(t, stepErr.Fields, 3)
	for _, key := range []string{"ear_tag", "birth_date", "sex"} {
		assert.Equal(t, "required, not provided", stepErr.Fields[key])
	}
}

func TestPayloadIdempotent(t *testing.T) {
	data := map[string]any{
		"ear_tag":        "1234",
		"treatment_date": "January 1, 2025",
	}

	first, errA := Payload(healthMapping(), data)
	second, errB := Payload(healthMapping(), data)

	require.Nil(t, errA)
	require.Nil(t, errB)
	assert.Equal(t, first, second)
}

func TestPayloadEmptyStringIsMissing(t *testing.T) {
	_, stepErr := Payload(healthMapping(), map[string]any{
		"ear_tag":        "  ",
		"treatment_date": "2026-01-05",
	})
	require.NotNil(t, stepErr)
	assert.Equal(t, "required, not provided", stepErr.Fields["ear_tag"])
}

func TestPayloadDateLayouts(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2026-03-15", "2026-03-15"},
		{"03/15/2026", "2026-03-15"},
		{"3/5/2026", "2026-03-05"},
		{"March 15, 2026", "2026-03-15"},
		{"15 March 2026", "2026-03-15"},
		{"2026-03-15T10:30:00Z", "2026-03-15"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			payload, stepErr := Payload(healthMapping(), map[string]any{
				"ear_tag":        "1",
				"treatment_date": tt.in,
			})
			require.Nil(t, stepErr)
			assert.Equal(t, tt.want, payload["cr_treatmentdate"])
		})
	}
}

func TestPayloadNumberFromJSONTypes(t *testing.T) {
	// Extraction output decoded from JSON yields float64 for numbers; the
	// extractor may also hand back a quoted number.
	payload, stepErr := Payload(healthMapping(), map[string]any{
		"ear_tag":        42,
		"treatment_date": "2026-01-05",
		"dosage_ml":      float64(8),
	})
	require.Nil(t, stepErr)
	assert.Equal(t, "42", payload["cr_eartag"])
	assert.Equal(t, float64(8), payload["cr_dosageml"])
}

func TestPayloadIgnoresUnknownKeys(t *testing.T) {
	payload, stepErr := Payload(healthMapping(), map[string]any{
		"ear_tag":        "9",
		"treatment_date": "2026-01-05",
		"weather":        "overcast",
	})
	require.Nil(t, stepErr)
	assert.Len(t, payload, 2)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Ear Tag", Label(model.FieldDef{Key: "ear_tag"}))
	assert.Equal(t, "Dose (ml)", Label(model.FieldDef{Key: "dosage_ml", Label: "Dose (ml)"}))
}
