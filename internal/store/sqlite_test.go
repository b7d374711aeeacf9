package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdsync/herdsync/internal/model"
)

// livePast makes every existing claim count as live: only unclaimed
// recordings can be taken.
func livePast() time.Time { return time.Now().UTC().Add(-time.Hour) }

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func seedTenant(t *testing.T, s *SQLiteStore) *model.Tenant {
	t.Helper()

	tenant := &model.Tenant{
		ID:              uuid.NewString(),
		Name:            "Oak Creek Farm " + uuid.NewString()[:8],
		IsActive:        true,
		CRMBaseURL:      "https://org.crm.dynamics.com",
		CRMClientID:     "client-id",
		CRMClientSecret: "client-secret",
		CRMTenantID:     "azure-tenant",
	}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func seedRecording(t *testing.T, s *SQLiteStore, tenantID string) *model.Recording {
	t.Helper()

	rec := &model.Recording{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		EntityType:  "animal_health",
		Filename:    "note.m4a",
		AudioPath:   "/storage/note.m4a",
		ContentType: "audio/mp4",
		FileSize:    2048,
	}
	require.NoError(t, s.CreateRecording(context.Background(), rec))
	return rec
}

func TestSQLiteRecordingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)
	rec := seedRecording(t, s, tenant.ID)

	got, err := s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, got.Status)
	assert.Equal(t, "note.m4a", got.Filename)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.ProcessedAt)

	// Walk the happy path: claim before each step, artifact write advances
	// status and releases the claim.
	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusTranscribing, "tok-1", livePast()))

	require.NoError(t, s.SaveTranscript(ctx, rec.ID, "tok-1", "gave tag 42 penicillin", 0.93))
	got, err = s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTranscribed, got.Status)
	assert.Equal(t, "gave tag 42 penicillin", got.Transcript)
	assert.InDelta(t, 0.93, got.TranscriptConfidence, 1e-9)

	// The released claim lets the next step take the recording right away.
	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusTranscribed, model.StatusTranscribed, "tok-2", livePast()))
	require.NoError(t, s.SaveExtraction(ctx, rec.ID, "tok-2", map[string]any{"ear_tag": "42"}, 0.8))
	got, err = s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, "42", got.ExtractedData["ear_tag"])

	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusProcessing, model.StatusValidating, "tok-3", livePast()))

	require.NoError(t, s.SavePayload(ctx, rec.ID, "tok-3", map[string]any{"cr_eartag": "42"}))
	got, err = s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, got.Status)
	assert.Equal(t, "42", got.Payload["cr_eartag"])

	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusSyncing, model.StatusSyncing, "tok-4", livePast()))
	require.NoError(t, s.SaveSyncResult(ctx, rec.ID, "tok-4", "crm-guid-123"))
	got, err = s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, got.Status)
	assert.Equal(t, "crm-guid-123", got.ExternalID)
	require.NotNil(t, got.ProcessedAt)
}

func TestSQLiteGetRecordingNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRecording(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}

func TestSQLiteClaimRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)
	rec := seedRecording(t, s, tenant.ID)

	t.Run("conflict when status moved", func(t *testing.T) {
		require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusTranscribing, "tok-a", livePast()))

		// Second claim from the same starting state must lose.
		err := s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusTranscribing, "tok-b", livePast())
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("live claim is not retaken", func(t *testing.T) {
		err := s.ClaimRecording(ctx, rec.ID, model.StatusTranscribing, model.StatusTranscribing, "tok-b", livePast())
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("abandoned claim is retaken", func(t *testing.T) {
		// A cutoff of now treats the holder as gone quiet.
		err := s.ClaimRecording(ctx, rec.ID, model.StatusTranscribing, model.StatusTranscribing, "tok-b", time.Now().UTC())
		require.NoError(t, err)

		// The original holder's write misses the retaken token.
		err = s.SaveTranscript(ctx, rec.ID, "tok-a", "late write", 0.5)
		assert.ErrorIs(t, err, ErrStatusConflict)

		require.NoError(t, s.SaveTranscript(ctx, rec.ID, "tok-b", "kept write", 0.9))
		got, err := s.GetRecording(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "kept write", got.Transcript)
	})

	t.Run("not found beats conflict", func(t *testing.T) {
		err := s.ClaimRecording(ctx, uuid.NewString(), model.StatusUploaded, model.StatusTranscribing, "tok-c", livePast())
		assert.ErrorIs(t, err, ErrRecordingNotFound)
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		err := s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusSyncing, "tok-d", livePast())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal status transition")
	})
}

func TestSQLiteSaveError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)
	rec := seedRecording(t, s, tenant.ID)

	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusTranscribing, "tok-1", livePast()))

	stepErr := &model.StepError{
		Kind:    model.ErrValidationFailed,
		Message: "ear_tag: required, not provided",
		Fields:  map[string]string{"ear_tag": "required, not provided"},
	}
	require.NoError(t, s.SaveError(ctx, rec.ID, "tok-1", stepErr))

	got, err := s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, model.ErrValidationFailed, got.LastError.Kind)
	assert.Equal(t, "required, not provided", got.LastError.Fields["ear_tag"])
}

func TestSQLiteResetRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)
	rec := seedRecording(t, s, tenant.ID)

	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusUploaded, model.StatusTranscribing, "tok-1", livePast()))
	require.NoError(t, s.SaveTranscript(ctx, rec.ID, "tok-1", "some transcript", 0.9))
	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusTranscribed, model.StatusTranscribed, "tok-2", livePast()))
	require.NoError(t, s.SaveExtraction(ctx, rec.ID, "tok-2", map[string]any{"ear_tag": "42"}, 0.8))
	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusProcessing, model.StatusValidating, "tok-3", livePast()))
	require.NoError(t, s.SavePayload(ctx, rec.ID, "tok-3", map[string]any{"cr_eartag": "42"}))
	require.NoError(t, s.ClaimRecording(ctx, rec.ID, model.StatusSyncing, model.StatusSyncing, "tok-4", livePast()))
	require.NoError(t, s.SaveError(ctx, rec.ID, "tok-4", &model.StepError{
		Kind:    model.ErrSyncFailed,
		Message: "crm returned 500",
		Status:  500,
		Body:    "internal error",
	}))

	require.NoError(t, s.ResetRecording(ctx, rec.ID))

	// Every pipeline artifact is gone: a reset recording looks freshly
	// uploaded to anyone polling it.
	got, err := s.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, got.Status)
	assert.Nil(t, got.LastError)
	assert.Empty(t, got.ExternalID)
	assert.Empty(t, got.Transcript)
	assert.Zero(t, got.TranscriptConfidence)
	assert.Nil(t, got.ExtractedData)
	assert.Zero(t, got.ExtractionConfidence)
	assert.Nil(t, got.Payload)
	assert.Nil(t, got.ProcessedAt)

	err = s.ResetRecording(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}

func TestSQLiteListRecordings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantA := seedTenant(t, s)
	tenantB := seedTenant(t, s)

	for i := 0; i < 3; i++ {
		seedRecording(t, s, tenantA.ID)
	}
	recB := seedRecording(t, s, tenantB.ID)
	require.NoError(t, s.ClaimRecording(ctx, recB.ID, model.StatusUploaded, model.StatusTranscribing, "tok-1", livePast()))
	require.NoError(t, s.SaveTranscript(ctx, recB.ID, "tok-1", "text", 0.9))

	all, err := s.ListRecordings(ctx, RecordingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byTenant, err := s.ListRecordings(ctx, RecordingFilter{TenantID: tenantA.ID})
	require.NoError(t, err)
	assert.Len(t, byTenant, 3)

	byStatus, err := s.ListRecordings(ctx, RecordingFilter{Status: model.StatusTranscribed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, recB.ID, byStatus[0].ID)

	limited, err := s.ListRecordings(ctx, RecordingFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, s)

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Name, got.Name)
	assert.True(t, got.IsActive)
	assert.Equal(t, "https://org.crm.dynamics.com", got.CRMBaseURL)

	_, err = s.GetTenant(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTenantNotFound)

	seedTenant(t, s)
	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 2)
}

func TestSQLiteSchemaMappings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)

	mapping := &model.SchemaMapping{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		EntityType: "animal_health",
		EntitySet:  "cr_animalhealthrecords",
		Fields: []model.FieldDef{
			{Key: "ear_tag", Label: "Ear Tag", Target: "cr_eartag", Type: model.FieldString, Required: true},
			{Key: "treatment_date", Target: "cr_treatmentdate", Type: model.FieldDate},
		},
	}
	require.NoError(t, s.UpsertSchemaMapping(ctx, mapping))

	got, err := s.GetSchemaMapping(ctx, tenant.ID, "animal_health")
	require.NoError(t, err)
	assert.Equal(t, "cr_animalhealthrecords", got.EntitySet)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "cr_eartag", got.Fields[0].Target)
	assert.True(t, got.Fields[0].Required)

	// Upsert on the same tenant/entity pair replaces the mapping.
	mapping.EntitySet = "cr_healthrecords_v2"
	mapping.Fields = mapping.Fields[:1]
	require.NoError(t, s.UpsertSchemaMapping(ctx, mapping))

	got, err = s.GetSchemaMapping(ctx, tenant.ID, "animal_health")
	require.NoError(t, err)
	assert.Equal(t, "cr_healthrecords_v2", got.EntitySet)
	assert.Len(t, got.Fields, 1)

	_, err = s.GetSchemaMapping(ctx, tenant.ID, "feed_inventory")
	assert.ErrorIs(t, err, ErrSchemaMappingNotFound)

	mappings, err := s.ListSchemaMappings(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
}
