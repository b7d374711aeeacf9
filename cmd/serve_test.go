package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdsync/herdsync/internal/audio"
	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/extract"
	"github.com/herdsync/herdsync/internal/model"
	"github.com/herdsync/herdsync/internal/pipeline"
	"github.com/herdsync/herdsync/internal/store"
	"github.com/herdsync/herdsync/internal/transcribe"
	"github.com/herdsync/herdsync/pkg/crm"
)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, string) (*transcribe.Result, error) {
	return &transcribe.Result{Text: "tag 42 vaccinated", Confidence: 0.9}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string, *model.SchemaMapping) (*extract.Result, error) {
	return &extract.Result{Data: map[string]any{"ear_tag": "42"}, Confidence: 0.8}, nil
}

type stubCRM struct{}

func (stubCRM) CreateEntity(context.Context, crm.Credentials, string, map[string]any) (string, error) {
	return "crm-guid", nil
}

func (stubCRM) GetEntity(context.Context, crm.Credentials, string, string) (map[string]any, error) {
	return nil, nil
}

func (stubCRM) QueryEntities(context.Context, crm.Credentials, string, crm.Query) ([]map[string]any, error) {
	return nil, nil
}

func newTestEnv(t *testing.T) (*Env, *model.Tenant) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	tenant := &model.Tenant{
		ID:              uuid.NewString(),
		Name:            "Oak Creek Farm",
		IsActive:        true,
		CRMBaseURL:      "https://org.crm.dynamics.com",
		CRMClientID:     "cid",
		CRMClientSecret: "secret",
		CRMTenantID:     "dir",
	}
	require.NoError(t, st.CreateTenant(ctx, tenant))
	require.NoError(t, st.UpsertSchemaMapping(ctx, &model.SchemaMapping{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		EntityType: "animal_health",
		EntitySet:  "cr_animalhealthrecords",
		Fields:     []model.FieldDef{{Key: "ear_tag", Target: "cr_eartag", Type: model.FieldString, Required: true}},
	}))

	cfg = &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}

	p := pipeline.New(config.PipelineConfig{StepTimeoutSecs: 5}, st, stubTranscriber{}, stubExtractor{}, stubCRM{}, pipeline.NewStoreResolver(st))

	return &Env{
		Store:    st,
		Audio:    audio.NewLocalStore(t.TempDir()),
		Pipeline: p,
	}, tenant
}

func uploadRequest(t *testing.T, tenantID, entityType string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("tenant_id", tenantID))
	require.NoError(t, mw.WriteField("entity_type", entityType))
	part, err := mw.CreateFormFile("file", "note.m4a")
	require.NoError(t, err)
	_, err = part.Write([]byte("audio-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recordings", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	env, _ := newTestEnv(t)
	router := newRouter(env)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadRecording(t *testing.T) {
	env, tenant := newTestEnv(t)
	router := newRouter(env)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, tenant.ID, "animal_health"))

	require.Equal(t, http.StatusAccepted, w.Code)

	var rec model.Recording
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, tenant.ID, rec.TenantID)
	assert.Equal(t, "note.m4a", rec.Filename)
	assert.Equal(t, int64(len("audio-bytes")), rec.FileSize)

	// Background processing drives the recording to synced.
	require.Eventually(t, func() bool {
		got, err := env.Store.GetRecording(context.Background(), rec.ID)
		return err == nil && got.Status == model.StatusSynced
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUploadRejectsUnknownTenant(t *testing.T) {
	env, _ := newTestEnv(t)
	router := newRouter(env)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, uuid.NewString(), "animal_health"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadRejectsInactiveTenant(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	inactive := &model.Tenant{
		ID:              uuid.NewString(),
		Name:            "Closed Farm",
		IsActive:        false,
		CRMBaseURL:      "https://x.crm.dynamics.com",
		CRMClientID:     "cid",
		CRMClientSecret: "secret",
		CRMTenantID:     "dir",
	}
	require.NoError(t, env.Store.CreateTenant(ctx, inactive))

	router := newRouter(env)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, inactive.ID, "animal_health"))

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetAndListRecordings(t *testing.T) {
	env, tenant := newTestEnv(t)
	ctx := context.Background()

	rec := &model.Recording{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		EntityType: "animal_health",
		Filename:   "note.m4a",
		AudioPath:  "/x/note.m4a",
	}
	require.NoError(t, env.Store.CreateRecording(ctx, rec))

	router := newRouter(env)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/recordings/"+rec.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/recordings?tenant_id="+tenant.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Recordings []model.Recording `json:"recordings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Recordings, 1)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/recordings/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReprocessEndpoint(t *testing.T) {
	env, tenant := newTestEnv(t)
	ctx := context.Background()

	rec := &model.Recording{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		EntityType: "animal_health",
		Filename:   "note.m4a",
		AudioPath:  "/x/note.m4a",
	}
	require.NoError(t, env.Store.CreateRecording(ctx, rec))

	router := newRouter(env)

	// Still in flight: conflict.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/recordings/"+rec.ID+"/reprocess", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Park it in an error state, then reprocess succeeds.
	require.NoError(t, env.Store.ClaimRecording(ctx, rec.ID,
		model.StatusUploaded, model.StatusTranscribing, "tok-1", time.Now().Add(-time.Hour)))
	require.NoError(t, env.Store.SaveError(ctx, rec.ID, "tok-1", &model.StepError{Kind: model.ErrSyncFailed, Message: "boom"}))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/recordings/"+rec.ID+"/reprocess", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Unknown id: not found.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/recordings/"+uuid.NewString()+"/reprocess", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
