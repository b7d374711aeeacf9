package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/herdsync/herdsync/internal/model"
)

// Typed lookup failures, checked with errors.Is through eris wrapping.
var (
	ErrRecordingNotFound     = errors.New("recording not found")
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrSchemaMappingNotFound = errors.New("schema mapping not found")

	// ErrStatusConflict means a conditional claim lost: the recording moved
	// to a different state, or another worker holds a live claim on it.
	ErrStatusConflict = errors.New("recording status conflict")
)

// RecordingFilter specifies criteria for listing recordings.
type RecordingFilter struct {
	TenantID string                `json:"tenant_id,omitempty"`
	Status   model.RecordingStatus `json:"status,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

// Store defines persistence for recordings, tenants, and schema mappings.
// Artifact writes (transcript, extraction, payload, sync result, error) set
// the recording's status in the same durable write, which is what makes a
// crash mid-step resumable from the last completed step.
type Store interface {
	// Recordings
	CreateRecording(ctx context.Context, rec *model.Recording) error
	GetRecording(ctx context.Context, id string) (*model.Recording, error)
	ListRecordings(ctx context.Context, filter RecordingFilter) ([]model.Recording, error)

	// ClaimRecording stamps the caller's claim token on the recording and
	// moves it from→to in one conditional write, fencing other workers out
	// of the step that follows. The claim succeeds only while the recording
	// is unclaimed; a prior claim whose updated_at has fallen behind cutoff
	// counts as abandoned and may be retaken. from == to retakes a mid-step
	// state left behind by a crashed worker. Returns ErrStatusConflict when
	// the recording moved or another worker holds a live claim.
	ClaimRecording(ctx context.Context, id string, from, to model.RecordingStatus, token string, cutoff time.Time) error

	// Artifact writes succeed only for the holder of the claim token issued
	// by ClaimRecording, and release the claim in the same durable write. A
	// writer whose claim was retaken gets ErrStatusConflict instead of
	// clobbering the new holder's progress.
	SaveTranscript(ctx context.Context, id, token, text string, confidence float64) error
	SaveExtraction(ctx context.Context, id, token string, data map[string]any, confidence float64) error
	SavePayload(ctx context.Context, id, token string, payload map[string]any) error
	SaveSyncResult(ctx context.Context, id, token, externalID string) error
	SaveError(ctx context.Context, id, token string, stepErr *model.StepError) error

	// ResetRecording returns a terminal recording to the uploaded state,
	// clearing every pipeline artifact so the rerun starts clean.
	ResetRecording(ctx context.Context, id string) error

	// Tenants
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)

	// Schema mappings
	UpsertSchemaMapping(ctx context.Context, m *model.SchemaMapping) error
	GetSchemaMapping(ctx context.Context, tenantID, entityType string) (*model.SchemaMapping, error)
	ListSchemaMappings(ctx context.Context, tenantID string) ([]model.SchemaMapping, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// checkTransition rejects claims that do not follow the recording state
// machine. A claim may retake its current status to resume a stranded step.
func checkTransition(from, to model.RecordingStatus) error {
	if from == to || from.CanTransition(to) {
		return nil
	}
	return eris.Errorf("store: illegal status transition %s→%s", from, to)
}
