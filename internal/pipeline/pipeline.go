// Package pipeline drives recordings through transcription, extraction,
// validation, and CRM sync. Each step persists its artifact and the new
// status in one durable write, so a crashed worker resumes from the last
// completed step instead of repeating work or losing it.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/extract"
	"github.com/herdsync/herdsync/internal/model"
	"github.com/herdsync/herdsync/internal/store"
	"github.com/herdsync/herdsync/internal/transcribe"
	"github.com/herdsync/herdsync/internal/validate"
	"github.com/herdsync/herdsync/pkg/crm"
)

// ErrInvalidState means a reprocess was requested for a recording that has
// not reached a terminal state.
var ErrInvalidState = errors.New("recording is still being processed")

// CredentialResolver looks up a tenant's CRM credentials. The pipeline
// resolves fresh for every sync attempt so rotated secrets apply without a
// restart.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID string) (crm.Credentials, error)
}

// StoreResolver resolves credentials from the tenant store.
type StoreResolver struct {
	store store.Store
}

// NewStoreResolver creates a StoreResolver.
func NewStoreResolver(st store.Store) *StoreResolver {
	return &StoreResolver{store: st}
}

func (r *StoreResolver) Resolve(ctx context.Context, tenantID string) (crm.Credentials, error) {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return crm.Credentials{}, err
	}
	if !tenant.IsActive {
		return crm.Credentials{}, eris.Errorf("pipeline: tenant %s is inactive", tenantID)
	}
	return crm.Credentials{
		BaseURL:      tenant.CRMBaseURL,
		ClientID:     tenant.CRMClientID,
		ClientSecret: tenant.CRMClientSecret,
		TenantID:     tenant.CRMTenantID,
	}, nil
}

// Pipeline orchestrates the recording lifecycle.
type Pipeline struct {
	cfg         config.PipelineConfig
	store       store.Store
	transcriber transcribe.Transcriber
	extractor   extract.Extractor
	crm         crm.Client
	resolver    CredentialResolver
	locks       *keyedMutex
}

// New creates a Pipeline with all dependencies.
func New(
	cfg config.PipelineConfig,
	st store.Store,
	tr transcribe.Transcriber,
	ex extract.Extractor,
	crmClient crm.Client,
	resolver CredentialResolver,
) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		store:       st,
		transcriber: tr,
		extractor:   ex,
		crm:         crmClient,
		resolver:    resolver,
		locks:       newKeyedMutex(),
	}
}

// Advance runs exactly one pipeline step for the recording and returns its
// refreshed state. A step failure is recorded on the recording (status
// error, typed last_error) and is not an Advance error; the returned error
// reports infrastructure problems only, including losing the claim to
// another worker (store.ErrStatusConflict).
//
// Every step is preceded by a conditional claim that stamps a per-attempt
// token on the recording, so exactly one worker, in any process, runs the
// step and issues its external call. A claim whose holder has gone quiet
// for longer than the step timeout counts as abandoned and is retaken; the
// abandoned holder's late writes then miss the token and are discarded.
func (p *Pipeline) Advance(ctx context.Context, id string) (*model.Recording, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	rec, err := p.store.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("recording_id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("status", string(rec.Status)),
	)

	token := uuid.NewString()
	cutoff := time.Now().UTC().Add(-p.cfg.StepTimeout())
	claim := func(from, to model.RecordingStatus) error {
		return p.store.ClaimRecording(ctx, id, from, to, token, cutoff)
	}

	switch rec.Status {
	case model.StatusUploaded:
		if err := claim(model.StatusUploaded, model.StatusTranscribing); err != nil {
			return nil, err
		}
		err = p.transcribeStep(ctx, rec, token, log)
	case model.StatusTranscribing:
		// Stranded by a crashed worker; retake once its claim lapses.
		if err := claim(model.StatusTranscribing, model.StatusTranscribing); err != nil {
			return nil, err
		}
		err = p.transcribeStep(ctx, rec, token, log)
	case model.StatusTranscribed:
		if err := claim(model.StatusTranscribed, model.StatusTranscribed); err != nil {
			return nil, err
		}
		err = p.extractStep(ctx, rec, token, log)
	case model.StatusProcessing:
		if err := claim(model.StatusProcessing, model.StatusValidating); err != nil {
			return nil, err
		}
		err = p.validateStep(ctx, rec, token, log)
	case model.StatusValidating:
		if err := claim(model.StatusValidating, model.StatusValidating); err != nil {
			return nil, err
		}
		err = p.validateStep(ctx, rec, token, log)
	case model.StatusSyncing:
		if err := claim(model.StatusSyncing, model.StatusSyncing); err != nil {
			return nil, err
		}
		err = p.syncStep(ctx, rec, token, log)
	case model.StatusSynced, model.StatusError:
		return rec, nil
	default:
		return nil, eris.Errorf("pipeline: recording %s has unknown status %q", id, rec.Status)
	}
	if err != nil {
		return nil, err
	}

	return p.store.GetRecording(ctx, id)
}

// Process advances the recording until it reaches a terminal state.
func (p *Pipeline) Process(ctx context.Context, id string) (*model.Recording, error) {
	for {
		rec, err := p.Advance(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
	}
}

// Reprocess returns a finished recording to the start of the pipeline,
// clearing its prior error and sync identifiers. Recordings still in
// flight are rejected with ErrInvalidState.
func (p *Pipeline) Reprocess(ctx context.Context, id string) (*model.Recording, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	rec, err := p.store.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Terminal() {
		return nil, eris.Wrapf(ErrInvalidState, "pipeline: recording %s is %s", id, rec.Status)
	}

	if err := p.store.ResetRecording(ctx, id); err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: recording queued for reprocessing",
		zap.String("recording_id", id),
		zap.String("previous_status", string(rec.Status)))

	return p.store.GetRecording(ctx, id)
}

// pendingStatuses are the states a worker sweep picks up, including the
// mid-step states left behind by a crash.
var pendingStatuses = []model.RecordingStatus{
	model.StatusUploaded,
	model.StatusTranscribing,
	model.StatusTranscribed,
	model.StatusProcessing,
	model.StatusValidating,
	model.StatusSyncing,
}

// ProcessPending drives every non-terminal recording to completion, at most
// MaxConcurrent at a time. Failed recordings park in the error state, and a
// recording claimed by another worker mid-sweep is skipped; neither blocks
// the rest of the sweep.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	seen := make(map[string]bool)
	var ids []string

	for _, status := range pendingStatuses {
		recs, err := p.store.ListRecordings(ctx, store.RecordingFilter{Status: status})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !seen[rec.ID] {
				seen[rec.ID] = true
				ids = append(ids, rec.ID)
			}
		}
	}

	if len(ids) == 0 {
		return nil
	}

	maxConcurrent := p.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for _, id := range ids {
		g.Go(func() error {
			if _, err := p.Process(ctx, id); err != nil {
				switch {
				case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrRecordingNotFound):
					zap.L().Debug("pipeline: recording handled elsewhere, skipping",
						zap.String("recording_id", id), zap.Error(err))
				default:
					zap.L().Warn("pipeline: sweep could not advance recording",
						zap.String("recording_id", id), zap.Error(err))
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// --- steps ---

func (p *Pipeline) transcribeStep(ctx context.Context, rec *model.Recording, token string, log *zap.Logger) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout())
	defer cancel()

	result, err := p.transcriber.Transcribe(stepCtx, rec.AudioPath)
	if err != nil {
		log.Warn("pipeline: transcription failed", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrTranscriptionFailed,
			Message: err.Error(),
		})
	}

	log.Info("pipeline: transcribed",
		zap.Int("transcript_chars", len(result.Text)),
		zap.Float64("confidence", result.Confidence))

	return p.store.SaveTranscript(ctx, rec.ID, token, result.Text, result.Confidence)
}

func (p *Pipeline) extractStep(ctx context.Context, rec *model.Recording, token string, log *zap.Logger) error {
	mapping, err := p.store.GetSchemaMapping(ctx, rec.TenantID, rec.EntityType)
	if err != nil {
		log.Warn("pipeline: no schema mapping for extraction", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrExtractionFailed,
			Message: err.Error(),
		})
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout())
	defer cancel()

	result, err := p.extractor.Extract(stepCtx, rec.Transcript, mapping)
	if err != nil {
		log.Warn("pipeline: extraction failed", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrExtractionFailed,
			Message: err.Error(),
		})
	}

	log.Info("pipeline: extracted",
		zap.Int("fields", len(result.Data)),
		zap.Float64("confidence", result.Confidence))

	return p.store.SaveExtraction(ctx, rec.ID, token, result.Data, result.Confidence)
}

func (p *Pipeline) validateStep(ctx context.Context, rec *model.Recording, token string, log *zap.Logger) error {
	mapping, err := p.store.GetSchemaMapping(ctx, rec.TenantID, rec.EntityType)
	if err != nil {
		log.Warn("pipeline: no schema mapping for validation", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrValidationFailed,
			Message: err.Error(),
		})
	}

	payload, stepErr := validate.Payload(mapping, rec.ExtractedData)
	if stepErr != nil {
		labels := make([]string, 0, len(stepErr.Fields))
		for _, f := range mapping.Fields {
			if _, failed := stepErr.Fields[f.Key]; failed {
				labels = append(labels, validate.Label(f))
			}
		}
		log.Warn("pipeline: validation failed", zap.Strings("fields", labels))
		return p.store.SaveError(ctx, rec.ID, token, stepErr)
	}

	return p.store.SavePayload(ctx, rec.ID, token, payload)
}

func (p *Pipeline) syncStep(ctx context.Context, rec *model.Recording, token string, log *zap.Logger) error {
	creds, err := p.resolver.Resolve(ctx, rec.TenantID)
	if err != nil {
		log.Warn("pipeline: credential resolution failed", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrAuthFailed,
			Message: err.Error(),
		})
	}

	mapping, err := p.store.GetSchemaMapping(ctx, rec.TenantID, rec.EntityType)
	if err != nil {
		log.Warn("pipeline: no schema mapping for sync", zap.Error(err))
		return p.store.SaveError(ctx, rec.ID, token, &model.StepError{
			Kind:    model.ErrSyncFailed,
			Message: err.Error(),
		})
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout())
	defer cancel()

	externalID, err := p.crm.CreateEntity(stepCtx, creds, mapping.EntitySet, rec.Payload)
	if err != nil {
		return p.store.SaveError(ctx, rec.ID, token, classifySyncError(err))
	}

	log.Info("pipeline: synced", zap.String("external_id", externalID))

	return p.store.SaveSyncResult(ctx, rec.ID, token, externalID)
}

// classifySyncError maps CRM failures onto the stored error taxonomy.
func classifySyncError(err error) *model.StepError {
	var authErr *crm.AuthError
	if errors.As(err, &authErr) {
		return &model.StepError{
			Kind:    model.ErrAuthFailed,
			Message: err.Error(),
			Status:  authErr.Status,
			Body:    authErr.Body,
		}
	}

	var remoteErr *crm.RemoteError
	if errors.As(err, &remoteErr) {
		return &model.StepError{
			Kind:    model.ErrSyncFailed,
			Message: err.Error(),
			Status:  remoteErr.Status,
			Body:    remoteErr.Body,
		}
	}

	return &model.StepError{
		Kind:    model.ErrSyncFailed,
		Message: err.Error(),
	}
}
