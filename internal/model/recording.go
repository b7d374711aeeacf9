package model

import (
	"time"
)

// RecordingStatus represents the current state of a recording in the
// processing pipeline.
type RecordingStatus string

const (
	StatusUploaded     RecordingStatus = "uploaded"
	StatusTranscribing RecordingStatus = "transcribing"
	StatusTranscribed  RecordingStatus = "transcribed"
	StatusProcessing   RecordingStatus = "processing"
	StatusValidating   RecordingStatus = "validating"
	StatusSyncing      RecordingStatus = "syncing"
	StatusSynced       RecordingStatus = "synced"
	StatusError        RecordingStatus = "error"
)

// transitions is the forward edge set of the pipeline state machine.
// Error is reachable from every non-terminal state; Uploaded is re-entered
// only through an explicit reprocess of a terminal recording.
var transitions = map[RecordingStatus][]RecordingStatus{
	StatusUploaded:     {StatusTranscribing, StatusError},
	StatusTranscribing: {StatusTranscribed, StatusError},
	StatusTranscribed:  {StatusProcessing, StatusError},
	StatusProcessing:   {StatusValidating, StatusError},
	StatusValidating:   {StatusSyncing, StatusError},
	StatusSyncing:      {StatusSynced, StatusError},
	StatusSynced:       {StatusUploaded},
	StatusError:        {StatusUploaded},
}

// CanTransition reports whether moving from one status to another follows
// the pipeline state machine.
func (s RecordingStatus) CanTransition(to RecordingStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a pipeline end state.
func (s RecordingStatus) Terminal() bool {
	return s == StatusSynced || s == StatusError
}

// Recording represents one voice-note submission and its progress through
// the pipeline. Artifacts (transcript, extracted data, payload) are filled
// in by the orchestrator as each step completes.
type Recording struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`

	Filename    string `json:"filename"`
	AudioPath   string `json:"audio_path"`
	ContentType string `json:"content_type,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`

	Status RecordingStatus `json:"status"`

	Transcript           string  `json:"transcript,omitempty"`
	TranscriptConfidence float64 `json:"transcript_confidence,omitempty"`

	ExtractedData        map[string]any `json:"extracted_data,omitempty"`
	ExtractionConfidence float64        `json:"extraction_confidence,omitempty"`

	Payload    map[string]any `json:"payload,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`

	LastError *StepError `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
