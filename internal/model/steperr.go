package model

import (
	"sort"
	"strings"
)

// ErrorKind classifies which pipeline step failed.
type ErrorKind string

const (
	ErrTranscriptionFailed ErrorKind = "transcription_failed"
	ErrExtractionFailed    ErrorKind = "extraction_failed"
	ErrValidationFailed    ErrorKind = "validation_failed"
	ErrAuthFailed          ErrorKind = "auth_failed"
	ErrSyncFailed          ErrorKind = "sync_failed"
)

// StepError is the stored, typed failure of a pipeline run. Validation
// failures carry per-field reasons; sync failures carry the remote HTTP
// status and a body fragment for diagnostics.
type StepError struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Status  int               `json:"status,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// NewValidationError builds a StepError from field-level validation
// failures, with a deterministic message enumerating every failing field.
func NewValidationError(fields map[string]string) *StepError {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+fields[name])
	}

	return &StepError{
		Kind:    ErrValidationFailed,
		Message: strings.Join(parts, "; "),
		Fields:  fields,
	}
}
