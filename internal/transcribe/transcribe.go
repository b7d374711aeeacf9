// Package transcribe turns stored voice notes into text. Two providers are
// supported: a Whisper-compatible HTTP API and local CLI inference.
package transcribe

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/herdsync/herdsync/internal/config"
)

// Result is a completed transcription. Confidence is in [0, 1]; providers
// that do not report one return 1.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*Result, error)
}

// NewTranscriber creates a Transcriber based on config.
func NewTranscriber(cfg config.TranscribeConfig) (Transcriber, error) {
	switch cfg.Provider {
	case "local", "":
		return NewWhisperCLI(cfg.LocalBin, cfg.LocalModel), nil
	case "whisper":
		if cfg.APIKey == "" {
			return nil, eris.New("transcribe: whisper provider requires api_key")
		}
		w := NewWhisperAPI(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if cfg.TimeoutSecs > 0 {
			w.client.Timeout = time.Duration(cfg.TimeoutSecs) * time.Second
		}
		return w, nil
	default:
		return nil, eris.Errorf("transcribe: unknown provider %q", cfg.Provider)
	}
}
