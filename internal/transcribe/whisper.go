package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	defaultWhisperBaseURL = "https://api.openai.com/v1"
	defaultWhisperModel   = "whisper-1"
)

// WhisperAPI transcribes audio through a Whisper-compatible HTTP endpoint.
type WhisperAPI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewWhisperAPI creates a WhisperAPI transcriber. Empty baseURL and model
// fall back to the hosted defaults.
func NewWhisperAPI(apiKey, baseURL, model string) *WhisperAPI {
	if baseURL == "" {
		baseURL = defaultWhisperBaseURL
	}
	if model == "" {
		model = defaultWhisperModel
	}
	return &WhisperAPI{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	AvgLogprob float64 `json:"avg_logprob"`
}

// Transcribe uploads the audio file and returns the transcript. An empty
// transcript is an error: silence or an unreadable note must not flow
// downstream as a blank record.
func (w *WhisperAPI) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, eris.Wrapf(err, "transcribe: read audio %s", audioPath)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: create form file")
	}
	if _, err := part.Write(audio); err != nil {
		return nil, eris.Wrap(err, "transcribe: write form file")
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return nil, eris.Wrap(err, "transcribe: write model field")
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, eris.Wrap(err, "transcribe: write format field")
	}
	if err := mw.Close(); err != nil {
		return nil, eris.Wrap(err, "transcribe: close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: create request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: whisper API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "transcribe: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("transcribe: whisper API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var wr whisperResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, eris.Wrap(err, "transcribe: unmarshal response")
	}

	text := strings.TrimSpace(wr.Text)
	if text == "" {
		return nil, eris.New("transcribe: empty transcript")
	}

	return &Result{Text: text, Confidence: confidenceFromSegments(wr.Segments)}, nil
}

// confidenceFromSegments maps mean segment log-probability to [0, 1].
// Whisper's avg_logprob sits near 0 for clean speech and falls toward -1
// and below as recognition degrades.
func confidenceFromSegments(segs []whisperSegment) float64 {
	if len(segs) == 0 {
		return 1
	}

	var sum float64
	for _, s := range segs {
		sum += s.AvgLogprob
	}
	mean := sum / float64(len(segs))

	conf := 1 + mean
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
