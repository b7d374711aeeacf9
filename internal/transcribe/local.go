package transcribe

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// WhisperCLI transcribes audio using a local whisper.cpp-style binary.
type WhisperCLI struct {
	binPath   string
	modelPath string
}

// NewWhisperCLI creates a WhisperCLI transcriber. If binPath is empty,
// "whisper-cli" is used.
func NewWhisperCLI(binPath, modelPath string) *WhisperCLI {
	if binPath == "" {
		binPath = "whisper-cli"
	}
	return &WhisperCLI{binPath: binPath, modelPath: modelPath}
}

// Transcribe runs the local binary against the audio file and returns its
// stdout as the transcript. Local inference reports no per-segment scores,
// so confidence is always 1.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	args := []string{"--no-timestamps", "--file", audioPath}
	if w.modelPath != "" {
		args = append(args, "--model", w.modelPath)
	}
	cmd := exec.CommandContext(ctx, w.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "transcribe: %s failed for %s: %s", w.binPath, audioPath, stderr.String())
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return nil, eris.New("transcribe: empty transcript")
	}

	return &Result{Text: text, Confidence: 1}, nil
}
