// Package audio stores raw voice-note files. Paths are laid out as
// <root>/<tenant>/<year-month>/<uuid><ext> so a tenant's notes group by
// upload month.
package audio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Store persists and retrieves raw audio.
type Store interface {
	// Save writes the audio stream and returns its storage path and size.
	Save(ctx context.Context, tenantID, filename string, r io.Reader) (string, int64, error)
	// Open returns a reader for a previously saved file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// LocalStore keeps audio on the local filesystem under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Save(ctx context.Context, tenantID, filename string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, eris.Wrap(err, "audio: save")
	}

	dir := filepath.Join(s.root, tenantID, time.Now().UTC().Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, eris.Wrapf(err, "audio: create dir %s", dir)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(dir, uuid.NewString()+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, eris.Wrapf(err, "audio: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	size, err := io.Copy(f, r)
	if err != nil {
		_ = os.Remove(path)
		return "", 0, eris.Wrapf(err, "audio: write %s", path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, eris.Wrapf(err, "audio: flush %s", path)
	}

	return path, size, nil
}

func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "audio: open")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "audio: open %s", path)
	}
	return f, nil
}
