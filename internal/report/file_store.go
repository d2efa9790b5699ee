package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps reports as {id}.json and {id}.md under a root directory.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create report root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory reports are written to.
func (s *FileStore) Root() string {
	return s.root
}

// Save writes both artifacts, each atomically. If the Markdown write fails
// the JSON artifact is removed again, so a failed save leaves nothing to
// serve.
func (s *FileStore) Save(ctx context.Context, r Report) (string, error) {
	jsonBody, mdBody, err := encode(r)
	if err != nil {
		return "", err
	}
	jsonPath := filepath.Join(s.root, jsonName(r.JobID))
	if err := writeAtomic(jsonPath, jsonBody); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(s.root, markdownName(r.JobID)), mdBody); err != nil {
		if rmErr := os.Remove(jsonPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return "", errors.Join(err, fmt.Errorf("remove %s: %w", jsonName(r.JobID), rmErr))
		}
		return "", err
	}
	return Ref(r.JobID), nil
}

// Open returns the Markdown artifact, or the JSON one if only that exists.
func (s *FileStore) Open(ctx context.Context, jobID uint64) (Artifact, error) {
	candidates := []struct {
		name, contentType string
	}{
		{markdownName(jobID), ContentTypeMarkdown},
		{jsonName(jobID), ContentTypeJSON},
	}
	for _, c := range candidates {
		body, err := os.ReadFile(filepath.Join(s.root, c.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Artifact{}, fmt.Errorf("read %s: %w", c.name, err)
		}
		return Artifact{Body: body, ContentType: c.contentType}, nil
	}
	return Artifact{}, ErrNotFound
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
