package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/papercast/internal/domain"
)

const tempPrefix = ".papercast-tmp-"

// FSStore keeps artifacts on the local filesystem under <root>/<job_id>/.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "init", Key: root, Err: err}
	}
	return &FSStore{root: root}, nil
}

// Root returns the directory the store writes under.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) path(jobID string, key domain.ArtifactKey) string {
	return filepath.Join(s.root, jobID, filepath.FromSlash(key.Path()))
}

// Write stores payload atomically: it is written to a temp file in the
// target directory and renamed into place.
func (s *FSStore) Write(ctx context.Context, jobID string, key domain.ArtifactKey, payload []byte) error {
	if err := checkKey(jobID, key); err != nil {
		return &domain.StorageError{Op: "write", Key: key.String(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &domain.StorageError{Op: "write", Key: key.String(), Err: err}
	}
	if err := writeAtomic(s.path(jobID, key), payload); err != nil {
		return &domain.StorageError{Op: "write", Key: jobID + "/" + key.Path(), Err: err}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}

// Read returns the stored payload. A missing artifact yields a StorageError
// wrapping fs.ErrNotExist.
func (s *FSStore) Read(ctx context.Context, jobID string, key domain.ArtifactKey) ([]byte, error) {
	if err := checkKey(jobID, key); err != nil {
		return nil, &domain.StorageError{Op: "read", Key: key.String(), Err: err}
	}
	data, err := os.ReadFile(s.path(jobID, key))
	if err != nil {
		return nil, &domain.StorageError{Op: "read", Key: jobID + "/" + key.Path(), Err: err}
	}
	return data, nil
}

// Exists reports whether the artifact file is present.
func (s *FSStore) Exists(ctx context.Context, jobID string, key domain.ArtifactKey) (bool, error) {
	if err := checkKey(jobID, key); err != nil {
		return false, &domain.StorageError{Op: "stat", Key: key.String(), Err: err}
	}
	info, err := os.Stat(s.path(jobID, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &domain.StorageError{Op: "stat", Key: jobID + "/" + key.Path(), Err: err}
	}
	return info.Mode().IsRegular(), nil
}

// List returns the names of a named kind written for the job.
func (s *FSStore) List(ctx context.Context, jobID string, kind domain.ArtifactKind) ([]string, error) {
	if err := checkName("job id", jobID); err != nil {
		return nil, &domain.StorageError{Op: "list", Key: string(kind), Err: err}
	}
	if !kind.Named() {
		return nil, &domain.StorageError{Op: "list", Key: string(kind), Err: fmt.Errorf("artifact kind %q is not named", kind)}
	}
	entries, err := os.ReadDir(filepath.Join(s.root, jobID, kind.Dir()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.StorageError{Op: "list", Key: jobID + "/" + kind.Dir(), Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if ext := kind.Ext(); ext != "" {
			if !strings.HasSuffix(e.Name(), ext) {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ext))
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListJobs returns every job directory holding at least one artifact.
func (s *FSStore) ListJobs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: s.root, Err: err}
	}
	var jobs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if hasArtifact(filepath.Join(s.root, e.Name())) {
			jobs = append(jobs, e.Name())
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// hasArtifact reports whether dir contains any committed file.
func hasArtifact(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return fs.SkipDir
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), tempPrefix) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}
