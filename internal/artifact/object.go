package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/timmy/papercast/internal/domain"
	"github.com/timmy/papercast/internal/storage"
)

// ObjectStore keeps artifacts in S3-compatible object storage under
// <prefix>/<job_id>/. A single PUT is atomic, so no temp objects are needed.
type ObjectStore struct {
	objects storage.ObjectStorage
	prefix  string
}

// NewObjectStore wraps an object storage client.
func NewObjectStore(objects storage.ObjectStorage, prefix string) *ObjectStore {
	return &ObjectStore{objects: objects, prefix: strings.Trim(prefix, "/")}
}

func (s *ObjectStore) jobPrefix(jobID string) string {
	if s.prefix == "" {
		return jobID + "/"
	}
	return s.prefix + "/" + jobID + "/"
}

func (s *ObjectStore) objectKey(jobID string, key domain.ArtifactKey) string {
	return s.jobPrefix(jobID) + key.Path()
}

// Write uploads payload under the artifact key.
func (s *ObjectStore) Write(ctx context.Context, jobID string, key domain.ArtifactKey, payload []byte) error {
	if err := checkKey(jobID, key); err != nil {
		return &domain.StorageError{Op: "write", Key: key.String(), Err: err}
	}
	objectKey := s.objectKey(jobID, key)
	contentType := mime.TypeByExtension(path.Ext(objectKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.objects.Upload(ctx, objectKey, bytes.NewReader(payload), int64(len(payload)), contentType); err != nil {
		return &domain.StorageError{Op: "write", Key: objectKey, Err: err}
	}
	return nil
}

// Read downloads the artifact. A missing object yields a StorageError
// wrapping fs.ErrNotExist, matching FSStore.
func (s *ObjectStore) Read(ctx context.Context, jobID string, key domain.ArtifactKey) ([]byte, error) {
	if err := checkKey(jobID, key); err != nil {
		return nil, &domain.StorageError{Op: "read", Key: key.String(), Err: err}
	}
	objectKey := s.objectKey(jobID, key)
	body, err := s.objects.Download(ctx, objectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			err = fmt.Errorf("%w: %v", fs.ErrNotExist, err)
		}
		return nil, &domain.StorageError{Op: "read", Key: objectKey, Err: err}
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &domain.StorageError{Op: "read", Key: objectKey, Err: err}
	}
	return data, nil
}

// Exists checks the object with a HEAD request.
func (s *ObjectStore) Exists(ctx context.Context, jobID string, key domain.ArtifactKey) (bool, error) {
	if err := checkKey(jobID, key); err != nil {
		return false, &domain.StorageError{Op: "stat", Key: key.String(), Err: err}
	}
	objectKey := s.objectKey(jobID, key)
	ok, err := s.objects.Exists(ctx, objectKey)
	if err != nil {
		return false, &domain.StorageError{Op: "stat", Key: objectKey, Err: err}
	}
	return ok, nil
}

// List returns the names of a named kind written for the job.
func (s *ObjectStore) List(ctx context.Context, jobID string, kind domain.ArtifactKind) ([]string, error) {
	if err := checkName("job id", jobID); err != nil {
		return nil, &domain.StorageError{Op: "list", Key: string(kind), Err: err}
	}
	if !kind.Named() {
		return nil, &domain.StorageError{Op: "list", Key: string(kind), Err: fmt.Errorf("artifact kind %q is not named", kind)}
	}
	dir := s.jobPrefix(jobID) + kind.Dir() + "/"
	keys, err := s.objects.List(ctx, dir)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: dir, Err: err}
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, dir)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if ext := kind.Ext(); ext != "" {
			if !strings.HasSuffix(name, ext) {
				continue
			}
			name = strings.TrimSuffix(name, ext)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListJobs derives job ids from the first path segment under the prefix.
func (s *ObjectStore) ListJobs(ctx context.Context) ([]string, error) {
	root := ""
	if s.prefix != "" {
		root = s.prefix + "/"
	}
	keys, err := s.objects.List(ctx, root)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: root, Err: err}
	}
	seen := make(map[string]bool)
	var jobs []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, root)
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			continue
		}
		id := rest[:idx]
		if !seen[id] {
			seen[id] = true
			jobs = append(jobs, id)
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}
