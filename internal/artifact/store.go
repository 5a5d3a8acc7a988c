// Package artifact persists the outputs of each pipeline stage, keyed by job id
// and artifact kind. The store is the source of truth for what has completed;
// it never enforces ordering between kinds.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timmy/papercast/internal/domain"
)

// Store persists job artifacts.
type Store interface {
	// Write persists payload under (jobID, key). The write is all-or-nothing.
	Write(ctx context.Context, jobID string, key domain.ArtifactKey, payload []byte) error

	// Read returns the payload stored under (jobID, key).
	Read(ctx context.Context, jobID string, key domain.ArtifactKey) ([]byte, error)

	// Exists reports whether (jobID, key) has been written.
	Exists(ctx context.Context, jobID string, key domain.ArtifactKey) (bool, error)

	// List returns the names written for a named kind, sorted.
	List(ctx context.Context, jobID string, kind domain.ArtifactKind) ([]string, error)

	// ListJobs returns every job id with at least one artifact, sorted.
	ListJobs(ctx context.Context) ([]string, error)
}

// WriteJSON marshals v and writes it under key.
func WriteJSON(ctx context.Context, s Store, jobID string, key domain.ArtifactKey, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "marshal", Key: key.String(), Err: err}
	}
	data = append(data, '\n')
	return s.Write(ctx, jobID, key, data)
}

// ReadJSON reads key and unmarshals it into v.
func ReadJSON(ctx context.Context, s Store, jobID string, key domain.ArtifactKey, v any) error {
	data, err := s.Read(ctx, jobID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &domain.StorageError{Op: "unmarshal", Key: key.String(), Err: err}
	}
	return nil
}

// checkName rejects ids and names that could escape the job root.
func checkName(what, name string) error {
	if name == "" {
		return fmt.Errorf("empty %s", what)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid %s %q", what, name)
	}
	return nil
}

func checkKey(jobID string, key domain.ArtifactKey) error {
	if err := checkName("job id", jobID); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.Kind.Named() {
		return nil
	}
	if err := checkName("artifact name", key.Name); err != nil {
		return err
	}
	if strings.HasPrefix(key.Name, tempPrefix) {
		return fmt.Errorf("reserved artifact name %q", key.Name)
	}
	return nil
}
