package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPrecondition       = errors.New("precondition failed")
	ErrValidation         = errors.New("validation failed")
	ErrRender             = errors.New("render failed")
	ErrMalformedOutput    = errors.New("malformed collaborator output")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrStorage            = errors.New("storage failure")
	ErrAlreadyRunning     = errors.New("already running")
	ErrJobNotFound        = errors.New("job not found")
	ErrUnknownUnit        = errors.New("unknown unit")
)

// PreconditionError reports a stage advance attempted without its required
// artifact. Stale is set when the artifact exists but was built from an
// input that has since been rewritten.
type PreconditionError struct {
	JobID   string
	Stage   Stage
	Missing ArtifactKind
	Stale   bool
}

func (e *PreconditionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("cannot run %s for job %s: %s artifact is stale", e.Stage, e.JobID, e.Missing)
	}
	return fmt.Sprintf("cannot run %s for job %s: missing %s artifact", e.Stage, e.JobID, e.Missing)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// ValidationError carries the static defect list of a generated code artifact.
type ValidationError struct {
	Name   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.Name, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RenderError reports that the renderer ran the artifact and it failed.
type RenderError struct {
	Name    string
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render of %s failed: %s", e.Name, e.Message)
}

func (e *RenderError) Is(target error) bool { return target == ErrRender }

// MalformedOutputError reports structured output that could not be parsed,
// even after truncation repair.
type MalformedOutputError struct {
	Stage Stage
	Raw   string
	Err   error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %v", e.Stage, e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

func (e *MalformedOutputError) Is(target error) bool { return target == ErrMalformedOutput }

// ServiceUnavailableError reports a collaborator that is unreachable.
type ServiceUnavailableError struct {
	Service string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s is unavailable: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s is unavailable", e.Service)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

func (e *ServiceUnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// StorageError reports an artifact read or write failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
