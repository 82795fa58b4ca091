// Package kernelerrors defines the kernel's error taxonomy by kind, per
// spec §7: signature, manifest/dependency/version, task (retriable or
// terminal), config, and leader errors. Callers check kind via errors.Is/
// errors.As rather than string matching, mirroring the teacher's use of
// errors.New/fmt.Errorf with %w across cache-manager and invalidation.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds usable with errors.Is.
var (
	ErrSignature  = errors.New("signature verification failed")
	ErrManifest   = errors.New("manifest error")
	ErrDependency = errors.New("dependency error")
	ErrVersion    = errors.New("version error")
	ErrConfig     = errors.New("config error")
	ErrLeader     = errors.New("leader election error")
	ErrAdmission  = errors.New("admission rejected: rate limit exceeded")
)

// TaskError wraps a failure from a submitted compute task, carrying
// whether the retry engine considered it retriable.
type TaskError struct {
	TaskID    string
	Retriable bool
	Err       error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed (retriable=%t): %v", e.TaskID, e.Retriable, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError constructs a TaskError.
func NewTaskError(taskID string, retriable bool, err error) *TaskError {
	return &TaskError{TaskID: taskID, Retriable: retriable, Err: err}
}

// DependencyError names the offending bundle and dependency declaration.
type DependencyError struct {
	Bundle string
	Dep    string
	Reason string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency error in %q (dep %q): %s", e.Bundle, e.Dep, e.Reason)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// VersionError reports a semver constraint mismatch or an unparsable
// version/constraint string. Err carries the underlying parse failure, if
// any; it is nil for a plain constraint mismatch.
type VersionError struct {
	Bundle     string
	Constraint string
	Actual     string
	Err        error
}

func (e *VersionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("version error for %q (constraint %q, actual %q): %v", e.Bundle, e.Constraint, e.Actual, e.Err)
	}
	return fmt.Sprintf("version mismatch for %q: requires %q, got %q", e.Bundle, e.Constraint, e.Actual)
}

func (e *VersionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrVersion
}

// ManifestError reports a malformed manifest field.
type ManifestError struct {
	Bundle string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error in %q: %s", e.Bundle, e.Reason)
}

func (e *ManifestError) Unwrap() error { return ErrManifest }
