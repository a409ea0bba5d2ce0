package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable failure category surfaced to callers. Kinds are
// part of the API: callers use them to decide whether a retry makes sense.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnknownJob     ErrorKind = "unknown_job"
	KindLaunchError    ErrorKind = "launch_error"
	KindTimeout        ErrorKind = "timeout"
	KindTranscodeError ErrorKind = "transcode_error"
	KindOverloaded     ErrorKind = "overloaded"
)

// JobError carries a stable kind plus a human-readable diagnostic. For
// transcode_error the exit code and a tail of the binary's stderr are
// included so callers can tell a bad input from a bad environment.
type JobError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	ExitCode int       `json:"exit_code,omitempty"`
}

func (e *JobError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d): %s", e.Kind, e.ExitCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewJobError(kind ErrorKind, format string, args ...interface{}) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequestf(format string, args ...interface{}) *JobError {
	return NewJobError(KindInvalidRequest, format, args...)
}

// KindOf extracts the error kind from an error chain. Errors that are not
// JobErrors are reported as transcode_error since they can only originate
// from the processing pipeline.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindTranscodeError
}

// AsJobError normalizes any pipeline error into a JobError.
func AsJobError(err error) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: KindTranscodeError, Message: err.Error()}
}
