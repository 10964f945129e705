// errors contains types representing job errors.
// It is used in the processor to classify why a job failed and whether a
// fallback attempt may follow it.
package errors

import (
	"fmt"

	"github.com/go-stack/stack"
)

// Kind classifies a JobError.
type Kind int

// The available error kinds.
const (
	// ToolUnavailable means the extraction tool could not be probed.
	ToolUnavailable Kind = iota + 1

	// LaunchFailure means the process could not be spawned.
	LaunchFailure

	// AuthFailed means the platform refused the request until the client
	// authenticates, even after the fallback attempt.
	AuthFailed

	// ProcessFailed means the process exited non-zero for any other reason.
	ProcessFailed

	// NoArtifactFound means the process succeeded but no output file could
	// be confirmed. It is reported but does not fail the job.
	NoArtifactFound
)

func (k Kind) String() string {
	switch k {
	case ToolUnavailable:
		return "tool-unavailable"
	case LaunchFailure:
		return "launch-failure"
	case AuthFailed:
		return "auth-failed"
	case ProcessFailed:
		return "process-failed"
	case NoArtifactFound:
		return "no-artifact"
	}
	return "unknown"
}

// JobError encapsulates an error and gives it more context by describing
// the phase in which it occured.
type JobError struct {
	Kind  Kind
	Phase string

	// ExitCode and the counts are those of the last attempt, if one ran.
	ExitCode     int
	SuccessCount int
	ErrorCount   int

	err       error
	retriable bool
	caller    stack.Call
}

// Error returns a string created from the JobError's attributes.
func (e JobError) Error() string {
	return fmt.Sprintf("Error while %s (%s), %s, retriable: %t", e.Phase, e.Kind, e.err, e.retriable)
}

// IsRetriable reports whether a fallback attempt may follow e.
func (e JobError) IsRetriable() bool {
	return e.retriable
}

// Retriable returns a retriable copy of e.
func (e JobError) Retriable() JobError {
	e.retriable = true
	return e
}

// WithExit returns a copy of e carrying the exit status and counts of an
// attempt.
func (e JobError) WithExit(code, successCount, errorCount int) JobError {
	e.ExitCode = code
	e.SuccessCount = successCount
	e.ErrorCount = errorCount
	return e
}

// Err returns the raw error wrapped by e.
func (e JobError) Err() error {
	return e.err
}

// Unwrap allows errors.Is and errors.As to see the wrapped error.
func (e JobError) Unwrap() error {
	return e.err
}

// Caller returns the call site that created e, as file:line.
func (e JobError) Caller() string {
	return fmt.Sprintf("%v", e.caller)
}

// E creates and returns a new JobError of kind k with the given phase and
// err. The created error is not retriable.
func E(k Kind, phase string, err error) JobError {
	return JobError{Kind: k, Phase: phase, err: err, caller: stack.Caller(1)}
}

// Errorf is a convenience function that creates a new JobError formatting
// the given arguments into its wrapped error.
func Errorf(k Kind, phase string, pattern string, args ...interface{}) JobError {
	return JobError{Kind: k, Phase: phase, err: fmt.Errorf(pattern, args...), caller: stack.Caller(1)}
}

// KindOf returns the Kind of err if it is a JobError, or zero otherwise.
func KindOf(err error) Kind {
	switch e := err.(type) {
	case JobError:
		return e.Kind
	case *JobError:
		return e.Kind
	}
	return 0
}
