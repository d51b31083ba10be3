// Package codex invokes the codex CLI as a one-shot child process,
// decodes its streaming JSON output, and returns a single classified
// InvocationResult, retrying transient failures with jittered backoff.
package codex

import "fmt"

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	// ErrorValidation means the retry policy was invalid. No process is
	// spawned and the failure is never retried.
	ErrorValidation ErrorKind = "validation"
	// ErrorTimeout means the overall wall-clock timeout fired.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorNetwork means the child reported a transient network error.
	ErrorNetwork ErrorKind = "network"
	// ErrorExecution is any other process or protocol failure, including
	// spawn errors, missing session id, and empty response.
	ErrorExecution ErrorKind = "execution"
)

// Retryable reports whether a failure of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTimeout, ErrorNetwork, ErrorExecution:
		return true
	}
	return false
}

// InvocationResult is the single outcome of one child-process run.
// Exactly one of the success and failure field groups is meaningful,
// discriminated by Success.
type InvocationResult struct {
	Success bool

	// Success fields
	SessionID    string
	ResponseText string

	// Failure fields
	ErrorKind        ErrorKind
	Message          string
	LastRawLines     []string // most recent non-blank output lines, capacity 5
	RetriesAttempted int      // stamped by the retry engine once retries are exhausted

	// Common fields
	ExitCode    int      // -1 when the exit status is unknown
	RawMessages []Record // full decoded trace, retained only on request
}

// failure builds a Failure result with an unknown exit code.
func failure(kind ErrorKind, message string) InvocationResult {
	return InvocationResult{
		Success:   false,
		ErrorKind: kind,
		Message:   message,
		ExitCode:  -1,
	}
}

// RetryPolicy bounds one invocation: the per-attempt wall-clock timeout
// and how many times a retryable failure may be re-attempted.
type RetryPolicy struct {
	TimeoutSeconds int
	MaxRetries     int
}

// Validate checks the policy constraints. A policy that fails validation
// must never cause a process spawn.
func (p RetryPolicy) Validate() error {
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", p.TimeoutSeconds)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	return nil
}
