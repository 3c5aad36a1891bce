package models

import "fmt"

// ErrorCode classifies job failures. Codes are stable strings stored on
// the job record and surfaced to callers next to a short message.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "invalid_input"       // malformed params, non-retryable
	ErrCodeInsufficientInputs ErrorCode = "insufficient_inputs" // fewer inputs than the job type requires
	ErrCodeProbeFailed        ErrorCode = "probe_failed"        // input analysis failed
	ErrCodeEncodeFailed       ErrorCode = "encode_failed"       // encoding subprocess failed
	ErrCodeUploadFailed       ErrorCode = "upload_failed"       // output upload failed after retries
	ErrCodeDispatchError      ErrorCode = "dispatch_error"      // execution service unreachable at trigger
	ErrCodeResourceExhausted  ErrorCode = "resource_exhausted"  // disk full / OOM kill
	ErrCodeTimeout            ErrorCode = "timeout"             // wall-clock limit exceeded
	ErrCodeCancelled          ErrorCode = "cancelled"
	ErrCodeInternal           ErrorCode = "internal"
)

// JobError is the structured cause recorded on a failed job. Message is
// user-facing and short; it never contains a stack trace.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewJobError builds a JobError with a formatted message.
func NewJobError(code ErrorCode, format string, args ...interface{}) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether a whole-job retry may help. Input errors
// and cancellations are final; everything else is eligible within the
// orchestrator's attempt budget.
func (e *JobError) Retryable() bool {
	switch e.Code {
	case ErrCodeInvalidInput, ErrCodeInsufficientInputs, ErrCodeCancelled:
		return false
	default:
		return true
	}
}
