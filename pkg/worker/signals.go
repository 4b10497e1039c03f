package worker

import "fmt"

// Handler outcome signals. A handler finishes one of four ways: returning
// nil (success), or returning an error that is (or wraps) one of the types
// below. Any other error is a transient failure and takes the retry path.

// QuarantineError signals "do not retry": the message is republished to the
// quarantine queue with diagnostic headers and the input is acked.
type QuarantineError struct {
	Err error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("quarantine: %v", e.Err)
}

func (e *QuarantineError) Unwrap() error { return e.Err }

// RequeueError signals "retry fast": the message re-enters the input queue
// via the fast queue without incrementing the retry count. Reason labels the
// story counter (e.g. "busy").
type RequeueError struct {
	Reason string
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue: %s", e.Reason)
}

// RetryError is a transient failure with a labelled kind (e.g. "noconn",
// "http-5xx", "skipped"). Kinds listed in the worker's NoQuarantine set are
// silently dropped once retries are exhausted instead of quarantined.
type RetryError struct {
	Kind string
	Err  error
}

func (e *RetryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *RetryError) Unwrap() error { return e.Err }

// DiscardError signals "count and drop": the input is acked with no retry
// and no output. Status labels the story counter (e.g. "non-news",
// "bad-url", "http-404", "oversized").
type DiscardError struct {
	Status string
	Err    error
}

func (e *DiscardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discard %s: %v", e.Status, e.Err)
	}
	return "discard " + e.Status
}

func (e *DiscardError) Unwrap() error { return e.Err }
