package logging

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the user-facing error taxonomy.
type Kind string

const (
	KindUnknown   Kind = ""
	KindInput     Kind = "input"
	KindTransport Kind = "transport"
	KindContract  Kind = "contract"
	KindPartial   Kind = "partial"
	KindInternal  Kind = "internal"
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Operation string
	RequestID string
	Kind      Kind
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
// An already classified error keeps its kind.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Kind: KindOf(err), Err: err}
}

// NewKindError wraps err and records an explicit failure kind.
func NewKindError(operation, requestID string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Kind: kind, Err: err}
}

// KindOf returns the outermost classified kind in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			return KindUnknown
		}
		if opErr.Kind != KindUnknown {
			return opErr.Kind
		}
		err = opErr.Err
	}
	return KindUnknown
}
