package workflow

import (
	"fmt"
)

// Kind classifies a WorkflowError
type Kind string

const (
	KindValidationFailed Kind = "validation_failed"
	KindPartialFailure   Kind = "partial_failure"
	KindStoreUnavailable Kind = "store_unavailable"
)

var (
	ErrValidationFailed = &WorkflowError{Kind: KindValidationFailed}
	ErrPartialFailure   = &WorkflowError{Kind: KindPartialFailure}
	ErrStoreUnavailable = &WorkflowError{Kind: KindStoreUnavailable}
)

// WorkflowError reports why an action did not fully complete. For a partial
// failure SucceededStep and CreatedEntityID describe what was committed.
type WorkflowError struct {
	Kind            Kind
	Message         string
	SucceededStep   string
	FailedStep      string
	CreatedEntityID string
	Err             error
}

func (e *WorkflowError) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Kind == KindPartialFailure {
		msg += fmt.Sprintf(" (%s succeeded with entity %s, %s failed)", e.SucceededStep, e.CreatedEntityID, e.FailedStep)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is matches any WorkflowError of the same Kind
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	return ok && t.Kind == e.Kind
}

func validation(format string, args ...interface{}) *WorkflowError {
	return &WorkflowError{Kind: KindValidationFailed, Message: fmt.Sprintf(format, args...)}
}

func unavailable(step string, err error) *WorkflowError {
	return &WorkflowError{Kind: KindStoreUnavailable, Message: step + " failed", FailedStep: step, Err: err}
}
