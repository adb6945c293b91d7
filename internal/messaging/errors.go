package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("message not found")
	ErrStorageUnavailable = errors.New("message storage unavailable")
)

// DegradedWriteError records a cache or index write that failed after the
// log write it follows had succeeded. It is logged and counted, never
// returned to callers.
type DegradedWriteError struct {
	Op        string
	ChannelId string
	MessageId string
	Err       error
}

func (e *DegradedWriteError) Error() string {
	return fmt.Sprintf("degraded write %s channel=%s message=%s: %v", e.Op, e.ChannelId, e.MessageId, e.Err)
}

func (e *DegradedWriteError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
