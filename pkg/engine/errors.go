package engine

import (
	"errors"
	"fmt"
	"time"

	"parley/pkg/platform"
)

const (
	ErrorSlotOccupied   = "slot_occupied"
	ErrorHandlerFailure = "handler_failure"
	ErrorTimeoutExpired = "timeout_expired"
	ErrorClosed         = "dispatcher_closed"
)

// ErrSlotOccupied is returned by Registry.Register when a live conversation
// already owns the routing key. The dispatcher recovers from it by forwarding
// to the existing conversation.
var ErrSlotOccupied = errors.New("routing slot occupied")

// ErrDispatcherClosed is returned by Dispatch after Shutdown has started.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// HandlerFailure ends one conversation after a Fail directive or a panic.
type HandlerFailure struct {
	Command        string
	ConversationID string
	Reason         error
}

func (e *HandlerFailure) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("command %s failed in conversation %s: %v", e.Command, e.ConversationID, e.Reason)
}

func (e *HandlerFailure) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Reason
}

// TimeoutExpired ends a conversation whose deadline passed while it was
// awaiting input.
type TimeoutExpired struct {
	Command        string
	ConversationID string
	Deadline       time.Time
}

func (e *TimeoutExpired) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("conversation %s (%s) expired at %s", e.ConversationID, e.Command, e.Deadline.Format(time.RFC3339))
}

// Category returns a stable category string for logging.
func Category(err error) string {
	if err == nil {
		return ""
	}

	var failure *HandlerFailure
	var expired *TimeoutExpired
	switch {
	case errors.Is(err, ErrSlotOccupied):
		return ErrorSlotOccupied
	case errors.Is(err, ErrDispatcherClosed):
		return ErrorClosed
	case errors.As(err, &expired):
		return ErrorTimeoutExpired
	case errors.As(err, &failure):
		return ErrorHandlerFailure
	default:
		return platform.CategoryFromError(err)
	}
}
