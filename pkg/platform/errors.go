package platform

import (
	"errors"
	"fmt"
)

const (
	ErrorConnection  = "connection_error"
	ErrorUnsupported = "unsupported_capability"
	ErrorTransport   = "transport_error"
)

// ErrUnsupportedCapability is returned when an adapter is asked for something it
// cannot do, such as sending audio to a text-only chat.
var ErrUnsupportedCapability = errors.New("unsupported capability")

// ConnectionError reports that an adapter cannot establish or keep its transport.
type ConnectionError struct {
	Platform string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: connection failed", e.Platform)
	}

	return fmt.Sprintf("%s: connection failed: %v", e.Platform, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// TransportError reports a failed send, edit or delete on an otherwise
// connected adapter.
type TransportError struct {
	Platform string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewConnectionError wraps err as a ConnectionError for the named platform.
func NewConnectionError(platformName string, err error) error {
	return &ConnectionError{Platform: platformName, Err: err}
}

// NewTransportError wraps err as a TransportError for the named platform.
func NewTransportError(platformName string, op string, err error) error {
	if err == nil {
		return nil
	}

	return &TransportError{Platform: platformName, Op: op, Err: err}
}

// Unsupported builds an ErrUnsupportedCapability error naming what was asked.
func Unsupported(platformName string, what string) error {
	return fmt.Errorf("%s: %s: %w", platformName, what, ErrUnsupportedCapability)
}

// CheckContent fails with ErrUnsupportedCapability when caps cannot carry content.
func CheckContent(platformName string, caps Capabilities, content Content) error {
	if content == nil {
		return fmt.Errorf("%s: empty content", platformName)
	}
	if !caps.Supports(content.ContentKind()) {
		return Unsupported(platformName, "send "+string(content.ContentKind()))
	}

	return nil
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// CategoryFromError returns a stable category for logging.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorConnection
	}
	if errors.Is(err, ErrUnsupportedCapability) {
		return ErrorUnsupported
	}

	return ErrorTransport
}
