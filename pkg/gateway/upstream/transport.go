package upstream

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by Send and Receive once the transport is closed.
var ErrClosed = errors.New("upstream: transport closed")

// Transport is one duplex, message-oriented connection to the speech model.
// Each message is a complete JSON event. Receive returns an error once the
// connection ends; that error is the close signal.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// StreamError is a model-side failure reported by the stream itself.
type StreamError struct {
	Code    string
	Message string
	Fatal   bool
	Err     error
}

func (e *StreamError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *StreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
