// Package mail delivers rendered notifications through a pluggable backend.
package mail

import (
	"context"
	"errors"
	"fmt"
)

// Message is one outbound email
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers a single message. Implementations do not retry.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Verifier is implemented by transports that can check their configuration
// without sending anything.
type Verifier interface {
	Verify(ctx context.Context) error
}

// ErrTransport matches every *TransportError via errors.Is
var ErrTransport = errors.New("mail transport error")

// TransportError is a failed delivery attempt. It is retryable.
type TransportError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func transportError(backend, op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Backend: backend, Op: op, Err: err}
}
