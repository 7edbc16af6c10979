// Package sink holds the failure vocabulary shared by the outbox relay and the
// downstream sinks it drives.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/permissions-service/internal/model"
)

// PermanentError marks a failure that no amount of retrying will fix, such as a
// malformed payload or a schema rejection.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError marks a failure worth retrying: unreachable sink, timeout, 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err as a TransientError. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err, anywhere in its chain, is a PermanentError.
// Everything else, including context deadlines, is treated as transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// IsTimeout reports whether err came from a dispatch deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrUnknownDestination is returned for an outbox row no dispatcher is registered for.
var ErrUnknownDestination = errors.New("no dispatcher for destination")

// Dispatcher delivers one outbox message to its sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg model.OutboxMessage) error
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg model.OutboxMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	return f(ctx, msg)
}

// DecodePayload reads an outbox payload. A payload that does not decode can
// never succeed, so the error is permanent.
func DecodePayload(msg model.OutboxMessage) (model.OutboxPayload, error) {
	var p model.OutboxPayload
	dec := newDecoder(msg.Payload)
	if err := dec.Decode(&p); err != nil {
		return p, Permanent(fmt.Errorf("decode outbox %d payload: %w", msg.ID, err))
	}
	if p.Snapshot.ID == 0 {
		p.Snapshot.ID = msg.AggregateID
	}
	if p.Operation == "" {
		p.Operation = msg.Operation
	}
	return p, nil
}

// Truncate clips error text before it is stored on the outbox row.
func Truncate(msg string, max int) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
