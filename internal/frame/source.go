// Package frame defines the lazy, cancellable source of opaque link-layer
// frames that the observer dissects.
package frame

import (
	"context"
	"errors"
	"io"
)

// Source is a restartable producer of frames. Next suspends until a frame is
// available, returns io.EOF at end of stream, and is cancelled by ctx.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// TransientError wraps a source error that should be logged and treated as a
// skipped frame rather than the end of the stream (would-block, interface
// reset, a single bad read).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient frame source error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err was produced by a recoverable read.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsEOF reports whether err signals a fatal, stream-ending condition.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
