package pointio

import (
	"context"
	"errors"
	"fmt"
)

// Client performs single point exchanges with an I/O service. Digital
// values travel as 0 and 1. Implementations must honor the point's
// timeout and return a *CommError for every transport level failure.
type Client interface {
	Read(ctx context.Context, p Point) (float64, error)
	Write(ctx context.Context, p Point, value float64) error
	Close() error
}

// CommError describes a failed exchange with the remote I/O service.
// Communication failures are never retried; the engine terminates on the
// first occurrence.
type CommError struct {
	Op      string
	Address string
	Err     error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

func readError(p Point, err error) error {
	return &CommError{Op: "read", Address: p.Address, Err: err}
}

func writeError(p Point, err error) error {
	return &CommError{Op: "write", Address: p.Address, Err: err}
}

// IsCommError reports whether err wraps a communication failure.
func IsCommError(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}
