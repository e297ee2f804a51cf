package device

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("device: not found")
	ErrOutOfMemory   = errors.New("device: out of memory")
	ErrInvalidValue  = errors.New("device: invalid value")
	ErrInvalidHandle = errors.New("device: invalid handle")
	ErrInvalidImage  = errors.New("device: invalid image")
	ErrNoDevice      = errors.New("device: no device")
	ErrNotSupported  = errors.New("device: not supported")
	ErrLaunchFailed  = errors.New("device: launch failed")
	ErrUnavailable   = errors.New("device: driver unavailable")
)

// DriverError is a failed driver call. Kind is the sentinel the code maps
// to, nil when the code has no portable meaning.
type DriverError struct {
	Op   string
	Code int
	Msg  string
	Kind error
}

func (e *DriverError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: error %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Msg, e.Code)
}

func (e *DriverError) Unwrap() error { return e.Kind }

// Failed builds a DriverError for op.
func Failed(op string, code int, msg string, kind error) error {
	return &DriverError{Op: op, Code: code, Msg: msg, Kind: kind}
}
