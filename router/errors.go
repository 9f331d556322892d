package router

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/c35s/tbcfg/cfgmsg"
)

// Error is a router error. It unwraps to the errno a kernel driver would
// return for the same condition.
type Error struct {
	msg   string
	errno unix.Errno
}

func (e *Error) Error() string {
	return "router: " + e.msg
}

func (e *Error) Unwrap() error {
	return e.errno
}

var (
	ErrNotFound      = &Error{"no router at route", unix.ENOENT}
	ErrOutOfRange    = &Error{"hop exceeds adapter count", unix.EINVAL}
	ErrUninitialized = &Error{"router not enumerated", unix.EINVAL}
	ErrTopology      = &Error{"route is not a child of its parent", unix.EINVAL}
	ErrExists        = &Error{"router already attached", unix.EEXIST}
	ErrBusy          = &Error{"router busy", unix.EBUSY}
	ErrTimeout       = &Error{"command timed out", unix.ETIMEDOUT}
	ErrNoCap         = &Error{"capability not found", unix.EINVAL}
	ErrDetached      = &Error{"router detached", unix.ENODEV}
	ErrInvalid       = &Error{"invalid argument", unix.EINVAL}
)

// EventError reports a command pre-empted by a fabric notification.
type EventError struct {
	Route cfgmsg.Route
	Event cfgmsg.Event
}

func (e *EventError) Error() string {
	return fmt.Sprintf("router: %v: command failed with %v", e.Route, e.Event)
}

func (e *EventError) Unwrap() error {
	return unix.EINVAL
}

// Errno returns the errno err carries, 0 if err is nil, or EIO if err
// carries none.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}
