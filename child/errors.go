package child

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPolicy = errors.New("unknown stdio policy")
	// ErrNotConnected means a capture policy was requested for a stream the launcher did not pipe.
	ErrNotConnected = errors.New("stream not connected")
	ErrNoProcess    = errors.New("no process to wait on")
)

// StreamRole names which of the child's output streams an operation concerns.
type StreamRole int

const (
	StdoutRole StreamRole = iota
	StderrRole
)

func (r StreamRole) String() string {
	switch r {
	case StdoutRole:
		return "stdout"
	case StderrRole:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(r))
	}
}

// IoError is a failure reading one of the child's streams or forwarding it to its sink.
type IoError struct {
	Stream StreamRole
	Err    error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("draining %s: %s", e.Stream, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ExitWaitError is a failure obtaining the child's exit status from the OS.
type ExitWaitError struct {
	Err error
}

func (e *ExitWaitError) Error() string {
	return fmt.Sprintf("waiting for exit: %s", e.Err)
}

func (e *ExitWaitError) Unwrap() error { return e.Err }
