package session

import (
	"errors"
	"fmt"
)

// ErrBusy matches (with errors.Is) any BusyError
var ErrBusy = errors.New("session already active")

// BusyError returned when a session requested while another one is open on the same manager
type BusyError struct {
	Job    string // job requested
	Active string // job already running
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("can't start %s, %s already started", e.Job, e.Active)
}

// Is reports ErrBusy as the matching sentinel
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// ErrEmptyJob returned by Manager.Run for an empty job id
var ErrEmptyJob = errors.New("empty job id")

// errBodyExited is recorded when the body stopped its goroutine (runtime.Goexit) instead of returning
var errBodyExited = errors.New("session body exited without returning")
