// Package download fetches files and directory trees from peer content
// servers.
package download

import (
	"errors"
	"fmt"
)

// ErrAlreadyExists is returned when no free target path could be claimed.
var ErrAlreadyExists = errors.New("target already exists")

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateFinished
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateCancelled
}

// EventKind identifies an Event.
type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventFinished
	EventError
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a session notification. Start carries Path and Size, Progress
// carries Ratio, Error carries Err.
type Event struct {
	Kind  EventKind
	Path  string
	Size  int64
	Ratio float64
	Err   error
}

// Handler receives session events. Events of one file session arrive in
// order from a single goroutine.
type Handler func(Event)

// Failure is the error of a session that ended in StateError.
type Failure struct {
	URL  string
	Path string
	Err  error
}

func (f *Failure) Error() string {
	if f.Path == "" {
		return fmt.Sprintf("download %s: %v", f.URL, f.Err)
	}
	return fmt.Sprintf("download %s to %s: %v", f.URL, f.Path, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ChildError records a failed child of a directory download.
type ChildError struct {
	URL  string
	Path string
	Err  error
}

// Result is the terminal outcome of a session.
type Result struct {
	State State
	Path  string
	Bytes int64
	Err   error
	// ChildErrors lists failed children of a directory download. They do
	// not make the directory itself fail.
	ChildErrors []ChildError
}

func terminalEvent(r Result) Event {
	switch r.State {
	case StateFinished:
		return Event{Kind: EventFinished, Path: r.Path}
	case StateCancelled:
		return Event{Kind: EventCancelled, Path: r.Path}
	default:
		return Event{Kind: EventError, Path: r.Path, Err: r.Err}
	}
}
