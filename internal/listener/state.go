package listener

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a Listener.
type State int

const (
	Idle State = iota
	Starting
	Listening
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WakeEvent is emitted once per detection.
type WakeEvent struct {
	SessionID    string
	Keyword      string
	KeywordIndex int
	Sequence     uint64
	Timestamp    time.Time
}

var (
	// ErrAlreadyRunning is returned by Start when the listener is not idle.
	ErrAlreadyRunning = errors.New("listener: already running")
	// ErrHandlerLocked is returned when the wake handler is changed outside Idle.
	ErrHandlerLocked = errors.New("listener: wake handler can only be set while idle")
)

// StartKind says which resource failed during Start.
type StartKind int

const (
	StartDevice StartKind = iota + 1
	StartModel
)

func (k StartKind) String() string {
	switch k {
	case StartDevice:
		return "device"
	case StartModel:
		return "model"
	default:
		return "unknown"
	}
}

// StartError wraps the device or model error that aborted Start.
type StartError struct {
	Kind StartKind
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("listener start (%s): %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Stats are cumulative counters across sessions.
type Stats struct {
	Frames    uint64
	Overflows uint64
	Wakes     uint64
	Failures  uint64
}
