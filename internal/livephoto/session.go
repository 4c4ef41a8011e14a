package livephoto

import (
	"fmt"
	"time"
)

// State is the pipeline position of a capture attempt.
type State int

const (
	StateIdle State = iota
	StateAudioStarted
	StatePhotoCaptured
	StateMuxing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAudioStarted:
		return "AudioStarted"
	case StatePhotoCaptured:
		return "PhotoCaptured"
	case StateMuxing:
		return "Muxing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CaptureSession describes one capture attempt. The manager's coordinator is
// its only writer; callers see copies.
type CaptureSession struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	State     State
	// AudioErr is set when the audio half failed and the clip degraded to
	// video only.
	AudioErr error
	Err      error
}
