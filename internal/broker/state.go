package broker

import (
	"errors"
	"math"
	"time"
)

// State of the front-end channel.
type State int32

const (
	StateDisconnected State = iota
	StateListening
	StateAuthenticating
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateListening:
		return "listening"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Execute when no authenticated peer is attached.
	ErrNotConnected = errors.New("broker channel not connected")
	// ErrDisconnected fails requests that were in flight when the peer dropped.
	ErrDisconnected = errors.New("broker disconnected")
	// ErrDuplicateCorrelation is returned when an instruction with the same id is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")
	// ErrHeartbeatTimeout ends a session whose peer went silent.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Backoff returns the delay before re-accepting after the attempt-th
// consecutive failed session (1-based): unit * base^(attempt-1), capped.
func Backoff(attempt int, base float64, unit, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(unit) * math.Pow(base, float64(attempt-1))
	if d > float64(max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return max
	}
	return time.Duration(d)
}
