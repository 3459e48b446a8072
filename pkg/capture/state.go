package capture

import "time"

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateIdle
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateLoading:
		return "LOADING"
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// VoiceActivity is the capture status shown to callers.
type VoiceActivity int

const (
	ActivityLoading VoiceActivity = iota
	ActivitySpeaking
	ActivityIdle
)

func (a VoiceActivity) String() string {
	switch a {
	case ActivityLoading:
		return "loading"
	case ActivitySpeaking:
		return "speaking"
	case ActivityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes capture state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateUninitialized: {StateLoading},
	StateLoading:       {StateIdle, StateUninitialized},
	StateIdle:          {StateSpeaking, StateLoading, StateUninitialized},
	StateSpeaking:      {StateIdle, StateUninitialized},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
