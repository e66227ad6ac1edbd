package session

import (
	"time"

	"github.com/zach-source/gradtracer/internal/util"
)

// State is the inactivity state of a respondent session
type State int

const (
	// StateIdle means tracking has not been started or was stopped
	StateIdle State = iota
	// StateActive means the respondent interacted within the warning window
	StateActive
	// StateWarning means the inactivity warning is showing and auto sign-out is armed
	StateWarning
	// StateSignedOut means the session was ended for inactivity and needs a fresh login
	StateSignedOut
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateSignedOut:
		return "signed_out"
	default:
		return "invalid"
	}
}

// IsActive returns true if the respondent may keep working without interruption
func (s State) IsActive() bool {
	return s == StateActive
}

// AcceptsActivity returns true if an interaction event resets the timers
func (s State) AcceptsActivity() bool {
	return s == StateActive || s == StateWarning
}

// Event is a user interaction or page lifecycle signal
type Event string

const (
	EventPointerDown Event = "pointerdown"
	EventPointerMove Event = "pointermove"
	EventKeyPress    Event = "keypress"
	EventScroll      Event = "scroll"
	EventTouchStart  Event = "touchstart"
	EventClick       Event = "click"
)

// ActivityEvents lists the interactions that count as activity
var ActivityEvents = []Event{
	EventPointerDown,
	EventPointerMove,
	EventKeyPress,
	EventScroll,
	EventTouchStart,
	EventClick,
}

// IsActivity reports whether e counts as respondent activity
func (e Event) IsActivity() bool {
	return util.Contains(ActivityEvents, e)
}

// Info is a snapshot of the inactivity state
type Info struct {
	State                      State         `json:"state"`
	LastActivityAt             time.Time     `json:"last_activity_at,omitempty"`
	WarningAt                  time.Time     `json:"warning_at,omitempty"`
	IsWarningVisible           bool          `json:"is_warning_visible"`
	IsSignedOutDueToInactivity bool          `json:"is_signed_out_due_to_inactivity"`
	CountdownRemaining         time.Duration `json:"countdown_remaining"`
	TimeUntilWarning           time.Duration `json:"time_until_warning"`
	WelcomeBack                bool          `json:"welcome_back"`
}

// CountdownSeconds returns the countdown rounded up to whole seconds,
// the granularity the warning is displayed at
func (i Info) CountdownSeconds() int {
	if i.CountdownRemaining <= 0 {
		return 0
	}
	return int((i.CountdownRemaining + time.Second - 1) / time.Second)
}
