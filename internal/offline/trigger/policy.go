// Package trigger decides when the sync coordinator runs.
//
// Decide is a pure function of an event and the current conditions. The
// Runner owns those conditions, feeds events through Decide and starts or
// cancels passes accordingly.
package trigger

import "fmt"

type Event string

const (
	EventOnline     Event = "online"
	EventOffline    Event = "offline"
	EventForeground Event = "foreground"
	EventBackground Event = "background"
	EventPeriodic   Event = "periodic"
	EventManual     Event = "manual"
	EventLogin      Event = "login"
	EventLogout     Event = "logout"
)

// Events lists every event the policy understands.
var Events = []Event{
	EventOnline, EventOffline, EventForeground, EventBackground,
	EventPeriodic, EventManual, EventLogin, EventLogout,
}

func (e Event) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Conditions is the state the policy is evaluated against. It should reflect
// the event already, e.g. Online is true when evaluating EventOnline.
type Conditions struct {
	Online bool
	// WasOnline is the connectivity before the current event was applied.
	WasOnline  bool
	Foreground bool
	LoggedIn   bool
	Syncing    bool
	// Throttled is set when a manual refresh arrives inside the minimum
	// interval after the previous one.
	Throttled bool
}

type Action int

const (
	ActionNone Action = iota
	ActionSync
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionSync:
		return "sync"
	case ActionCancel:
		return "cancel"
	default:
		return "none"
	}
}

type Decision struct {
	Event  Event
	Action Action
	Reason string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s -> %s (%s)", d.Event, d.Action, d.Reason)
}

// Decide maps an event to an action.
func Decide(ev Event, c Conditions) Decision {
	d := Decision{Event: ev, Action: ActionNone}
	switch {
	case ev == EventLogout:
		if c.Syncing {
			d.Action, d.Reason = ActionCancel, "logout abandons the running pass"
		} else {
			d.Reason = "logged out"
		}
		return d
	case !c.LoggedIn:
		d.Reason = "not logged in"
		return d
	case c.Syncing:
		d.Reason = "pass already running"
		return d
	}

	switch ev {
	case EventOnline:
		if c.WasOnline {
			d.Reason = "already online"
		} else {
			d.Action, d.Reason = ActionSync, "connectivity regained"
		}
	case EventLogin:
		if c.Online {
			d.Action, d.Reason = ActionSync, "logged in"
		} else {
			d.Reason = "offline"
		}
	case EventForeground:
		if c.Online {
			d.Action, d.Reason = ActionSync, "returned to foreground"
		} else {
			d.Reason = "offline"
		}
	case EventPeriodic:
		switch {
		case !c.Online:
			d.Reason = "offline"
		case !c.Foreground:
			d.Reason = "backgrounded"
		default:
			d.Action, d.Reason = ActionSync, "periodic tick"
		}
	case EventManual:
		switch {
		case !c.Online:
			d.Reason = "offline"
		case c.Throttled:
			d.Reason = "manual refresh throttled"
		default:
			d.Action, d.Reason = ActionSync, "manual refresh"
		}
	case EventOffline, EventBackground:
		d.Reason = "nothing to do"
	default:
		d.Reason = "unknown event"
	}
	return d
}
