package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	ready := Conditions{Online: true, Foreground: true, LoggedIn: true}

	with := func(fn func(c *Conditions)) Conditions {
		c := ready
		fn(&c)
		return c
	}

	tests := []struct {
		name string
		ev   Event
		cond Conditions
		want Action
	}{
		{"connectivity regained", EventOnline, ready, ActionSync},
		{"online while already online", EventOnline, with(func(c *Conditions) { c.WasOnline = true }), ActionNone},
		{"foreground while online", EventForeground, ready, ActionSync},
		{"foreground while offline", EventForeground, with(func(c *Conditions) { c.Online = false }), ActionNone},
		{"periodic tick", EventPeriodic, ready, ActionSync},
		{"periodic tick in background", EventPeriodic, with(func(c *Conditions) { c.Foreground = false }), ActionNone},
		{"periodic tick offline", EventPeriodic, with(func(c *Conditions) { c.Online = false }), ActionNone},
		{"manual refresh", EventManual, ready, ActionSync},
		{"manual refresh in background", EventManual, with(func(c *Conditions) { c.Foreground = false }), ActionSync},
		{"manual refresh throttled", EventManual, with(func(c *Conditions) { c.Throttled = true }), ActionNone},
		{"login", EventLogin, ready, ActionSync},
		{"login offline", EventLogin, with(func(c *Conditions) { c.Online = false }), ActionNone},
		{"never while syncing", EventManual, with(func(c *Conditions) { c.Syncing = true }), ActionNone},
		{"never while logged out", EventOnline, with(func(c *Conditions) { c.LoggedIn = false }), ActionNone},
		{"logout cancels running pass", EventLogout, with(func(c *Conditions) { c.Syncing = true }), ActionCancel},
		{"logout when idle", EventLogout, ready, ActionNone},
		{"going offline", EventOffline, ready, ActionNone},
		{"going to background", EventBackground, ready, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.ev, tt.cond)
			assert.Equal(t, tt.want, d.Action, d.String())
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestEventValid(t *testing.T) {
	for _, ev := range Events {
		assert.True(t, ev.Valid(), ev)
	}
	assert.False(t, Event("reboot").Valid())
}
