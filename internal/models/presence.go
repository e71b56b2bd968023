package models

import (
	"strings"
	"time"
)

// ringBounds are the upper bounds of the live-view rings, outermost first.
// A session moves one ring inwards each time it crosses a bound.
var ringBounds = []time.Duration{
	10 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// RingFor maps a session duration to a display ring: 0 for under 10s up to 4
// for five minutes or more. It only orders the live view.
func RingFor(d time.Duration) int {
	for i, bound := range ringBounds {
		if d < bound {
			return i
		}
	}
	return len(ringBounds)
}

// StageFor labels a visitor from engagement signals: an open chat, supplied
// contact details, or a repeat visit.
func StageFor(v Visitor, hasActiveChat bool) Stage {
	switch {
	case hasActiveChat:
		return StageChat
	case v.Email != "" || v.Phone != "" || hasRealName(v.Name):
		return StageContacted
	case v.Visits > 1:
		return StageReturning
	default:
		return StageNew
	}
}

func hasRealName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.HasPrefix(name, "Visitor")
}
