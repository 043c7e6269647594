package billing

import "time"

// transitions is the allowed status graph for a subscription row, keyed by the current status.
// Staying in the same open status is allowed and is not listed. Terminal statuses have no exits.
var transitions = map[Status][]Status{
	StatusActive:  {StatusPastDue, StatusCancelled, StatusExpired},
	StatusPastDue: {StatusActive, StatusCancelled},
}

// CanTransition reports whether a subscription may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventClock orders status writes. The provider event timestamp comes first and the
// reported period end breaks ties between events stamped in the same instant.
type EventClock struct {
	At        time.Time
	PeriodEnd time.Time
}

// After reports whether c is strictly newer than o.
func (c EventClock) After(o EventClock) bool {
	if !c.At.Equal(o.At) {
		return c.At.After(o.At)
	}
	return c.PeriodEnd.After(o.PeriodEnd)
}

// Equal reports whether both clocks denote the same instant pair.
func (c EventClock) Equal(o EventClock) bool {
	return c.At.Equal(o.At) && c.PeriodEnd.Equal(o.PeriodEnd)
}

// IsZero reports whether no status write has been recorded yet.
func (c EventClock) IsZero() bool {
	return c.At.IsZero() && c.PeriodEnd.IsZero()
}

func clockOf(ev Event) EventClock {
	c := EventClock{At: ev.OccurredAt}
	if ev.PeriodEnd != nil {
		c.PeriodEnd = *ev.PeriodEnd
	}
	return c
}

// laterOf returns the later of two optional instants as a fresh pointer.
func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.After(*a):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
