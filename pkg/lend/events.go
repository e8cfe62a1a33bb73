package lend

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

// EventLog is the append-only record of committed transitions. Entries
// are never mutated or removed; Sequence increases by one per append.
// Appends happen only after the transition has fully committed.
type EventLog struct {
	events []Event
	seq    uint64
	notify chan Event
}

// NewEventLog creates an event log with a notify channel of the given
// buffer size.
func NewEventLog(buffer int) *EventLog {
	if buffer <= 0 {
		buffer = 10000
	}
	return &EventLog{
		events: make([]Event, 0, 1024),
		notify: make(chan Event, buffer),
	}
}

// Append records a committed transition and returns the stored event.
// The amount is copied so later caller mutation cannot reach the log.
func (l *EventLog) Append(kind EventKind, account ids.ShortID, amount *uint256.Int) Event {
	l.seq++
	ev := Event{
		Sequence: l.seq,
		Kind:     kind,
		Account:  account,
		Amount:   new(uint256.Int).Set(amount),
	}
	l.events = append(l.events, ev)

	// Non-blocking notify; a slow feed consumer drops, it never stalls
	// the commit path.
	select {
	case l.notify <- ev:
	default:
	}
	return ev
}

// Restore reloads previously committed events, resuming the sequence
// after the last one. Used when replaying persisted state on startup.
func (l *EventLog) Restore(events []Event) {
	l.events = append(l.events[:0], events...)
	if n := len(events); n > 0 {
		l.seq = events[n-1].Sequence
	}
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	return len(l.events)
}

// LastSequence returns the sequence of the most recent event, zero
// when empty.
func (l *EventLog) LastSequence() uint64 {
	return l.seq
}

// All returns a copy of every recorded event in commit order.
func (l *EventLog) All() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns a copy of all events with Sequence > seq.
func (l *EventLog) Since(seq uint64) []Event {
	// Sequences are dense, so the suffix can be indexed directly.
	if seq >= l.seq {
		return nil
	}
	first := len(l.events) - int(l.seq-seq)
	if first < 0 {
		first = 0
	}
	out := make([]Event, len(l.events)-first)
	copy(out, l.events[first:])
	return out
}

// Notify returns the buffered event channel used by feed publishers.
func (l *EventLog) Notify() <-chan Event {
	return l.notify
}
