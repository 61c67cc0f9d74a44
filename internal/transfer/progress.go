// Package transfer implements FT (spec §4.7): chunked file and recursive
// folder send/receive with progress reporting, cancellation, and adaptive
// pacing. Progress is a push-to-observer interface (spec §9 "Progress
// callbacks") so the core never depends on a GUI toolkit.
package transfer

import (
	"time"

	deskerrors "deskrelay/internal/errors"
)

// Event is one of the enumerated progress states of spec §9.
type Event int

const (
	EventStarted Event = iota
	EventAdvanced
	EventCompleted
	EventFailed
	EventCancelled
)

// Progress is the payload delivered with every Observer callback.
type Progress struct {
	Name        string
	Total       int64
	Transferred int64
	Err         error
}

// Observer receives progress pushes; the UI drains them at its own
// cadence (spec §5 "Progress/UI tasks").
type Observer interface {
	OnEvent(Event, Progress)
}

type noopObserver struct{}

func (noopObserver) OnEvent(Event, Progress) {}

// minProgressInterval matches spec §4.7 step 4d ("throttled to >=100ms
// between UI updates").
const minProgressInterval = 100 * time.Millisecond

// throttle limits progress updates to at most one per minProgressInterval.
type throttle struct {
	last time.Time
}

func (t *throttle) ready(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < minProgressInterval {
		return false
	}
	t.last = now
	return true
}

// classifyFileIO wraps a plain I/O error with the FileIO kind so FT's
// propagation policy (spec §7: "FT converts FileIO into a user-visible
// error message and aborts the current transfer; it does not tear down
// PS") can be enforced uniformly by callers.
func classifyFileIO(err error, msg string) error {
	if err == nil {
		return nil
	}
	return deskerrors.Wrap(deskerrors.KindFileIO, err, msg)
}
