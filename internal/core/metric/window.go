package metric

import "time"

// DayWindow is one calendar day in a fixed location, from local midnight
// up to (but excluding) the next. Windowed metrics accumulate inside it
// and restart from zero when it rolls over.
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// DayWindowAt returns the window containing t, in t's location.
func DayWindowAt(t time.Time) DayWindow {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return DayWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether t falls inside the window. The start is
// inclusive, the end exclusive, so adjacent windows never share an
// instant.
func (w DayWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// SameDay reports whether t belongs to the same window as w.
func (w DayWindow) SameDay(t time.Time) bool {
	return w.Contains(t)
}

// Equal reports whether two windows cover the same span.
func (w DayWindow) Equal(o DayWindow) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// IsZero reports whether the window is unset.
func (w DayWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
