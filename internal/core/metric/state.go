package metric

import "time"

// State is the published view of one metric stream. Value is always in
// the metric's canonical unit.
//
// Available latches true on the first successful reduction and never
// returns to false, even across daily window resets. A consumer that
// sees Available==false knows the stream has produced nothing yet, as
// opposed to a windowed total that is legitimately zero.
//
// SampleCount counts the samples behind the published value: cumulative
// deliveries for point metrics, the in-window contribution for daily
// totals (so it restarts with the window).
type State struct {
	Value       float64
	Available   bool
	SampleCount int64
	UpdatedAt   time.Time
}

// Observed reports whether the state has ever absorbed a sample.
func (s State) Observed() bool { return s.Available }
