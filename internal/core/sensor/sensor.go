// Package sensor defines the boundary between the aggregation engine and
// whatever produces biometric samples. The engine depends only on these
// interfaces; concrete sources (simulated waveforms, health export
// replays) live in subpackages and are chosen by configuration.
package sensor

import (
	"context"
	"errors"

	"github.com/vitals-lab/vitals/internal/core/metric"
)

var (
	// ErrAccessDenied means the source refused to expose one or more of the
	// requested metric types. The engine treats denial as fatal for the
	// affected run; it never re-prompts.
	ErrAccessDenied = errors.New("sensor access denied")

	// ErrMetricUnavailable means the source cannot produce the metric at
	// all (no backing hardware or data set). The metric stays unavailable;
	// sibling streams are unaffected.
	ErrMetricUnavailable = errors.New("metric unavailable on this source")

	// ErrQueryClosed is reported by queries that were shut down, either by
	// Close or because the source itself stopped.
	ErrQueryClosed = errors.New("incremental query closed")
)

// Anchor is an opaque resumption token. A fresh subscription starts from
// the zero anchor; each delivery carries the anchor that resumes the
// stream just after it.
type Anchor string

// ZeroAnchor starts a stream from the beginning of what the source holds.
const ZeroAnchor Anchor = ""

// Delivery is one batch from an incremental query: every sample the
// source accumulated since the previous anchor, plus the new anchor. The
// first delivery of a fresh query is the initial snapshot and may be
// empty if the source holds nothing yet.
type Delivery struct {
	Samples []metric.Sample
	Anchor  Anchor
}

// Statistics is the source-computed aggregate over a window: the sum of
// matching quantities in the source's own unit and how many samples
// contributed. Count zero with a zero sum is a valid answer for an empty
// window.
type Statistics struct {
	SumQty float64
	Unit   string
	Count  int64
}

// Source produces sample streams and window aggregates for metric types.
//
// RequestAccess must be called once before any Open; it covers every
// type the caller will subscribe to. Open establishes a long-lived
// incremental query for one type. Statistics recomputes a windowed sum
// on demand.
type Source interface {
	RequestAccess(ctx context.Context, types []metric.Type) error
	Open(ctx context.Context, typ metric.Type, anchor Anchor) (IncrementalQuery, error)
	Statistics(ctx context.Context, typ metric.Type, win metric.DayWindow) (Statistics, error)
}

// IncrementalQuery is one live subscription. Deliveries yields batches
// in order until the query ends; the channel closes on shutdown and Err
// reports why. Close is idempotent and releases the stream.
type IncrementalQuery interface {
	Deliveries() <-chan Delivery
	Err() error
	Close() error
}
