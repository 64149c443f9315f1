package healthexport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
)

const deliveryBuffer = 8

// Options shape the replay clock.
type Options struct {
	// Speed compresses the gaps between samples. 2 replays a day of data
	// in half a day. Zero means 1.
	Speed float64

	// Rebase shifts the whole export so its earliest sample lands at the
	// moment access is granted. Without it samples keep their original
	// timestamps, which for a historical file means one big snapshot and
	// no live deliveries.
	Rebase bool
}

// Source replays a parsed export. The replay clock starts when access
// is requested; every stream shares it, so cross-metric timing from the
// original recording is preserved.
type Source struct {
	opts    Options
	skipped []string
	nowFn   func() time.Time

	mu      sync.Mutex
	granted bool
	raw     map[metric.Type][]metric.Sample
	byType  map[metric.Type][]metric.Sample // rebased at grant time
	anchors map[sensor.Anchor]anchorPos
	queries map[metric.Type]*sensor.Stream
}

type anchorPos struct {
	typ metric.Type
	idx int
}

// NewSource builds a replay source from a parsed export.
func NewSource(export *Export, opts Options) (*Source, error) {
	if opts.Speed < 0 {
		return nil, fmt.Errorf("replay speed must not be negative, got %v", opts.Speed)
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}
	raw, skipped := export.Samples()
	return &Source{
		opts:    opts,
		skipped: skipped,
		nowFn:   time.Now,
		raw:     raw,
		anchors: make(map[sensor.Anchor]anchorPos),
		queries: make(map[metric.Type]*sensor.Stream),
	}, nil
}

// SkippedMetrics lists the export series the replay cannot serve, with
// reasons, for startup logging.
func (s *Source) SkippedMetrics() []string {
	out := make([]string, len(s.skipped))
	copy(out, s.skipped)
	return out
}

// RequestAccess starts the replay clock. A local export file carries no
// denial concept, so the grant always succeeds; the call still has to
// happen before any Open.
func (s *Source) RequestAccess(_ context.Context, types []metric.Type) error {
	for _, typ := range types {
		if !typ.Valid() {
			return fmt.Errorf("access request for unknown metric type %q", typ)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.granted {
		s.rebase(s.nowFn())
		s.granted = true
	}
	return nil
}

// rebase maps original timestamps onto the replay clock. With Rebase the
// earliest sample of the whole export lands on start; gaps shrink by the
// speed factor either way, anchored at the earliest sample.
func (s *Source) rebase(start time.Time) {
	var first time.Time
	for _, samples := range s.raw {
		if len(samples) == 0 {
			continue
		}
		if first.IsZero() || samples[0].Time.Before(first) {
			first = samples[0].Time
		}
	}

	base := first
	if s.opts.Rebase {
		base = start
	}

	s.byType = make(map[metric.Type][]metric.Sample, len(s.raw))
	for typ, samples := range s.raw {
		rebased := make([]metric.Sample, len(samples))
		for i, sample := range samples {
			offset := time.Duration(float64(sample.Time.Sub(first)) / s.opts.Speed)
			sample.Time = base.Add(offset)
			rebased[i] = sample
		}
		s.byType[typ] = rebased
	}
}

// Open starts replaying one metric's series. The first delivery carries
// everything already due on the replay clock; later samples arrive as
// their rebased timestamps come up.
func (s *Source) Open(ctx context.Context, typ metric.Type, anchor sensor.Anchor) (sensor.IncrementalQuery, error) {
	s.mu.Lock()
	if !s.granted {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s before access was requested", typ)
	}
	samples, ok := s.byType[typ]
	if !ok || len(samples) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: export holds no samples: %w", typ, sensor.ErrMetricUnavailable)
	}
	if _, live := s.queries[typ]; live {
		s.mu.Unlock()
		return nil, fmt.Errorf("incremental query for %s is already open", typ)
	}

	start := 0
	if anchor != sensor.ZeroAnchor {
		pos, ok := s.anchors[anchor]
		if !ok || pos.typ != typ {
			s.mu.Unlock()
			return nil, fmt.Errorf("unknown anchor %q for %s", anchor, typ)
		}
		start = pos.idx
	}

	st := sensor.NewStream(ctx, deliveryBuffer)
	s.queries[typ] = st
	s.mu.Unlock()

	go func() {
		err := s.run(st, typ, samples, start)
		s.mu.Lock()
		if s.queries[typ] == st {
			delete(s.queries, typ)
		}
		s.mu.Unlock()
		st.Finish(err)
	}()
	return st, nil
}

// Statistics sums the replayed portion of the series over the window.
// Samples the replay clock has not reached yet do not exist, exactly as
// they would not on live hardware.
func (s *Source) Statistics(_ context.Context, typ metric.Type, win metric.DayWindow) (sensor.Statistics, error) {
	s.mu.Lock()
	if !s.granted {
		s.mu.Unlock()
		return sensor.Statistics{}, fmt.Errorf("statistics for %s before access was requested", typ)
	}
	samples, ok := s.byType[typ]
	s.mu.Unlock()
	if !ok || len(samples) == 0 {
		return sensor.Statistics{}, fmt.Errorf("%s: export holds no samples: %w", typ, sensor.ErrMetricUnavailable)
	}
	def, err := metric.Lookup(typ)
	if err != nil {
		return sensor.Statistics{}, err
	}

	now := s.nowFn()
	replayed := make([]metric.Sample, 0, len(samples))
	for _, sample := range samples {
		if sample.Time.After(now) {
			break
		}
		replayed = append(replayed, sample)
	}

	sum, n, err := metric.SumInWindow(def, replayed, win)
	if err != nil {
		return sensor.Statistics{}, err
	}
	return sensor.Statistics{SumQty: sum, Unit: string(def.Unit), Count: n}, nil
}

func (s *Source) run(st *sensor.Stream, typ metric.Type, samples []metric.Sample, start int) error {
	idx := start

	// Snapshot of everything already due.
	due := s.collectDue(samples, idx)
	if !st.Send(sensor.Delivery{Samples: due, Anchor: s.mintAnchor(typ, idx+len(due))}) {
		return sensor.ErrQueryClosed
	}
	idx += len(due)

	for idx < len(samples) {
		wait := samples[idx].Time.Sub(s.nowFn())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-st.Context().Done():
				timer.Stop()
				return sensor.ErrQueryClosed
			case <-timer.C:
			}
		}

		batch := s.collectDue(samples, idx)
		if len(batch) == 0 {
			continue
		}
		if !st.Send(sensor.Delivery{Samples: batch, Anchor: s.mintAnchor(typ, idx+len(batch))}) {
			return sensor.ErrQueryClosed
		}
		idx += len(batch)
	}

	// The series is exhausted but the subscription stays open, the way a
	// live query would idle between readings.
	<-st.Context().Done()
	return sensor.ErrQueryClosed
}

// collectDue gathers the contiguous run of samples at or before now.
func (s *Source) collectDue(samples []metric.Sample, idx int) []metric.Sample {
	now := s.nowFn()
	end := idx
	for end < len(samples) && !samples[end].Time.After(now) {
		end++
	}
	if end == idx {
		return nil
	}
	out := make([]metric.Sample, end-idx)
	copy(out, samples[idx:end])
	return out
}

// mintAnchor records a resumption point at idx for typ.
func (s *Source) mintAnchor(typ metric.Type, idx int) sensor.Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := sensor.Anchor(uuid.NewString())
	s.anchors[a] = anchorPos{typ: typ, idx: idx}
	return a
}
