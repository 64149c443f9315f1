package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
)

// deliveryBuffer bounds how far a query can run ahead of its consumer.
const deliveryBuffer = 8

// Source synthesizes sample streams from a waveform profile. Every
// emitted sample is retained in an in-memory journal so statistics
// queries can recompute windowed sums from the ground truth, exactly the
// way a real sensor store would.
type Source struct {
	profile Profile
	nowFn   func() time.Time

	mu      sync.Mutex
	granted bool
	journal map[metric.Type][]metric.Sample
	anchors map[sensor.Anchor]anchorPos
	queries map[metric.Type]*sensor.Stream
}

type anchorPos struct {
	typ metric.Type
	idx int
}

// NewSource builds a source from a validated profile.
func NewSource(profile Profile) *Source {
	return &Source{
		profile: profile,
		nowFn:   time.Now,
		journal: make(map[metric.Type][]metric.Sample),
		anchors: make(map[sensor.Anchor]anchorPos),
		queries: make(map[metric.Type]*sensor.Stream),
	}
}

// RequestAccess grants or denies the requested metric types in one shot,
// per the profile's deny_access flag. Denial covers the whole request.
func (s *Source) RequestAccess(_ context.Context, types []metric.Type) error {
	for _, typ := range types {
		if !typ.Valid() {
			return fmt.Errorf("access request for unknown metric type %q", typ)
		}
	}
	if s.profile.DenyAccess {
		return fmt.Errorf("simulated denial for %d requested types: %w", len(types), sensor.ErrAccessDenied)
	}
	s.mu.Lock()
	s.granted = true
	s.mu.Unlock()
	return nil
}

// Open starts the synthesized stream for one metric type. The first
// delivery replays everything journaled past the anchor; subsequent
// deliveries follow the profile tick.
func (s *Source) Open(ctx context.Context, typ metric.Type, anchor sensor.Anchor) (sensor.IncrementalQuery, error) {
	mp, ok := s.profile.Metrics[typ]
	if !ok || mp.Unavailable {
		return nil, fmt.Errorf("%s: %w", typ, sensor.ErrMetricUnavailable)
	}

	s.mu.Lock()
	if !s.granted {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s before access was requested", typ)
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
		err := s.run(st, typ, mp, start)
		s.mu.Lock()
		if s.queries[typ] == st {
			delete(s.queries, typ)
		}
		s.mu.Unlock()
		st.Finish(err)
	}()
	return st, nil
}

// Statistics recomputes the windowed sum for a metric over the full
// journal. The answer is in the metric's canonical unit.
func (s *Source) Statistics(_ context.Context, typ metric.Type, win metric.DayWindow) (sensor.Statistics, error) {
	mp, ok := s.profile.Metrics[typ]
	if !ok || mp.Unavailable {
		return sensor.Statistics{}, fmt.Errorf("%s: %w", typ, sensor.ErrMetricUnavailable)
	}
	def, err := metric.Lookup(typ)
	if err != nil {
		return sensor.Statistics{}, err
	}

	s.mu.Lock()
	samples := make([]metric.Sample, len(s.journal[typ]))
	copy(samples, s.journal[typ])
	s.mu.Unlock()

	sum, n, err := metric.SumInWindow(def, samples, win)
	if err != nil {
		return sensor.Statistics{}, err
	}
	return sensor.Statistics{SumQty: sum, Unit: string(def.Unit), Count: n}, nil
}

func (s *Source) run(st *sensor.Stream, typ metric.Type, mp MetricProfile, start int) error {
	// Initial snapshot: everything journaled past the anchor, even if
	// that is nothing at all.
	if !st.Send(sensor.Delivery{Samples: s.journalSince(typ, start), Anchor: s.mintAnchor(typ)}) {
		return sensor.ErrQueryClosed
	}

	rng := rand.New(rand.NewSource(s.profile.Seed + typeSeed(typ)))
	every := mp.Every
	if every < 1 {
		every = 1
	}

	ticker := time.NewTicker(s.profile.Tick)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-st.Context().Done():
			return sensor.ErrQueryClosed
		case <-ticker.C:
			tick++
			if tick%every != 0 {
				continue
			}
			sample := s.synthesize(typ, mp, rng, tick)
			s.append(typ, sample)
			if !st.Send(sensor.Delivery{Samples: []metric.Sample{sample}, Anchor: s.mintAnchor(typ)}) {
				return sensor.ErrQueryClosed
			}
		}
	}
}

func (s *Source) synthesize(typ metric.Type, mp MetricProfile, rng *rand.Rand, tick int) metric.Sample {
	noise := mp.Jitter * (2*rng.Float64() - 1)
	var qty float64
	switch mp.Waveform {
	case WaveformSine:
		elapsed := time.Duration(tick) * s.profile.Tick
		phase := 2 * math.Pi * float64(elapsed) / float64(mp.Period)
		qty = mp.Base + mp.Amplitude*math.Sin(phase) + noise
	case WaveformConstant:
		qty = mp.Base + noise
	case WaveformIncrement:
		qty = mp.Rate*s.profile.Tick.Seconds() + noise
	}
	if qty < 0 {
		qty = 0
	}
	return metric.Sample{Type: typ, Qty: qty, Unit: mp.Unit, Time: s.nowFn()}
}

func (s *Source) append(typ metric.Type, sample metric.Sample) {
	s.mu.Lock()
	s.journal[typ] = append(s.journal[typ], sample)
	s.mu.Unlock()
}

func (s *Source) journalSince(typ metric.Type, start int) []metric.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.journal[typ]
	if start >= len(entries) {
		return nil
	}
	out := make([]metric.Sample, len(entries)-start)
	copy(out, entries[start:])
	return out
}

// mintAnchor records the current journal position under a fresh token.
func (s *Source) mintAnchor(typ metric.Type) sensor.Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := sensor.Anchor(uuid.NewString())
	s.anchors[a] = anchorPos{typ: typ, idx: len(s.journal[typ])}
	return a
}

// typeSeed offsets the shared seed per metric so streams are independent
// but still reproducible.
func typeSeed(typ metric.Type) int64 {
	h := fnv.New64a()
	h.Write([]byte(typ))
	return int64(h.Sum64())
}
