package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
)

// fakeClock is a settable clock for driving windows across midnight.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeSource scripts a sensor.Source: tests push deliveries by hand,
// end streams at will, and serve statistics from a settable table.
type fakeSource struct {
	mu          sync.Mutex
	denyAccess  bool
	unavailable map[metric.Type]bool
	accessCalls [][]metric.Type
	openCalls   map[metric.Type][]sensor.Anchor
	streams     map[metric.Type]*fakeStream
	stats       map[metric.Type]sensor.Statistics
	statsErr    map[metric.Type]error
	statsCalls  map[metric.Type]int
	statsGate   chan struct{} // when set, Statistics blocks until released
}

type fakeStream struct {
	st    *sensor.Stream
	input chan sensor.Delivery
	end   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		unavailable: make(map[metric.Type]bool),
		openCalls:   make(map[metric.Type][]sensor.Anchor),
		streams:     make(map[metric.Type]*fakeStream),
		stats:       make(map[metric.Type]sensor.Statistics),
		statsErr:    make(map[metric.Type]error),
		statsCalls:  make(map[metric.Type]int),
	}
}

func (f *fakeSource) RequestAccess(_ context.Context, types []metric.Type) error {
	f.mu.Lock()
	f.accessCalls = append(f.accessCalls, types)
	deny := f.denyAccess
	f.mu.Unlock()
	if deny {
		return fmt.Errorf("scripted denial: %w", sensor.ErrAccessDenied)
	}
	return nil
}

func (f *fakeSource) Open(ctx context.Context, typ metric.Type, anchor sensor.Anchor) (sensor.IncrementalQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls[typ] = append(f.openCalls[typ], anchor)
	if f.unavailable[typ] {
		return nil, fmt.Errorf("%s: %w", typ, sensor.ErrMetricUnavailable)
	}

	fs := &fakeStream{
		st:    sensor.NewStream(ctx, 8),
		input: make(chan sensor.Delivery, 16),
		end:   make(chan error, 1),
	}
	f.streams[typ] = fs
	go fs.produce()
	return fs.st, nil
}

// produce serializes pushes and termination onto the single producer
// goroutine the stream contract requires.
func (fs *fakeStream) produce() {
	for {
		select {
		case <-fs.st.Context().Done():
			fs.st.Finish(sensor.ErrQueryClosed)
			return
		case err := <-fs.end:
			fs.st.Finish(err)
			return
		case d := <-fs.input:
			if !fs.st.Send(d) {
				fs.st.Finish(sensor.ErrQueryClosed)
				return
			}
		}
	}
}

func (f *fakeSource) Statistics(_ context.Context, typ metric.Type, _ metric.DayWindow) (sensor.Statistics, error) {
	f.mu.Lock()
	f.statsCalls[typ]++
	gate := f.statsGate
	stats, err := f.stats[typ], f.statsErr[typ]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return sensor.Statistics{}, err
	}
	return stats, nil
}

// push hands a delivery to the stream for typ, waiting briefly for the
// engine to open it. Reports false if no stream ever appeared.
func (f *fakeSource) push(typ metric.Type, d sensor.Delivery) bool {
	if fs := f.awaitStream(typ); fs != nil {
		fs.input <- d
		return true
	}
	return false
}

// endStream terminates typ's stream with err, as a dying sensor would.
func (f *fakeSource) endStream(typ metric.Type, err error) bool {
	if fs := f.awaitStream(typ); fs != nil {
		fs.end <- err
		return true
	}
	return false
}

func (f *fakeSource) awaitStream(typ metric.Type) *fakeStream {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := f.stream(typ); fs != nil {
			return fs
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (f *fakeSource) stream(typ metric.Type) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[typ]
}

func (f *fakeSource) opens(typ metric.Type) []sensor.Anchor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sensor.Anchor, len(f.openCalls[typ]))
	copy(out, f.openCalls[typ])
	return out
}

func (f *fakeSource) statsCallCount(typ metric.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsCalls[typ]
}

func (f *fakeSource) setStats(typ metric.Type, s sensor.Statistics) {
	f.mu.Lock()
	f.stats[typ] = s
	f.mu.Unlock()
}

func (f *fakeSource) setStatsErr(typ metric.Type, err error) {
	f.mu.Lock()
	f.statsErr[typ] = err
	f.mu.Unlock()
}
