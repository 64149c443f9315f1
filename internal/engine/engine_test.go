package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
	"github.com/vitals-lab/vitals/internal/state"
)

var day1 = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

func startEngine(t *testing.T, src sensor.Source, clock *fakeClock, types ...metric.Type) (*Engine, *state.Store) {
	t.Helper()
	store := state.NewStore(types)
	e := New(src, store, Options{
		Types:            types,
		RolloverInterval: 20 * time.Millisecond,
	})
	if clock != nil {
		e.nowFn = clock.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop")
		}
	})
	return e, store
}

func sample(typ metric.Type, qty float64, unit string, at time.Time) metric.Sample {
	return metric.Sample{Type: typ, Qty: qty, Unit: unit, Time: at}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestEngine_AccessDenialIsFatal(t *testing.T) {
	src := newFakeSource()
	src.denyAccess = true
	store := state.NewStore([]metric.Type{metric.TypeHeartRate})
	e := New(src, store, Options{Types: []metric.Type{metric.TypeHeartRate}})

	err := e.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, sensor.ErrAccessDenied)
	require.Empty(t, src.opens(metric.TypeHeartRate), "denial must stop everything before any open")
}

func TestEngine_LastValueFlow(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeHeartRate)

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{Anchor: "a0"}))
	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 71, "count/min", day1)},
		Anchor:  "a1",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Available && st.Value == 71 && st.SampleCount == 1
	}, "first batch must publish the sample")

	require.Equal(t, uint64(1), store.Version(),
		"the empty snapshot must not have produced a publish of its own")

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{
			sample(metric.TypeHeartRate, 68, "count/min", day1.Add(time.Second)),
			sample(metric.TypeHeartRate, 74, "count/min", day1.Add(2*time.Second)),
		},
		Anchor: "a2",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Value == 74 && st.SampleCount == 3
	}, "the last sample in delivery order must win")
}

func TestEngine_UnavailableMetricIsIsolated(t *testing.T) {
	src := newFakeSource()
	src.unavailable[metric.TypeVO2Max] = true
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeHeartRate, metric.TypeVO2Max)

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 64, "count/min", day1)},
		Anchor:  "a1",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Available
	}, "the healthy sibling must keep flowing")

	vo2, ok := store.Get(metric.TypeVO2Max)
	require.True(t, ok)
	require.False(t, vo2.Available, "an unopenable metric stays unavailable")
	require.Len(t, src.opens(metric.TypeVO2Max), 1)
}

func TestEngine_MalformedBatchLeavesStateIntact(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeHeartRate)

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 70, "count/min", day1)},
		Anchor:  "a1",
	}))
	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Value == 70
	}, "good batch applies")

	// One sample with no timestamp poisons the whole batch.
	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{
			sample(metric.TypeHeartRate, 99, "count/min", day1.Add(time.Second)),
			{Type: metric.TypeHeartRate, Qty: 101, Unit: "count/min"},
		},
		Anchor: "a2",
	}))
	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 72, "count/min", day1.Add(2*time.Second))},
		Anchor:  "a3",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Value == 72
	}, "the stream must keep flowing after a rejected batch")

	st, _ := store.Get(metric.TypeHeartRate)
	require.Equal(t, int64(2), st.SampleCount,
		"the rejected batch must not have contributed samples")
}

func TestEngine_WindowedAuthoritativeTotal(t *testing.T) {
	src := newFakeSource()
	src.setStats(metric.TypeStepCount, sensor.Statistics{SumQty: 812, Unit: "count", Count: 3})
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeStepCount)

	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeStepCount, 120, "count", day1)},
		Anchor:  "a1",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Available && st.Value == 812 && st.SampleCount == 3
	}, "the recomputed total must replace the incremental one")
}

func TestEngine_StatsFailureKeepsIncrementalTotal(t *testing.T) {
	src := newFakeSource()
	src.setStatsErr(metric.TypeStepCount, errors.New("store busy"))
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeStepCount)

	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{
			sample(metric.TypeStepCount, 120, "count", day1),
			sample(metric.TypeStepCount, 80, "count", day1.Add(time.Minute)),
		},
		Anchor: "a1",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Available && st.Value == 200 && st.SampleCount == 2
	}, "with statistics failing, the incremental sum stands")

	eventually(t, func() bool { return src.statsCallCount(metric.TypeStepCount) >= 1 },
		"the requery must at least have been attempted")
}

func TestEngine_MidnightResetWithoutDeliveries(t *testing.T) {
	src := newFakeSource()
	src.setStatsErr(metric.TypeStepCount, errors.New("no recompute"))
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeStepCount, metric.TypeHeartRate)

	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeStepCount, 500, "count", day1)},
		Anchor:  "s1",
	}))
	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 66, "count/min", day1)},
		Anchor:  "h1",
	}))
	eventually(t, func() bool {
		steps, _ := store.Get(metric.TypeStepCount)
		hr, _ := store.Get(metric.TypeHeartRate)
		return steps.Value == 500 && hr.Value == 66
	}, "both metrics populated")

	clock.Set(day1.Add(24 * time.Hour))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Value == 0 && st.SampleCount == 0 && st.Available
	}, "the windowed total must reset at the boundary with availability intact")

	hr, _ := store.Get(metric.TypeHeartRate)
	require.Equal(t, 66.0, hr.Value, "point metrics do not reset at midnight")
	require.True(t, hr.Available)
}

func TestEngine_DeliveryAfterMidnightStartsFreshWindow(t *testing.T) {
	src := newFakeSource()
	src.setStatsErr(metric.TypeStepCount, errors.New("no recompute"))
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeStepCount)

	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeStepCount, 500, "count", day1)},
		Anchor:  "a1",
	}))
	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Value == 500
	}, "first day total applied")

	day2 := day1.Add(24 * time.Hour)
	clock.Set(day2)
	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeStepCount, 10, "count", day2)},
		Anchor:  "a2",
	}))

	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Value == 10 && st.SampleCount == 1
	}, "the new day's total must start from the reset, not from 510")
}

func TestEngine_ResubscribesFromLastAnchor(t *testing.T) {
	src := newFakeSource()
	clock := newFakeClock(day1)
	_, store := startEngine(t, src, clock, metric.TypeHeartRate)

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 70, "count/min", day1)},
		Anchor:  "anchor-1",
	}))
	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Value == 70
	}, "first stream applied")

	require.True(t, src.endStream(metric.TypeHeartRate, errors.New("sensor reset")))

	eventually(t, func() bool { return len(src.opens(metric.TypeHeartRate)) == 2 },
		"the engine must retry the subscription")
	opens := src.opens(metric.TypeHeartRate)
	require.Equal(t, sensor.ZeroAnchor, opens[0])
	require.Equal(t, sensor.Anchor("anchor-1"), opens[1],
		"the retry must resume from the last delivered anchor")

	require.True(t, src.push(metric.TypeHeartRate, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeHeartRate, 75, "count/min", day1.Add(time.Minute))},
		Anchor:  "anchor-2",
	}))
	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeHeartRate)
		return st.Value == 75
	}, "the reopened stream must publish again")

	frozen, _ := store.Get(metric.TypeHeartRate)
	require.True(t, frozen.Available, "availability survives the gap")
}

func TestEngine_RefreshCollapsesConcurrentRequeries(t *testing.T) {
	src := newFakeSource()
	src.setStats(metric.TypeStepCount, sensor.Statistics{SumQty: 812, Unit: "count", Count: 3})
	gate := make(chan struct{})
	src.statsGate = gate
	clock := newFakeClock(day1)
	e, store := startEngine(t, src, clock, metric.TypeStepCount)

	// The delivery schedules the loop's own requery, which now blocks.
	require.True(t, src.push(metric.TypeStepCount, sensor.Delivery{
		Samples: []metric.Sample{sample(metric.TypeStepCount, 120, "count", day1)},
		Anchor:  "a1",
	}))
	eventually(t, func() bool { return src.statsCallCount(metric.TypeStepCount) == 1 },
		"the loop's requery must be in flight")

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- e.Refresh(context.Background()) }()
	}

	time.Sleep(50 * time.Millisecond) // give the callers time to join the flight
	close(gate)

	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	eventually(t, func() bool {
		st, _ := store.Get(metric.TypeStepCount)
		return st.Value == 812
	}, "the shared result must land")

	require.Equal(t, 1, src.statsCallCount(metric.TypeStepCount),
		"all four requeries must have collapsed into one source call")
}
