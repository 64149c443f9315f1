package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
)

func testProfile() Profile {
	return Profile{
		Seed: 7,
		Tick: 10 * time.Millisecond,
		Metrics: map[metric.Type]MetricProfile{
			metric.TypeHeartRate: {
				Waveform: WaveformSine, Base: 70, Amplitude: 10, Period: time.Second, Jitter: 1.5, Unit: "bpm",
			},
			metric.TypeStepCount: {
				Waveform: WaveformIncrement, Rate: 100, Unit: "count",
			},
			metric.TypeVO2Max: {Unavailable: true},
		},
	}
}

func grantedSource(t *testing.T, p Profile) *Source {
	t.Helper()
	src := NewSource(p)
	require.NoError(t, src.RequestAccess(context.Background(), metric.AllTypes()))
	return src
}

func collect(t *testing.T, q sensor.IncrementalQuery, n int) []sensor.Delivery {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var out []sensor.Delivery
	for len(out) < n {
		select {
		case d, ok := <-q.Deliveries():
			if !ok {
				t.Fatalf("query closed after %d deliveries, want %d", len(out), n)
			}
			out = append(out, d)
		case <-deadline:
			t.Fatalf("timed out after %d deliveries, want %d", len(out), n)
		}
	}
	return out
}

func TestSource_RequestAccessDenied(t *testing.T) {
	p := testProfile()
	p.DenyAccess = true
	src := NewSource(p)

	err := src.RequestAccess(context.Background(), []metric.Type{metric.TypeHeartRate})
	require.Error(t, err)
	require.ErrorIs(t, err, sensor.ErrAccessDenied)

	_, err = src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
	require.Error(t, err, "open without a grant must fail")
}

func TestSource_RequestAccessUnknownType(t *testing.T) {
	src := NewSource(testProfile())
	err := src.RequestAccess(context.Background(), []metric.Type{metric.Type("stress_index")})
	require.Error(t, err)
}

func TestSource_OpenUnavailableMetric(t *testing.T) {
	src := grantedSource(t, testProfile())

	for _, typ := range []metric.Type{metric.TypeVO2Max, metric.TypeActiveEnergy} {
		_, err := src.Open(context.Background(), typ, sensor.ZeroAnchor)
		require.Error(t, err)
		require.ErrorIs(t, err, sensor.ErrMetricUnavailable, "type %s", typ)
	}
}

func TestSource_DeliveriesFollowTheProfile(t *testing.T) {
	src := grantedSource(t, testProfile())

	q, err := src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
	require.NoError(t, err)
	defer q.Close()

	got := collect(t, q, 4)

	require.Empty(t, got[0].Samples, "a fresh stream's snapshot is empty")
	require.NotEmpty(t, got[0].Anchor)

	for _, d := range got[1:] {
		require.Len(t, d.Samples, 1)
		s := d.Samples[0]
		require.NoError(t, s.Validate())
		require.Equal(t, metric.TypeHeartRate, s.Type)
		require.Equal(t, "bpm", s.Unit)
		require.InDelta(t, 70, s.Qty, 10+1.5, "sample must stay inside base±(amplitude+jitter)")
		require.NotEmpty(t, d.Anchor)
	}
}

func TestSource_SameSeedSameWaveform(t *testing.T) {
	quantities := func() []float64 {
		src := grantedSource(t, testProfile())
		q, err := src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
		require.NoError(t, err)
		defer q.Close()

		var out []float64
		for _, d := range collect(t, q, 5)[1:] {
			out = append(out, d.Samples[0].Qty)
		}
		return out
	}

	require.Equal(t, quantities(), quantities(), "equal seeds must reproduce the stream")
}

func TestSource_AnchorResumesAfterConsumedSamples(t *testing.T) {
	src := grantedSource(t, testProfile())
	ctx := context.Background()

	q, err := src.Open(ctx, metric.TypeStepCount, sensor.ZeroAnchor)
	require.NoError(t, err)
	got := collect(t, q, 3) // snapshot + 2 live samples
	require.NoError(t, q.Close())

	// Resuming from the anchor after the first live sample replays only
	// what came later.
	resumed, err := src.Open(ctx, metric.TypeStepCount, got[1].Anchor)
	require.NoError(t, err)
	defer resumed.Close()

	snapshot := collect(t, resumed, 1)[0]
	require.Len(t, snapshot.Samples, 1)
	require.Equal(t, got[2].Samples[0].Qty, snapshot.Samples[0].Qty)
	require.Equal(t, got[2].Samples[0].Time, snapshot.Samples[0].Time)
}

func TestSource_UnknownAnchor(t *testing.T) {
	src := grantedSource(t, testProfile())

	_, err := src.Open(context.Background(), metric.TypeStepCount, sensor.Anchor("not-a-token"))
	require.Error(t, err)
}

func TestSource_SecondOpenForSameTypeFails(t *testing.T) {
	src := grantedSource(t, testProfile())

	q, err := src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
	require.NoError(t, err)
	defer q.Close()

	_, err = src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
	require.Error(t, err)
}

func TestSource_CloseEndsTheStream(t *testing.T) {
	src := grantedSource(t, testProfile())

	q, err := src.Open(context.Background(), metric.TypeHeartRate, sensor.ZeroAnchor)
	require.NoError(t, err)
	collect(t, q, 2)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "close must be idempotent")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-q.Deliveries():
			if !ok {
				require.ErrorIs(t, q.Err(), sensor.ErrQueryClosed)
				return
			}
		case <-deadline:
			t.Fatal("deliveries channel never closed")
		}
	}
}

func TestSource_ContextCancelEndsTheStream(t *testing.T) {
	src := grantedSource(t, testProfile())
	ctx, cancel := context.WithCancel(context.Background())

	q, err := src.Open(ctx, metric.TypeHeartRate, sensor.ZeroAnchor)
	require.NoError(t, err)
	collect(t, q, 1)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-q.Deliveries():
			if !ok {
				require.ErrorIs(t, q.Err(), sensor.ErrQueryClosed)
				return
			}
		case <-deadline:
			t.Fatal("deliveries channel never closed after cancel")
		}
	}
}

func TestSource_StatisticsMatchTheJournal(t *testing.T) {
	src := grantedSource(t, testProfile())
	ctx := context.Background()

	q, err := src.Open(ctx, metric.TypeStepCount, sensor.ZeroAnchor)
	require.NoError(t, err)
	got := collect(t, q, 4) // snapshot + 3 live
	require.NoError(t, q.Close())

	var want float64
	for _, d := range got[1:] {
		want += d.Samples[0].Qty
	}

	stats, err := src.Statistics(ctx, metric.TypeStepCount, metric.DayWindowAt(time.Now()))
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Count)
	require.InDelta(t, want, stats.SumQty, 1e-9)
	require.Equal(t, "count", stats.Unit)
}

func TestSource_StatisticsUnavailableMetric(t *testing.T) {
	src := grantedSource(t, testProfile())

	_, err := src.Statistics(context.Background(), metric.TypeVO2Max, metric.DayWindowAt(time.Now()))
	require.Error(t, err)
	require.ErrorIs(t, err, sensor.ErrMetricUnavailable)
}
