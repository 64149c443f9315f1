package render

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/state"
)

// LogRenderer writes one structured log line per metric whenever the
// published snapshot version advances. It is the headless renderer.
type LogRenderer struct {
	store      *state.Store
	types      []metric.Type
	interval   time.Duration
	staleAfter time.Duration

	nowFn       func() time.Time
	lastVersion uint64
}

func NewLogRenderer(store *state.Store, types []metric.Type, interval, staleAfter time.Duration) *LogRenderer {
	return &LogRenderer{
		store:      store,
		types:      types,
		interval:   interval,
		staleAfter: staleAfter,
		nowFn:      time.Now,
	}
}

func (r *LogRenderer) Run(ctx context.Context) error {
	slog.Info("[Render] log renderer started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Render] log renderer stopped")
			return nil
		case <-ticker.C:
			r.emit()
		}
	}
}

// emit logs the current snapshot if it changed since the last tick.
func (r *LogRenderer) emit() {
	snap := r.store.Snapshot()
	if snap.Version == r.lastVersion {
		return
	}
	r.lastVersion = snap.Version

	now := r.nowFn()
	for _, row := range buildRows(snap, r.types, now, r.staleAfter) {
		if row.NoData {
			slog.Info("[Render] metric", "metric", row.Type, "value", "--", "samples", row.Samples)
			continue
		}
		slog.Info("[Render] metric",
			"metric", row.Type,
			"value", row.Value,
			"unit", row.Unit,
			"samples", row.Samples,
			"age", row.Age,
			"stale", row.Stale,
		)
	}
}
