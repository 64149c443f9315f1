// Package render contains the in-process consumers of published metric
// snapshots. Renderers read the store at their own cadence and never
// touch engine internals.
package render

import (
	"context"
	"strconv"
	"time"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/state"
)

// Renderer displays published snapshots until its context is canceled.
type Renderer interface {
	Run(ctx context.Context) error
}

// Refresher requeries authoritative windowed totals on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Row is one metric's display-ready projection of a snapshot.
type Row struct {
	Type    metric.Type
	Label   string
	Value   string
	Unit    string
	Samples int64
	Age     string
	NoData  bool
	Stale   bool
}

var labels = map[metric.Type]string{
	metric.TypeHeartRate:            "Heart Rate",
	metric.TypeHeartRateVariability: "HRV",
	metric.TypeVO2Max:               "VO2 Max",
	metric.TypeStepCount:            "Steps",
	metric.TypeActiveEnergy:         "Active Energy",
	metric.TypeRestingEnergy:        "Resting Energy",
}

var displayUnits = map[metric.Unit]string{
	metric.UnitBeatsPerMin:  "bpm",
	metric.UnitMilliseconds: "ms",
	metric.UnitMLPerKgMin:   "mL/kg·min",
	metric.UnitKilocalories: "kcal",
	metric.UnitCount:        "",
}

// buildRows projects a snapshot into display rows, one per tracked type,
// in the given order. staleAfter bounds how old an update may be before
// the row is flagged.
func buildRows(snap *state.Snapshot, types []metric.Type, now time.Time, staleAfter time.Duration) []Row {
	rows := make([]Row, 0, len(types))
	for _, typ := range types {
		def, err := metric.Lookup(typ)
		if err != nil {
			continue
		}
		st := snap.States[typ]

		row := Row{
			Type:    typ,
			Label:   labels[typ],
			Unit:    displayUnits[def.Unit],
			Samples: st.SampleCount,
		}
		if row.Label == "" {
			row.Label = string(typ)
		}

		if !st.Available {
			row.Value = "--"
			row.NoData = true
		} else {
			row.Value = formatValue(def, st.Value)
		}

		if st.Observed() {
			age := now.Sub(st.UpdatedAt)
			if age < 0 {
				age = 0
			}
			row.Age = age.Truncate(time.Second).String()
			if st.Available && staleAfter > 0 && age > staleAfter {
				row.Stale = true
			}
		} else {
			row.Age = "--"
		}

		rows = append(rows, row)
	}
	return rows
}

func formatValue(def metric.Definition, v float64) string {
	if def.Integral {
		return strconv.FormatInt(int64(v), 10)
	}
	switch def.Type {
	case metric.TypeHeartRateVariability, metric.TypeVO2Max:
		return strconv.FormatFloat(v, 'f', 1, 64)
	default:
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
}
