package metric

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reduce folds a batch of raw samples into a prior state and returns the
// successor state. The prior is never mutated; on any error the caller
// keeps the prior and drops the batch, so a rejected delivery can never
// leave a half-applied state behind.
//
// Batches arrive in delivery order. An empty batch is a published no-op:
// the prior comes back unchanged.
func Reduce(def Definition, prior State, batch []Sample, win DayWindow, at time.Time) (State, error) {
	if len(batch) == 0 {
		return prior, nil
	}
	for i, s := range batch {
		if err := s.Validate(); err != nil {
			return prior, fmt.Errorf("sample %d: %w", i, err)
		}
		if s.Type != def.Type {
			return prior, fmt.Errorf("sample %d: %w: got %s, reducing %s", i, ErrMalformedSample, s.Type, def.Type)
		}
	}
	switch def.Policy {
	case PolicyLastValue:
		return reduceLastValue(def, prior, batch, at)
	case PolicySumWindowed:
		return reduceSumWindowed(def, prior, batch, win, at)
	default:
		return prior, fmt.Errorf("unknown reduction policy %q for %s", def.Policy, def.Type)
	}
}

func reduceLastValue(def Definition, prior State, batch []Sample, at time.Time) (State, error) {
	last := batch[len(batch)-1]
	value, err := Convert(def, last.Qty, last.Unit)
	if err != nil {
		return prior, err
	}
	return State{
		Value:       value,
		Available:   true,
		SampleCount: prior.SampleCount + int64(len(batch)),
		UpdatedAt:   at,
	}, nil
}

func reduceSumWindowed(def Definition, prior State, batch []Sample, win DayWindow, at time.Time) (State, error) {
	sum := decimal.Zero
	var n int64
	for _, s := range batch {
		if !win.Contains(s.Time) {
			continue
		}
		value, err := Convert(def, s.Qty, s.Unit)
		if err != nil {
			return prior, err
		}
		sum = sum.Add(decimal.NewFromFloat(value))
		n++
	}
	if n == 0 {
		return prior, nil
	}
	total := decimal.NewFromFloat(prior.Value).Add(sum)
	return State{
		Value:       finalize(def, total),
		Available:   true,
		SampleCount: prior.SampleCount + n,
		UpdatedAt:   at,
	}, nil
}

// ReduceStatistics replaces a windowed total with the result of a full
// recomputation over the active window. It is the authoritative path for
// cumulative metrics: because the whole window is summed from scratch,
// overlapping or replayed deliveries cannot double count.
//
// A zero count means the window holds no samples yet. The value resets
// to zero but availability, once latched, stays latched.
func ReduceStatistics(def Definition, prior State, sumQty float64, unit string, count int64, at time.Time) (State, error) {
	if def.Policy != PolicySumWindowed {
		return prior, fmt.Errorf("statistics reduction is not defined for %s policy %q", def.Type, def.Policy)
	}
	if count == 0 {
		return State{
			Value:       0,
			Available:   prior.Available,
			SampleCount: 0,
			UpdatedAt:   at,
		}, nil
	}
	value, err := Convert(def, sumQty, unit)
	if err != nil {
		return prior, err
	}
	return State{
		Value:       finalize(def, decimal.NewFromFloat(value)),
		Available:   true,
		SampleCount: count,
		UpdatedAt:   at,
	}, nil
}

// ResetWindow zeroes a windowed total at a day boundary without touching
// availability. Point metrics pass through unchanged.
func ResetWindow(def Definition, prior State, at time.Time) State {
	if !def.Windowed {
		return prior
	}
	return State{
		Value:       0,
		Available:   prior.Available,
		SampleCount: 0,
		UpdatedAt:   at,
	}
}

// SumInWindow totals the in-window samples of a batch in the metric's
// canonical unit. Sources use it to answer statistics queries from raw
// sample sets. The sum is exact; no truncation happens here, only at the
// state boundary.
func SumInWindow(def Definition, samples []Sample, win DayWindow) (float64, int64, error) {
	sum := decimal.Zero
	var n int64
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return 0, 0, fmt.Errorf("sample %d: %w", i, err)
		}
		if !win.Contains(s.Time) {
			continue
		}
		value, err := Convert(def, s.Qty, s.Unit)
		if err != nil {
			return 0, 0, fmt.Errorf("sample %d: %w", i, err)
		}
		sum = sum.Add(decimal.NewFromFloat(value))
		n++
	}
	f, _ := sum.Float64()
	return f, n, nil
}

// finalize applies the state-boundary rounding rule. Integral metrics
// publish whole numbers; truncation happens after summation so partial
// quantities still contribute to the total.
func finalize(def Definition, d decimal.Decimal) float64 {
	if def.Integral {
		return float64(d.IntPart())
	}
	f, _ := d.Float64()
	return f
}
