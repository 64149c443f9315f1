package metric

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedSample marks samples that fail structural validation.
// Callers isolate these per metric; one bad sample never takes down a
// sibling stream.
var ErrMalformedSample = errors.New("malformed sample")

// Sample is one raw observation as delivered by a source, still in the
// source's own unit.
type Sample struct {
	Type Type
	Qty  float64
	Unit string
	Time time.Time
}

// Validate checks the structural invariants a sample must satisfy before
// it is allowed anywhere near reduction.
func (s Sample) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown metric type %q", ErrMalformedSample, s.Type)
	}
	if math.IsNaN(s.Qty) {
		return fmt.Errorf("%w: %s quantity is NaN", ErrMalformedSample, s.Type)
	}
	if math.IsInf(s.Qty, 0) {
		return fmt.Errorf("%w: %s quantity is infinite", ErrMalformedSample, s.Type)
	}
	if s.Unit == "" {
		return fmt.Errorf("%w: %s sample has no unit", ErrMalformedSample, s.Type)
	}
	if s.Time.IsZero() {
		return fmt.Errorf("%w: %s sample has no timestamp", ErrMalformedSample, s.Type)
	}
	return nil
}
