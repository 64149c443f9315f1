package metric

import (
	"errors"
	"fmt"
)

// ErrUnitMismatch marks samples whose source unit cannot be converted to
// the metric's canonical unit.
var ErrUnitMismatch = errors.New("unit mismatch")

// UnitError reports the metric and the offending source unit.
type UnitError struct {
	Type Type
	Unit string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit mismatch: %s cannot accept %q", e.Type, e.Unit)
}

func (e *UnitError) Unwrap() error { return ErrUnitMismatch }

// energyUnits is shared by every energy metric.
var energyUnits = map[string]float64{
	"kcal": 1,
	"Cal":  1,
	"cal":  0.001,
	"kJ":   1.0 / 4.184,
	"J":    1.0 / 4184,
}

// conversions maps, per metric type, each accepted source unit to the
// multiplicative factor that takes a quantity into the canonical unit.
// To accept a new source unit: add an entry to the metric's row here.
var conversions = map[Type]map[string]float64{
	TypeHeartRate: {
		"count/min": 1,
		"bpm":       1,
	},
	TypeHeartRateVariability: {
		"ms": 1,
		"s":  1000,
	},
	TypeVO2Max: {
		"mL/kg·min":   1,
		"mL/(kg·min)": 1,
		"mL/min·kg":   1,
		"ml/kg/min":   1,
	},
	TypeStepCount: {
		"count": 1,
		"steps": 1,
	},
	TypeActiveEnergy:  energyUnits,
	TypeRestingEnergy: energyUnits,
}

// Convert transforms a source-unit quantity into the definition's
// canonical unit. A source unit outside the metric's accepted set yields
// a *UnitError wrapping ErrUnitMismatch; the quantity is unusable and
// must not reach reduction.
func Convert(def Definition, qty float64, unit string) (float64, error) {
	factors, ok := conversions[def.Type]
	if !ok {
		return 0, fmt.Errorf("no conversions registered for metric type %q", def.Type)
	}
	f, ok := factors[unit]
	if !ok {
		return 0, &UnitError{Type: def.Type, Unit: unit}
	}
	return qty * f, nil
}
