package metric

import "fmt"

// Type identifies one tracked biometric stream.
// The names follow the Health Auto Export vocabulary so replayed export
// files bind to tracked metrics without a translation table.
type Type string

const (
	TypeHeartRate            Type = "heart_rate"
	TypeHeartRateVariability Type = "heart_rate_variability"
	TypeVO2Max               Type = "vo2_max"
	TypeStepCount            Type = "step_count"
	TypeActiveEnergy         Type = "active_energy"
	TypeRestingEnergy        Type = "resting_energy"
)

// Unit is a canonical measurement unit. All published state and every
// downstream consumer agree on these; source-reported units are converted
// on ingress and never leak past reduction.
type Unit string

const (
	UnitBeatsPerMin  Unit = "count/min"
	UnitMilliseconds Unit = "ms"
	UnitMLPerKgMin   Unit = "mL/kg·min"
	UnitKilocalories Unit = "kcal"
	UnitCount        Unit = "count"
)

// Reduction policies. last_value and sum_windowed are the only two the
// tracked metrics need; avg/min/max would require composite state.
const (
	// PolicyLastValue publishes the most recent sample in delivery order.
	PolicyLastValue Policy = "last_value"

	// PolicySumWindowed publishes the total over the active daily window,
	// recomputed in full on each refresh so overlapping deliveries can
	// never double count.
	PolicySumWindowed Policy = "sum_windowed"
)

// Policy is the rule for folding a batch of new samples into a state.
type Policy string

// Definition carries the per-metric contract: canonical unit, reduction
// policy, and how the published value behaves at the state boundary.
type Definition struct {
	Type     Type
	Unit     Unit
	Policy   Policy
	Windowed bool // accumulation is scoped to the current day and restarts at local midnight
	Integral bool // published value is truncated to a whole number after summation
}

// Definitions is the registry of all supported metric types.
// To add a metric: add a Type constant and an entry here. No switch
// statements on the type exist anywhere else in the codebase.
var Definitions = map[Type]Definition{
	TypeHeartRate:            {Type: TypeHeartRate, Unit: UnitBeatsPerMin, Policy: PolicyLastValue},
	TypeHeartRateVariability: {Type: TypeHeartRateVariability, Unit: UnitMilliseconds, Policy: PolicyLastValue},
	TypeVO2Max:               {Type: TypeVO2Max, Unit: UnitMLPerKgMin, Policy: PolicyLastValue},
	TypeStepCount:            {Type: TypeStepCount, Unit: UnitCount, Policy: PolicySumWindowed, Windowed: true, Integral: true},
	TypeActiveEnergy:         {Type: TypeActiveEnergy, Unit: UnitKilocalories, Policy: PolicySumWindowed, Windowed: true},
	TypeRestingEnergy:        {Type: TypeRestingEnergy, Unit: UnitKilocalories, Policy: PolicySumWindowed, Windowed: true},
}

// allTypes fixes the presentation order: point metrics first, then the
// daily cumulative ones.
var allTypes = []Type{
	TypeHeartRate,
	TypeHeartRateVariability,
	TypeVO2Max,
	TypeStepCount,
	TypeActiveEnergy,
	TypeRestingEnergy,
}

// AllTypes returns every supported metric type in stable order.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is a registered metric type.
func (t Type) Valid() bool {
	_, ok := Definitions[t]
	return ok
}

func (t Type) String() string { return string(t) }

// ParseType converts a config or file token into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown metric type %q", s)
	}
	return t, nil
}

// Lookup returns the definition for t, or an error for unknown types.
func Lookup(t Type) (Definition, error) {
	def, ok := Definitions[t]
	if !ok {
		return Definition{}, fmt.Errorf("unknown metric type %q", t)
	}
	return def, nil
}
