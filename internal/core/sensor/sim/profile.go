// Package sim is a deterministic sensor source. It synthesizes biometric
// streams from seeded waveform profiles so the engine can run, and be
// demonstrated, without any real hardware behind it.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitals-lab/vitals/internal/core/metric"
)

// Waveform selects how a metric's samples are synthesized.
type Waveform string

const (
	// WaveformSine oscillates around a base value. Used for point metrics
	// such as heart rate.
	WaveformSine Waveform = "sine"

	// WaveformConstant hovers at the base value with only jitter on top.
	WaveformConstant Waveform = "constant"

	// WaveformIncrement emits per-tick deltas sized by a mean rate. Used
	// for cumulative metrics such as steps and energy.
	WaveformIncrement Waveform = "increment"
)

func validWaveform(w Waveform) bool {
	switch w {
	case WaveformSine, WaveformConstant, WaveformIncrement:
		return true
	}
	return false
}

// MetricProfile describes one synthesized stream.
type MetricProfile struct {
	Waveform    Waveform
	Base        float64       // center value for sine/constant
	Amplitude   float64       // sine swing around the base
	Period      time.Duration // sine cycle length
	Jitter      float64       // uniform noise added to every sample
	Rate        float64       // mean quantity per second for increment
	Every       int           // emit on every Nth tick; 1 means every tick
	Unit        string        // source-reported unit, converted on ingest
	Unavailable bool          // Open fails with ErrMetricUnavailable
}

// Profile configures the whole source: the shared clock tick, the RNG
// seed, and one entry per synthesized metric. Metrics absent from the
// map behave as unavailable.
type Profile struct {
	Seed       int64
	DenyAccess bool
	Tick       time.Duration
	Metrics    map[metric.Type]MetricProfile
}

// rawProfile is the on-disk YAML shape. Durations travel as strings.
type rawProfile struct {
	Seed       int64                       `yaml:"seed"`
	DenyAccess bool                        `yaml:"deny_access"`
	Tick       string                      `yaml:"tick"`
	Metrics    map[string]rawMetricProfile `yaml:"metrics"`
}

type rawMetricProfile struct {
	Waveform    string  `yaml:"waveform"`
	Base        float64 `yaml:"base"`
	Amplitude   float64 `yaml:"amplitude"`
	Period      string  `yaml:"period"`
	Jitter      float64 `yaml:"jitter"`
	Rate        float64 `yaml:"rate"`
	Every       int     `yaml:"every"`
	Unit        string  `yaml:"unit"`
	Unavailable bool    `yaml:"unavailable"`
}

// LoadProfile reads a waveform profile from a YAML file. Every entry is
// validated at load time; a malformed profile fails startup rather than
// a stream mid-run.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading sim profile %s: %w", path, err)
	}

	var raw rawProfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Profile{}, fmt.Errorf("parsing sim profile %s: %w", path, err)
	}

	p := Profile{
		Seed:       raw.Seed,
		DenyAccess: raw.DenyAccess,
		Tick:       time.Second,
		Metrics:    make(map[metric.Type]MetricProfile, len(raw.Metrics)),
	}
	if raw.Tick != "" {
		tick, err := time.ParseDuration(raw.Tick)
		if err != nil {
			return Profile{}, fmt.Errorf("sim profile tick: %w", err)
		}
		p.Tick = tick
	}

	for name, rm := range raw.Metrics {
		typ, err := metric.ParseType(name)
		if err != nil {
			return Profile{}, fmt.Errorf("sim profile: %w", err)
		}

		mp := MetricProfile{
			Waveform:    Waveform(rm.Waveform),
			Base:        rm.Base,
			Amplitude:   rm.Amplitude,
			Jitter:      rm.Jitter,
			Rate:        rm.Rate,
			Every:       rm.Every,
			Unit:        rm.Unit,
			Unavailable: rm.Unavailable,
		}
		if rm.Period != "" {
			period, err := time.ParseDuration(rm.Period)
			if err != nil {
				return Profile{}, fmt.Errorf("sim profile %s period: %w", name, err)
			}
			mp.Period = period
		}
		p.Metrics[typ] = mp
	}

	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("sim profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile's internal consistency.
func (p Profile) Validate() error {
	if p.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %v", p.Tick)
	}
	for typ, mp := range p.Metrics {
		if mp.Unavailable {
			continue
		}
		if !validWaveform(mp.Waveform) {
			return fmt.Errorf("%s: unsupported waveform %q", typ, mp.Waveform)
		}
		if mp.Waveform == WaveformSine && mp.Period <= 0 {
			return fmt.Errorf("%s: sine waveform needs a positive period", typ)
		}
		if mp.Waveform == WaveformIncrement && mp.Rate < 0 {
			return fmt.Errorf("%s: increment rate must not be negative", typ)
		}
		if mp.Every < 0 {
			return fmt.Errorf("%s: every must not be negative", typ)
		}
		if mp.Unit == "" {
			return fmt.Errorf("%s: unit must not be empty", typ)
		}
		def, err := metric.Lookup(typ)
		if err != nil {
			return err
		}
		if _, err := metric.Convert(def, 1, mp.Unit); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
	}
	return nil
}

// DefaultProfile synthesizes every supported metric with plausible
// resting-human numbers. It keeps the binary runnable with no profile
// file at all.
func DefaultProfile() Profile {
	return Profile{
		Seed: 1,
		Tick: time.Second,
		Metrics: map[metric.Type]MetricProfile{
			metric.TypeHeartRate: {
				Waveform: WaveformSine, Base: 72, Amplitude: 16, Period: 90 * time.Second, Jitter: 2, Unit: "count/min",
			},
			metric.TypeHeartRateVariability: {
				Waveform: WaveformSine, Base: 55, Amplitude: 20, Period: 5 * time.Minute, Jitter: 4, Unit: "ms", Every: 5,
			},
			metric.TypeVO2Max: {
				Waveform: WaveformConstant, Base: 41.5, Jitter: 0.2, Unit: "mL/kg·min", Every: 30,
			},
			metric.TypeStepCount: {
				Waveform: WaveformIncrement, Rate: 1.4, Jitter: 6, Unit: "count",
			},
			metric.TypeActiveEnergy: {
				Waveform: WaveformIncrement, Rate: 0.02, Jitter: 0.01, Unit: "kcal",
			},
			metric.TypeRestingEnergy: {
				Waveform: WaveformIncrement, Rate: 0.019, Jitter: 0.002, Unit: "kcal",
			},
		},
	}
}
