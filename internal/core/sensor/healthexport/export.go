// Package healthexport replays Health Auto Export JSON payloads as a
// sensor source. An exported file stands in for live hardware: its
// samples re-enter the engine on the original cadence, optionally
// rebased to the present and time-compressed.
package healthexport

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/vitals-lab/vitals/internal/core/metric"
)

// DateLayout is the timestamp format the Auto Export app writes.
const DateLayout = "2006-01-02 15:04:05 -0700"

// Timestamp wraps the app's non-RFC3339 date encoding.
type Timestamp struct {
	t time.Time
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return err
	}
	ts.t = t
	return nil
}

func (ts *Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.t.Format(DateLayout))
}

func (ts *Timestamp) ToTime() time.Time { return ts.t }

// Entry is one exported reading. Scalar metrics carry qty; heart rate
// entries carry Min/Avg/Max instead, of which Avg stands in for the
// reading.
type Entry struct {
	Date *Timestamp `json:"date"`
	Qty  *float64   `json:"qty"`
	Avg  *float64   `json:"Avg"`
	Min  *float64   `json:"Min"`
	Max  *float64   `json:"Max"`
}

// value picks the reading out of an entry.
func (e Entry) value() (float64, bool) {
	if e.Qty != nil {
		return *e.Qty, true
	}
	if e.Avg != nil {
		return *e.Avg, true
	}
	return 0, false
}

// Metric is one named series. Units apply to every entry in the series.
type Metric struct {
	Name  string  `json:"name"`
	Units string  `json:"units"`
	Data  []Entry `json:"data"`
}

// Export is the top-level payload shape of an Auto Export file.
type Export struct {
	Data struct {
		Metrics []Metric `json:"metrics"`
	} `json:"data"`
}

// Parse decodes an Auto Export payload.
func Parse(b []byte) (*Export, error) {
	var export Export
	if err := json.Unmarshal(b, &export); err != nil {
		return nil, fmt.Errorf("parsing health export: %w", err)
	}
	return &export, nil
}

// ParseFile reads and decodes an Auto Export file.
func ParseFile(path string) (*Export, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading health export %s: %w", path, err)
	}
	export, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return export, nil
}

// Samples converts the export into per-type sample series, sorted by
// time. Series the engine does not track, and series whose units no
// tracked metric can accept, are skipped and reported so the caller can
// log them. Individual entries without a date or a reading are dropped
// silently; export files from the wild do contain them.
func (e *Export) Samples() (map[metric.Type][]metric.Sample, []string) {
	byType := make(map[metric.Type][]metric.Sample)
	var skipped []string

	for _, m := range e.Data.Metrics {
		typ, err := metric.ParseType(m.Name)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: not tracked", m.Name))
			continue
		}
		def, err := metric.Lookup(typ)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", m.Name, err))
			continue
		}
		if _, err := metric.Convert(def, 1, m.Units); err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: unusable units %q", m.Name, m.Units))
			continue
		}

		for _, entry := range m.Data {
			qty, ok := entry.value()
			if !ok || entry.Date == nil {
				continue
			}
			byType[typ] = append(byType[typ], metric.Sample{
				Type: typ,
				Qty:  qty,
				Unit: m.Units,
				Time: entry.Date.ToTime(),
			})
		}
	}

	for typ := range byType {
		samples := byType[typ]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
	}
	return byType, skipped
}
