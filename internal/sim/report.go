package sim

import (
	"encoding/json"
	"os"
	"time"
)

// Report summarizes a single Scenario run, grounded on the teacher's
// tests/random/reporter.go FuzzReport shape, re-scoped from HTTP-
// signature/crypto/DID pass-rate statistics to protocol-simulation
// statistics (frames sent/dropped/delivered, findings, which step or
// oracle failed).
type Report struct {
	Seed          int64         `json:"seed"`
	StepCount     int           `json:"step_count"`
	WallDuration  time.Duration `json:"wall_duration"`
	SimulatedTime time.Time     `json:"simulated_time"`
	Stats         Stats         `json:"stats"`
	Findings      []Finding     `json:"findings"`

	// Err is the first failure encountered, either from a Step (then
	// FailedStep is its index) or an Oracle (then FailedStep is -1).
	Err        error `json:"-"`
	FailedStep int   `json:"failed_step"`
}

func (r *Report) finish(w *World, wallDuration time.Duration) {
	r.WallDuration = wallDuration
	r.SimulatedTime = w.Now()
	r.Stats = w.Stats()
	r.Findings = w.Findings()
}

// Passed reports whether every step and oracle succeeded.
func (r *Report) Passed() bool { return r.Err == nil }

// reportJSON is Report's on-disk shape: time.Duration and error don't
// round-trip through encoding/json on their own, so this substitutes
// plain, readable fields.
type reportJSON struct {
	Seed          int64     `json:"seed"`
	StepCount     int       `json:"step_count"`
	WallDurationMs int64    `json:"wall_duration_ms"`
	SimulatedTime time.Time `json:"simulated_time"`
	Stats         Stats     `json:"stats"`
	Findings      []Finding `json:"findings"`
	Passed        bool      `json:"passed"`
	Error         string    `json:"error,omitempty"`
	FailedStep    int       `json:"failed_step"`
}

// WriteJSON saves the report to path, mirroring the teacher's
// ResultReporter.Save.
func (r *Report) WriteJSON(path string) error {
	doc := reportJSON{
		Seed:           r.Seed,
		StepCount:      r.StepCount,
		WallDurationMs: r.WallDuration.Milliseconds(),
		SimulatedTime:  r.SimulatedTime,
		Stats:          r.Stats,
		Findings:       r.Findings,
		Passed:         r.Passed(),
		FailedStep:     r.FailedStep,
	}
	if r.Err != nil {
		doc.Error = r.Err.Error()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
