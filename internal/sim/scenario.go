package sim

import "time"

// Op is one scripted operation against a running World, mirroring
// original_source's Scenario step closures.
type Op func(w *World) error

// Oracle inspects a finished World and returns an error describing
// which property it violated, mirroring original_source's
// Scenario::oracle callback (Box<dyn Fn(&World) -> Result<()>>).
type Oracle func(w *World) error

type scenarioStep struct {
	op      Op
	advance time.Duration
	isAdvance bool
}

// Scenario is a deterministic, fluent script: a seed, a fault profile,
// an ordered list of operations/clock advances, and zero or more
// oracles checked once the script has finished running.
type Scenario struct {
	seed   int64
	faults FaultConfig
	steps  []scenarioStep
	oracles []Oracle
}

func NewScenario(seed int64) *Scenario {
	return &Scenario{seed: seed}
}

func (s *Scenario) WithFaults(f FaultConfig) *Scenario {
	s.faults = f
	return s
}

// Step appends an operation to run against the World.
func (s *Scenario) Step(op Op) *Scenario {
	s.steps = append(s.steps, scenarioStep{op: op})
	return s
}

// Advance appends a clock advance, delivering anything in flight whose
// latency has elapsed and firing a Tick through every participant.
func (s *Scenario) Advance(d time.Duration) *Scenario {
	s.steps = append(s.steps, scenarioStep{advance: d, isAdvance: true})
	return s
}

// Oracle registers a property check run against the final World state.
func (s *Scenario) Oracle(o Oracle) *Scenario {
	s.oracles = append(s.oracles, o)
	return s
}

// Run executes every step in order against a fresh World, then every
// registered oracle, and returns a Report regardless of outcome — the
// caller decides whether a non-nil Report.Err fails the test.
func (s *Scenario) Run() *Report {
	start := time.Now()
	world := NewWorld(s.seed, s.faults)

	report := &Report{Seed: s.seed, StepCount: len(s.steps)}

	for i, step := range s.steps {
		var err error
		if step.isAdvance {
			world.Advance(step.advance)
		} else {
			err = step.op(world)
		}
		if err != nil {
			report.Err = err
			report.FailedStep = i
			report.finish(world, time.Since(start))
			return report
		}
	}

	for _, oracle := range s.oracles {
		if err := oracle(world); err != nil {
			report.Err = err
			report.FailedStep = -1
			report.finish(world, time.Since(start))
			return report
		}
	}

	report.finish(world, time.Since(start))
	return report
}
