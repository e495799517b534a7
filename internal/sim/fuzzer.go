package sim

import (
	"context"
	"sync"
	"sync/atomic"
)

// FuzzerConfig configures a Fuzzer run, mirroring the teacher's
// FuzzerConfig (re-scoped: Categories here are protocol scenario
// categories, not RFC9421/crypto/DID test categories).
type FuzzerConfig struct {
	Iterations int
	Parallel   int
	BaseSeed   int64
	Categories []Category
	StopOnFirstFail bool
}

// DefaultFuzzerConfig mirrors the teacher's NewFuzzer nil-config
// fallback: a modest single-threaded smoke run.
func DefaultFuzzerConfig() FuzzerConfig {
	return FuzzerConfig{Iterations: 100, Parallel: 1, BaseSeed: 1}
}

// FuzzReport aggregates every generated scenario's Report, mirroring
// the teacher's Fuzzer.Run summary (TotalTests/PassedTests/FailedTests
// plus per-category breakdown).
type FuzzReport struct {
	Total   int
	Passed  int
	Failed  int
	Reports []ScenarioReport
}

// ScenarioReport pairs a generated scenario's seed and category with
// its execution Report.
type ScenarioReport struct {
	Seed     int64
	Category Category
	Report   *Report
}

// Fuzzer runs many randomly generated Scenarios across a worker pool
// and collects their Reports, mirroring the teacher's worker-pool
// Fuzzer (channel of generated work, fixed-size pool of workers,
// atomic counters for cross-worker state the way the teacher's
// Fuzzer tracks totalTests/passedTests/failedTests).
type Fuzzer struct {
	config FuzzerConfig
}

func NewFuzzer(config FuzzerConfig) *Fuzzer {
	if config.Iterations == 0 {
		config = DefaultFuzzerConfig()
	}
	if config.Parallel <= 0 {
		config.Parallel = 1
	}
	return &Fuzzer{config: config}
}

// Run generates config.Iterations scenarios (seeded BaseSeed+i, so a
// run is reproducible) and executes them across config.Parallel
// workers. If StopOnFirstFail is set, already-dispatched work still
// finishes but no further seeds are picked up once a failure lands.
func (f *Fuzzer) Run(ctx context.Context) *FuzzReport {
	type work struct {
		seed int64
	}

	workCh := make(chan work, f.config.Parallel)
	resultCh := make(chan ScenarioReport, f.config.Iterations)

	var stopped atomic.Bool // set once StopOnFirstFail trips
	var wg sync.WaitGroup
	for i := 0; i < f.config.Parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen := NewGenerator(0) // reseeded per scenario below
			for w := range workCh {
				if stopped.Load() {
					continue
				}
				select {
				case <-ctx.Done():
					return
				default:
				}

				gen.rng.Seed(w.seed)
				scenario, category := gen.Generate(w.seed, f.config.Categories)
				report := scenario.Run()
				resultCh <- ScenarioReport{Seed: w.seed, Category: category, Report: report}

				if f.config.StopOnFirstFail && !report.Passed() {
					stopped.Store(true)
				}
			}
		}()
	}

	go func() {
		defer close(workCh)
		for i := 0; i < f.config.Iterations; i++ {
			if stopped.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case workCh <- work{seed: f.config.BaseSeed + int64(i)}:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	fuzzReport := &FuzzReport{}
	for result := range resultCh {
		fuzzReport.Total++
		if result.Report.Passed() {
			fuzzReport.Passed++
		} else {
			fuzzReport.Failed++
		}
		fuzzReport.Reports = append(fuzzReport.Reports, result)
	}
	return fuzzReport
}
