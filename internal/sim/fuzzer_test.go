package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuzzerRunsEveryIteration(t *testing.T) {
	f := NewFuzzer(FuzzerConfig{
		Iterations: 20,
		Parallel:   4,
		BaseSeed:   1000,
		Categories: []Category{CategoryReliableMessaging, CategoryMembershipChange, CategoryPartitionHeal},
	})

	report := f.Run(context.Background())
	require.Equal(t, 20, report.Total)
	assert.Equal(t, report.Total, report.Passed+report.Failed)
	assert.Equal(t, 0, report.Failed, "every generated scenario should pass")
}

func TestFuzzerIsReproducibleAcrossRuns(t *testing.T) {
	cfg := FuzzerConfig{Iterations: 10, Parallel: 2, BaseSeed: 42, Categories: []Category{CategoryLossyMessaging}}

	first := NewFuzzer(cfg).Run(context.Background())
	second := NewFuzzer(cfg).Run(context.Background())

	firstFrames := make(map[int64]uint64, len(first.Reports))
	for _, r := range first.Reports {
		firstFrames[r.Seed] = r.Report.Stats.FramesSent
	}
	for _, r := range second.Reports {
		want, ok := firstFrames[r.Seed]
		require.True(t, ok, "seed %d missing from first run", r.Seed)
		assert.Equal(t, want, r.Report.Stats.FramesSent, "seed %d should behave identically across runs", r.Seed)
	}
}

func TestDefaultFuzzerConfigIsUsableStandalone(t *testing.T) {
	f := NewFuzzer(FuzzerConfig{})
	report := f.Run(context.Background())
	assert.Equal(t, DefaultFuzzerConfig().Iterations, report.Total)
}
