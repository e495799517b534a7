package sim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportWriteJSONRoundTrips(t *testing.T) {
	gen := NewGenerator(1)
	scenario, _ := gen.Generate(1, []Category{CategoryReliableMessaging})
	report := scenario.Run()
	require.True(t, report.Passed())

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc reportJSON
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, report.Seed, doc.Seed)
	assert.True(t, doc.Passed)
	assert.Equal(t, report.Stats.FramesSent, doc.Stats.FramesSent)
}

func TestReportWriteJSONRecordsFailure(t *testing.T) {
	s := NewScenario(1)
	s.Step(func(w *World) error {
		return w.Dispatch(1, createRoomEvent(fixedRoomId(1)))
	})
	report := s.Run()
	require.False(t, report.Passed())

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc reportJSON
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.False(t, doc.Passed)
	assert.NotEmpty(t, doc.Error)
}
