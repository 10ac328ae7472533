package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios against a
// real engine. Scenarios with a deterministic audit trail are also
// compared against their golden file.
func TestScenarios(t *testing.T) {
	tests := []struct {
		name   string
		golden bool
	}{
		{name: "governed_lifecycle", golden: true},
		{name: "expiry", golden: true},
		{name: "parallel_chain", golden: true},
		{name: "rejection_and_ungoverned", golden: true},
		// Conflict events interleave with the winner's completion.
		{name: "concurrent_dispatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", tt.name+".yaml"))
			require.NoError(t, err)
			assert.Equal(t, tt.name, scenario.Name)
			assert.NotEmpty(t, scenario.Description)

			if tt.golden {
				result, err := RunWithGolden(t, scenario)
				require.NoError(t, err)
				assert.NotEmpty(t, result.Trace)
				return
			}

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario should pass: errors=%v", result.Errors)
		})
	}
}

// TestScenariosReplay runs a scenario twice; the audit trails must match.
func TestScenariosReplay(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "parallel_chain.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	require.True(t, first.Pass, "errors=%v", first.Errors)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Calls, second.Calls)
}

func TestConcurrentDispatchClaimsOnce(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_dispatch.yaml"))
	require.NoError(t, err)

	for range 5 {
		result, err := Run(scenario)
		require.NoError(t, err)
		require.True(t, result.Pass, "errors=%v", result.Errors)
		assert.Equal(t, 1, result.Calls["deploy"])
	}
}
