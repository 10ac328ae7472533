package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "warden", cmd.Use)
	assert.Contains(t, cmd.Long, "approval chains")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"submit"}, {"decide"}, {"cancel"}, {"dispatch"}, {"show"}, {"list"},
		{"audit"}, {"sweep"}, {"serve"},
		{"policy", "load"}, {"policy", "validate"},
		{"authority", "serve"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestSubmitCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	submitCmd, _, err := cmd.Find([]string{"submit"})
	require.NoError(t, err)

	for _, name := range []string{"request-id", "intent", "operator", "plan", "plan-file", "dry-run", "workspace"} {
		assert.NotNil(t, submitCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "{}", submitCmd.Flags().Lookup("context").DefValue)
}

func TestDecideCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	decideCmd, _, err := cmd.Find([]string{"decide"})
	require.NoError(t, err)

	rejectFlag := decideCmd.Flags().Lookup("reject")
	require.NotNil(t, rejectFlag)
	assert.Equal(t, "false", rejectFlag.DefValue)
	require.NotNil(t, decideCmd.Flags().Lookup("actor"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"list", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidLogFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"list", "--log-format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}
