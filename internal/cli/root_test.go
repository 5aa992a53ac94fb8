package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tact", cmd.Use)
	assert.Contains(t, cmd.Long, "logical time")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"validate", "run", "test", "trace", "rti"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
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
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	dbFlag := runCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)

	fastFlag := runCmd.Flags().Lookup("fast")
	require.NotNil(t, fastFlag)
	assert.Equal(t, "false", fastFlag.DefValue)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listCmd, _, err := cmd.Find([]string{"trace", "list"})
	require.NoError(t, err)
	require.NotNil(t, listCmd.Flags().Lookup("db"))

	showCmd, _, err := cmd.Find([]string{"trace", "show"})
	require.NoError(t, err)
	require.NotNil(t, showCmd.Flags().Lookup("db"))
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "validate", "x.cue"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
