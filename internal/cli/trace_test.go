package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordRun executes the pipeline with --db and returns the database
// path and the run id.
func recordRun(t *testing.T) (string, string) {
	t.Helper()
	path := writeProgram(t)
	db := filepath.Join(t.TempDir(), "trace.db")

	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path, "--fast", "--db", db})
	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	return db, resp.Data.(map[string]any)["run"].(string)
}

func TestTraceList(t *testing.T) {
	db, runID := recordRun(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"list", "--db", db})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), runID)
	assert.Contains(t, buf.String(), "pipeline")
}

func TestTraceShow(t *testing.T) {
	db, runID := recordRun(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"show", runID, "--db", db})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	detail := resp.Data.(map[string]any)
	run := detail["run"].(map[string]any)
	assert.Equal(t, runID, run["id"])
	assert.NotEmpty(t, detail["reactions"])
}

func TestTraceShow_UnknownRun(t *testing.T) {
	db, _ := recordRun(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"show", "00000000-0000-0000-0000-000000000000", "--db", db})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceShow_BadID(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"show", "not-a-uuid", "--db", "unused.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
