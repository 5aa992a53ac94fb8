package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]string{"result": "ok"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error(ErrCodeCompile, "compile failed", map[string]string{"file": "p.cue"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeCompile, resp.Error.Code)
	assert.Equal(t, "compile failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeRun, "run failed", nil))
	assert.Contains(t, buf.String(), "Error [E004]: run failed")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("compiled %d reactors", 3)
	assert.Empty(t, out.String(), "verbose logs must not corrupt JSON output")
	assert.Contains(t, errOut.String(), "compiled 3 reactors")

	formatter.Verbose = false
	errOut.Reset()
	formatter.VerboseLog("quiet")
	assert.Empty(t, errOut.String())
}

func TestExitError(t *testing.T) {
	base := errors.New("boom")
	err := WrapExitError(ExitCommandError, "open store", base)
	assert.Equal(t, "open store: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "assertion failed")))
}
