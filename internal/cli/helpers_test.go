package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const pipelineProgram = `
program: {
	name:    "pipeline"
	timeout: "25ms"
	workers: 2
	reactors: {
		src: {
			behavior: "count"
			timers: tick: {period: "10ms"}
			outputs: ["value"]
		}
		sink: {
			behavior: "log"
			inputs: ["value"]
		}
	}
	connections: [
		{from: "src.value", to: "sink.value"},
	]
}
`

// writeProgram drops a runnable pipeline program into a temp dir and
// returns its path.
func writeProgram(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.cue")
	require.NoError(t, os.WriteFile(path, []byte(pipelineProgram), 0o644))
	return path
}
