package testutil

import (
	"io"
	"log/slog"
	"testing"
)

// Logger returns a logger that discards everything, keeping test
// output readable.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
