package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/tidefall/tact/internal/trace"
)

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{name}.golden. The snapshot is canonical JSON of
// the reaction records in canonical trace order, so it is stable
// across worker counts. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	res, err := Run(s)
	if err != nil {
		return res, err
	}
	snap, err := Snapshot(s.Name, res.Logs[0])
	if err != nil {
		return res, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, snap)
	return res, nil
}

// Snapshot serializes a trace for golden comparison.
func Snapshot(name string, log *trace.Log) ([]byte, error) {
	recs := log.Sorted()
	arr := make([]any, len(recs))
	for i, r := range recs {
		arr[i] = map[string]any{
			"time":      r.Tag.Time,
			"microstep": r.Tag.Microstep,
			"level":     r.Level,
			"reaction":  r.Name,
			"miss":      r.DeadlineMiss,
		}
	}
	return trace.MarshalCanonical(map[string]any{
		"scenario": name,
		"trace":    arr,
	})
}
