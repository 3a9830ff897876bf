package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGolden compares the run's trace with testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, r *Run) {
	t.Helper()

	trace, err := r.Trace(context.Background())
	if err != nil {
		t.Fatalf("read trace of %s: %v", r.ID, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(trace))
}
