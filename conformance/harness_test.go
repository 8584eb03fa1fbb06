// Package conformance provides conformance tests for the ingest service.
package conformance

import (
	"testing"
)

// TestConformance runs the full wire-contract suite against an in-process
// deployment on in-memory backends.
func TestConformance(t *testing.T) {
	harness, err := NewHarness(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}
