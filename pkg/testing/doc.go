// Package testing provides a harness for exercising element trees without a
// host.
//
// # Quick Start
//
// Create a tester, pump a widget, and make assertions:
//
//	func TestCounter(t *testing.T) {
//	    tester := arbortest.NewTesterWithT(t)
//	    tester.PumpWidget(Counter{})
//
//	    label := tester.Find(arbortest.ByTag("label")).Node()
//	    if label.Props["text"] != "0" {
//	        t.Errorf("got %v", label.Props["text"])
//	    }
//	}
//
// The tester owns a task loop, a BuildOwner and a resource ledger running on
// a fake clock. Pump runs one tick of the loop; PumpAndSettle runs ticks
// until no work is left.
//
// # Snapshot Testing
//
// Capture and compare element tree snapshots:
//
//	snapshot := tester.CaptureSnapshot()
//	snapshot.MatchesFile(t, "testdata/counter.snapshot.json")
//
// Update snapshots with:
//
//	ARBOR_UPDATE_SNAPSHOTS=1 go test ./...
//
// # Time
//
// Leak detection and profiling read the fake clock:
//
//	tester.Clock().Advance(2 * time.Minute)
//	leaks := tester.Manager().DetectLeaks()
//
// # Import Alias
//
// Since this package has the same name as the standard library testing
// package, import it with an alias:
//
//	import arbortest "github.com/go-drift/arbor/pkg/testing"
package testing
