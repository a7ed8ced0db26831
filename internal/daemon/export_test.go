package daemon

import "time"

// SetSnapshotIntervalForTest overrides the live DOM snapshot cadence for
// the duration of a test, returning a func that restores the previous
// value. Exported only to _test.go files via the export_test.go
// convention.
func SetSnapshotIntervalForTest(d time.Duration) func() {
	prev := snapshotInterval
	snapshotInterval = d
	return func() { snapshotInterval = prev }
}
