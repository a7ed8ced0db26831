package dom

import (
	"errors"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrNoPriorSnapshot is returned by Differ.Diff when fewer than two
// snapshots have been captured in the session.
var ErrNoPriorSnapshot = errors.New("dom: need at least two captured snapshots to diff")

// Differ caches the two most recent snapshots captured in a session so
// dom_diff can compare them without re-fetching the DOM.
type Differ struct {
	mu       sync.Mutex
	previous *Snapshot
	current  *Snapshot
}

// NewDiffer returns an empty Differ.
func NewDiffer() *Differ {
	return &Differ{}
}

// Record stores snap as the new "current" snapshot, demoting the old
// current to "previous".
func (d *Differ) Record(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous = d.current
	cp := snap
	d.current = &cp
}

// Diff returns a human-readable diff between the previous and current
// cached snapshots' outerHTML.
func (d *Differ) Diff() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.previous == nil || d.current == nil {
		return "", ErrNoPriorSnapshot
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(d.previous.OuterHTML, d.current.OuterHTML, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs), nil
}
