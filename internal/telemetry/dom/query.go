package dom

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// QueryIndex assigns stable small-integer indices to selector matches
// against the most recently cached outerHTML, so callers can refer to
// "match:N:selector" instead of a raw CDP backend node id. It is advisory only:
// actual node operations still go through CDP against the live page.
type QueryIndex struct {
	mu      sync.Mutex
	snap    *goquery.Document
	matches map[string][]int
}

// NewQueryIndex returns an empty QueryIndex.
func NewQueryIndex() *QueryIndex {
	return &QueryIndex{matches: make(map[string][]int)}
}

// SetSnapshot parses outerHTML and resets any previously assigned indices.
func (q *QueryIndex) SetSnapshot(outerHTML string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(outerHTML))
	if err != nil {
		return fmt.Errorf("dom: parse snapshot for query index: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.snap = doc
	q.matches = make(map[string][]int)
	return nil
}

// Resolve returns the goquery match indices for selector, assigning them
// on first use and reusing the same indices on subsequent calls within
// the same snapshot.
func (q *QueryIndex) Resolve(selector string) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.snap == nil {
		return nil, fmt.Errorf("dom: no snapshot captured yet")
	}
	if idxs, ok := q.matches[selector]; ok {
		return idxs, nil
	}

	sel := q.snap.Find(selector)
	idxs := make([]int, sel.Length())
	for i := range idxs {
		idxs[i] = i
	}
	q.matches[selector] = idxs
	return idxs, nil
}

// MatchKey formats the reference dom_query hands back for a selector
// match. The index comes first so ParseMatchKey can split it off
// unambiguously even when selector itself contains colons (e.g.
// pseudo-classes or attribute selectors).
func MatchKey(selector string, index int) string {
	return fmt.Sprintf("match:%d:%s", index, selector)
}

// ParseMatchKey reverses MatchKey, recovering the selector and index a
// caller must resolve against the live page to get a CDP nodeId.
func ParseMatchKey(key string) (selector string, index int, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "match" {
		return "", 0, fmt.Errorf("dom: malformed match key %q", key)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("dom: malformed match key %q: %w", key, err)
	}
	return parts[2], idx, nil
}
