package tabresolver

import "strings"

// score implements the tab-reuse heuristic: exact match beats same
// host+path, which beats a path prefix, which beats same host, which beats
// a plain substring match. Anything else scores zero and is never reused.
func score(candidate string, target normalizedURL) int {
	cand, err := normalize(candidate)
	if err != nil {
		return 0
	}

	if cand.raw == target.raw {
		return 100
	}
	if cand.host() == target.host() && cand.path() == target.path() {
		return 90
	}
	if cand.host() == target.host() && target.path() != "" && strings.HasPrefix(cand.path(), target.path()) {
		return 70
	}
	if cand.host() == target.host() {
		return 50
	}
	if strings.Contains(cand.raw, target.raw) {
		return 30
	}
	return 0
}
