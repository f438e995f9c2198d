// Package trigger implements the pattern matching used to decide which
// policies are candidates for a given observation type. Patterns are either
// an exact type match or a prefix wildcard ("sleep.*" matches "sleep.logged",
// "sleep.interrupted", etc.) — no general regex, so matching a policy's
// trigger list against an observation type is O(number of triggers).
package trigger

import "strings"

// Matches reports whether observationType satisfies any of the given
// trigger patterns. An empty pattern list matches nothing — a policy with
// no triggers is never a candidate.
func Matches(observationType string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesOne(observationType, p) {
			return true
		}
	}
	return false
}

// MatchesOne reports whether a single pattern matches the given
// observation type. Supported forms:
//   - "*"            matches anything
//   - "sleep.*"      matches any type with prefix "sleep."
//   - "sleep.logged" matches only the exact type
func MatchesOne(observationType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(observationType, prefix)
	}
	return observationType == pattern
}

// Candidates filters policies down to those with at least one trigger
// matching observationType, preserving input order (callers sort by
// priority separately, per the policy engine's evaluation contract).
func Candidates[P any](observationType string, policies []P, triggersOf func(P) []string) []P {
	var out []P
	for _, p := range policies {
		if Matches(observationType, triggersOf(p)) {
			out = append(out, p)
		}
	}
	return out
}
