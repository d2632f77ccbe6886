// ABOUTME: Last-message matchers deciding whether a deleted message was the conversation's newest
// ABOUTME: Exact equality by default, with the legacy clock-sum heuristic selectable by name

package conversation

import (
	"fmt"
	"time"

	"github.com/2389/parley-gateway/internal/store"
)

// Matcher names accepted in configuration.
const (
	MatchExact    = "exact"
	MatchClockSum = "clock_sum"
)

// ExactMatch reports whether the two instants are identical.
func ExactMatch(lastMessageAt, createdAt time.Time) bool {
	return lastMessageAt.Equal(createdAt)
}

// ClockSumMatch compares hour+minute+second of both instants in UTC and
// accepts a difference of at most one. It ignores the date, so messages from
// different days can match. Kept for deployments that depend on it.
func ClockSumMatch(lastMessageAt, createdAt time.Time) bool {
	diff := clockSum(lastMessageAt) - clockSum(createdAt)
	return diff >= -1 && diff <= 1
}

func clockSum(t time.Time) int {
	h, m, s := t.UTC().Clock()
	return h + m + s
}

// MatcherByName returns the matcher for a configuration value. Empty means exact.
func MatcherByName(name string) (store.LastMessageMatcher, error) {
	switch name {
	case "", MatchExact:
		return ExactMatch, nil
	case MatchClockSum:
		return ClockSumMatch, nil
	default:
		return nil, fmt.Errorf("unknown last message matcher %q (want %q or %q)", name, MatchExact, MatchClockSum)
	}
}
