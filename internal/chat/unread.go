package chat

import (
	"fmt"
	"maps"
)

// UnreadIndex maps session ids to unread counts and keeps a running
// total. Every change moves the total by the same signed delta, so the
// total always equals the sum of the entries.
type UnreadIndex struct {
	counts map[string]int
	total  int
}

// NewUnreadIndex returns an empty index.
func NewUnreadIndex() *UnreadIndex {
	return &UnreadIndex{counts: make(map[string]int)}
}

// Get returns the count for a session.
func (u *UnreadIndex) Get(id string) int {
	return u.counts[id]
}

// Total returns the grand total.
func (u *UnreadIndex) Total() int {
	return u.total
}

// Set replaces a session's count, clamped at zero, and returns the delta
// applied to the total.
func (u *UnreadIndex) Set(id string, n int) int {
	n = max(n, 0)
	delta := n - u.counts[id]

	if n == 0 {
		delete(u.counts, id)
	} else {
		u.counts[id] = n
	}

	u.total += delta

	return delta
}

// Add adjusts a session's count by delta, clamped at zero, and returns
// the new count.
func (u *UnreadIndex) Add(id string, delta int) int {
	n := max(u.counts[id]+delta, 0)
	u.Set(id, n)

	return n
}

// Clear drops every entry.
func (u *UnreadIndex) Clear() {
	clear(u.counts)
	u.total = 0
}

// Counts returns a copy of the non-zero entries.
func (u *UnreadIndex) Counts() map[string]int {
	return maps.Clone(u.counts)
}

// Verify checks that the total equals the sum of the entries.
func (u *UnreadIndex) Verify() error {
	sum := 0
	for _, n := range u.counts {
		sum += n
	}

	if sum != u.total {
		return fmt.Errorf("unread total %d does not match per-session sum %d", u.total, sum)
	}

	return nil
}
