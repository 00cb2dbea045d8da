package engine

import (
	"fmt"
	"strings"
)

// Tally counts votes per candidate and remembers the order in which
// candidates were first seen.
type Tally struct {
	order  []string
	counts map[string]int
}

// NewTally returns a tally listing candidates at zero, in the given order.
func NewTally(candidates ...string) *Tally {
	t := &Tally{counts: make(map[string]int)}
	for _, c := range candidates {
		t.register(c)
	}
	return t
}

func (t *Tally) register(c string) {
	if _, ok := t.counts[c]; !ok {
		t.order = append(t.order, c)
		t.counts[c] = 0
	}
}

// Add records one vote for c.
func (t *Tally) Add(c string) {
	t.register(c)
	t.counts[c]++
}

func (t *Tally) Count(c string) int { return t.counts[c] }

func (t *Tally) Total() int {
	n := 0
	for _, v := range t.counts {
		n += v
	}
	return n
}

// Candidates returns candidates in first-seen order.
func (t *Tally) Candidates() []string {
	return append([]string(nil), t.order...)
}

func (t *Tally) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Leader returns the first candidate holding the top count. It reports false
// when no votes were cast.
func (t *Tally) Leader() (string, bool) {
	best, top := "", 0
	for _, c := range t.order {
		if t.counts[c] > top {
			best, top = c, t.counts[c]
		}
	}
	return best, top > 0
}

// Unique returns the sole candidate holding the top count. A shared top or
// an empty tally is a hung result.
func (t *Tally) Unique() (string, bool) {
	leader, ok := t.Leader()
	if !ok {
		return "", false
	}
	top := t.counts[leader]
	for _, c := range t.order {
		if c != leader && t.counts[c] == top {
			return "", false
		}
	}
	return leader, true
}

func (t *Tally) String() string {
	parts := make([]string, 0, len(t.order))
	for _, c := range t.order {
		parts = append(parts, fmt.Sprintf("%s: %d", c, t.counts[c]))
	}
	return strings.Join(parts, ", ")
}
