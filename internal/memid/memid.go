// Package memid generates memory identifiers: 20-character, zero-padded,
// lexicographically sortable by creation time.
//
// Format: YYYYMMDDHHMMSSmmmNNN where mmm is the millisecond and NNN is a
// 3-digit intra-millisecond counter.
package memid

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Length is the fixed width of a memory id.
const Length = 20

var idPattern = regexp.MustCompile(`^\d{20}$`)

// Generator produces monotonic memory ids. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	lastMS  int64
	counter int
}

// NewGenerator creates a generator using the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock creates a generator with an injected clock for tests.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns a fresh id. Ids issued by one generator are strictly
// increasing even if the clock steps backwards: the generator never lets the
// timestamp component regress below the last issued millisecond.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UTC()
	ms := ts.UnixMilli()
	if ms < g.lastMS {
		// Clock regression: keep issuing under the last observed millisecond.
		ms = g.lastMS
		ts = time.UnixMilli(ms).UTC()
	}

	if ms == g.lastMS {
		g.counter++
		if g.counter > 999 {
			// Intra-millisecond space exhausted; move to the next millisecond.
			ms++
			ts = time.UnixMilli(ms).UTC()
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMS = ms

	return fmt.Sprintf("%s%03d%03d", ts.Format("20060102150405"), ms%1000, g.counter)
}

// Valid reports whether s is a well-formed memory id.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// Time extracts the creation timestamp encoded in the id.
func Time(id string) (time.Time, error) {
	if !Valid(id) {
		return time.Time{}, fmt.Errorf("malformed memory id %q", id)
	}
	return time.Parse("20060102150405.000", id[:14]+"."+id[14:17])
}
