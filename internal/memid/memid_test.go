package memid

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNext_Format(t *testing.T) {
	g := NewGenerator()
	id := g.Next()

	if len(id) != Length {
		t.Fatalf("id length = %d, want %d", len(id), Length)
	}
	if !Valid(id) {
		t.Fatalf("id %q should be valid", id)
	}
}

func TestNext_SortableAndUnique(t *testing.T) {
	g := NewGenerator()
	ids := make([]string, 500)
	for i := range ids {
		ids[i] = g.Next()
	}

	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q at %d", id, i)
		}
		seen[id] = true
		if i > 0 && ids[i-1] >= id {
			t.Fatalf("ids not strictly increasing: %q then %q", ids[i-1], id)
		}
	}
}

func TestNext_ClockRegression(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	times := []time.Time{base, base.Add(-2 * time.Second), base.Add(time.Millisecond)}
	i := 0
	g := NewGeneratorWithClock(func() time.Time {
		ts := times[i]
		if i < len(times)-1 {
			i++
		}
		return ts
	})

	a, b, c := g.Next(), g.Next(), g.Next()
	if !(a < b && b < c) {
		t.Fatalf("ids must stay monotonic across clock regression: %q %q %q", a, b, c)
	}
}

func TestNext_IntraMillisecondRollover(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	g := NewGeneratorWithClock(func() time.Time { return fixed })

	var last string
	for i := 0; i < 1200; i++ {
		id := g.Next()
		if last != "" && id <= last {
			t.Fatalf("rollover broke ordering at %d: %q then %q", i, last, id)
		}
		last = id
	}
}

func TestNext_Concurrent(t *testing.T) {
	g := NewGenerator()
	const workers, per = 8, 200

	var mu sync.Mutex
	all := make([]string, 0, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, per)
			for i := range local {
				local[i] = g.Next()
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(all)
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate id under concurrency: %q", all[i])
		}
	}
}

func TestTime_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 17, 3, 5, 123_000_000, time.UTC)
	g := NewGeneratorWithClock(func() time.Time { return ts })

	got, err := Time(g.Next())
	if err != nil {
		t.Fatalf("Time failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("Time = %v, want %v", got, ts)
	}
}

func TestValid(t *testing.T) {
	if Valid("not-an-id") {
		t.Error("non-numeric id should be invalid")
	}
	if Valid("2026082417030512312") {
		t.Error("19-char id should be invalid")
	}
}
