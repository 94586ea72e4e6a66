package buffer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func items(entries []Entry[string]) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Item
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewRingBuffer(t *testing.T) {
	// Test with valid capacity
	rb := NewRingBuffer[string](100)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}
	if rb.LatestID() != -1 || rb.OldestID() != -1 {
		t.Errorf("expected -1 ids on empty buffer, got latest=%d oldest=%d", rb.LatestID(), rb.OldestID())
	}

	// Test with zero capacity (should default to 1)
	rb = NewRingBuffer[string](0)
	if rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", rb.Cap())
	}

	// Test with negative capacity (should default to 1)
	rb = NewRingBuffer[string](-5)
	if rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", rb.Cap())
	}
}

func TestRingBuffer_Push(t *testing.T) {
	rb := NewRingBuffer[string](10)

	if id := rb.Push("hello"); id != 0 {
		t.Errorf("expected first id 0, got %d", id)
	}
	if id := rb.Push("world"); id != 1 {
		t.Errorf("expected second id 1, got %d", id)
	}
	if rb.Len() != 2 {
		t.Errorf("expected length 2, got %d", rb.Len())
	}

	got := items(rb.GetAll())
	if !equalStrings(got, []string{"hello", "world"}) {
		t.Errorf("expected [hello world], got %v", got)
	}
}

// Capacity 3, push A B C D: A is evicted and the cursor semantics hold.
func TestRingBuffer_WrapScenario(t *testing.T) {
	rb := NewRingBuffer[string](3)
	for _, s := range []string{"A", "B", "C", "D"} {
		rb.Push(s)
	}

	if got := items(rb.GetAll()); !equalStrings(got, []string{"B", "C", "D"}) {
		t.Errorf("GetAll: expected [B C D], got %v", got)
	}
	if got := items(rb.GetSince(0)); !equalStrings(got, []string{"B", "C", "D"}) {
		t.Errorf("GetSince(0): expected [B C D], got %v", got)
	}
	if got := items(rb.GetSince(2)); !equalStrings(got, []string{"D"}) {
		t.Errorf("GetSince(2): expected [D], got %v", got)
	}
	if got := rb.GetSince(3); len(got) != 0 {
		t.Errorf("GetSince(latest): expected nothing, got %v", items(got))
	}
	if rb.OldestID() != 1 || rb.LatestID() != 3 {
		t.Errorf("expected ids [1,3], got [%d,%d]", rb.OldestID(), rb.LatestID())
	}
}

func TestRingBuffer_GetSinceEvicted(t *testing.T) {
	rb := NewRingBuffer[string](2)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rb.Push(s)
	}

	all := items(rb.GetAll())
	since := items(rb.GetSince(0))
	if !equalStrings(all, since) {
		t.Errorf("expected GetSince of evicted id to equal GetAll, got %v vs %v", since, all)
	}
}

func TestRingBuffer_GetAllReturnsCopy(t *testing.T) {
	rb := NewRingBuffer[string](4)
	rb.Push("test")

	entries := rb.GetAll()
	entries[0].Item = "X"

	if got := items(rb.GetAll()); !equalStrings(got, []string{"test"}) {
		t.Errorf("GetAll should return a copy, got %v", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer[string](10)
	rb.Push("hello")
	rb.Push("again")

	rb.Clear()

	if rb.Len() != 0 {
		t.Errorf("expected length 0 after clear, got %d", rb.Len())
	}
	if entries := rb.GetAll(); entries != nil {
		t.Errorf("expected nil after clear, got %v", entries)
	}

	// Ids keep counting after a clear
	if id := rb.Push("world"); id != 2 {
		t.Errorf("expected id 2 after clear, got %d", id)
	}
	if rb.OldestID() != 2 {
		t.Errorf("expected oldest id 2, got %d", rb.OldestID())
	}
}

func TestRingBufferWraparoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("pushing capacity+k items retains the last capacity items in id order", prop.ForAll(
		func(capacity, extra int) bool {
			rb := NewRingBuffer[int](capacity)
			total := capacity + extra
			for i := 0; i < total; i++ {
				if id := rb.Push(i); id != int64(i) {
					return false
				}
			}

			all := rb.GetAll()
			if len(all) != capacity || rb.Len() > rb.Cap() {
				return false
			}
			for i, e := range all {
				want := total - capacity + i
				if e.Item != want || e.ID != int64(want) {
					return false
				}
			}
			return rb.OldestID() == int64(total-capacity) && rb.LatestID() == int64(total-1)
		},
		gen.IntRange(1, 64),
		gen.IntRange(0, 200),
	))

	properties.Property("GetSince below the oldest id equals GetAll", prop.ForAll(
		func(capacity, pushes int) bool {
			rb := NewRingBuffer[int](capacity)
			for i := 0; i < pushes; i++ {
				rb.Push(i)
			}
			oldest := rb.OldestID()
			all := rb.GetAll()
			since := rb.GetSince(oldest - 5)
			if len(all) != len(since) {
				return false
			}
			for i := range all {
				if all[i] != since[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 32),
		gen.IntRange(1, 100),
	))

	properties.Property("GetSince(id) starts exactly after id when id is retained", prop.ForAll(
		func(capacity, pushes, offset int) bool {
			rb := NewRingBuffer[int](capacity)
			for i := 0; i < pushes; i++ {
				rb.Push(i)
			}
			oldest, latest := rb.OldestID(), rb.LatestID()
			cursor := oldest + int64(offset)%(latest-oldest+1)
			since := rb.GetSince(cursor)
			if int64(len(since)) != latest-cursor {
				return false
			}
			for i, e := range since {
				if e.ID != cursor+1+int64(i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 32),
		gen.IntRange(1, 100),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
