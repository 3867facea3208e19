package sentry

import (
	"testing"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func TestFlushRemovesOnlyUntouched(t *testing.T) {
	for _, tc := range []struct {
		name             string
		total, touched   int
		maxCount, expect int
	}{
		{"all untouched, unbounded", 10, 0, 100, 10},
		{"bounded by max count", 10, 2, 3, 3},
		{"bounded by untouched", 10, 7, 5, 3},
		{"everything touched", 6, 6, 10, 0},
		{"zero max count", 6, 0, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := New[int]()
			handles := make([]Handle, tc.total)
			for i := range handles {
				handles[i] = tr.Use(i, Handle{})
			}
			// the first pass ended; everything is dormant now
			tr.Flush(0, 0, nil)

			for i := 0; i < tc.touched; i++ {
				handles[i] = tr.Use(i, handles[i])
			}
			var disposed []int
			n := tr.Flush(tc.maxCount, 0, func(item int) bool {
				disposed = append(disposed, item)
				return true
			})
			assertTrue(t, n == tc.expect, "unexpected removal count")
			assertTrue(t, tr.Size() == tc.total-tc.expect, "size mismatch after flush")
			for _, item := range disposed {
				assertTrue(t, item >= tc.touched, "a touched entry was disposed")
			}
			for i := 0; i < tc.touched; i++ {
				assertTrue(t, tr.Valid(handles[i]), "touched handle went stale")
			}
		})
	}
}

func TestFlushKeepsRefusedEntries(t *testing.T) {
	tr := New[string]()
	a := tr.Use("a", Handle{})
	b := tr.Use("b", Handle{})
	tr.Flush(0, 0, nil)

	n := tr.Flush(10, 0, func(item string) bool { return item != "a" })
	assertTrue(t, n == 1, "only b is disposable")
	assertTrue(t, tr.Valid(a), "refused entry stays tracked")
	assertTrue(t, !tr.Valid(b), "disposed entry handle is stale")
}

func TestFlushRespectsMinCacheSize(t *testing.T) {
	tr := New[int]()
	for i := 0; i < 8; i++ {
		tr.Use(i, Handle{})
	}
	tr.Flush(0, 0, nil)
	n := tr.Flush(100, 5, nil)
	assertTrue(t, n == 3, "flush stops at the minimum cache size")
	assertTrue(t, tr.Size() == 5, "five entries remain")
}

func TestStaleHandleReemplaces(t *testing.T) {
	tr := New[int]()
	h := tr.Use(1, Handle{})
	tr.Flush(0, 0, nil)
	tr.Flush(1, 0, nil)
	assertTrue(t, !tr.Valid(h), "flushed handle is stale")

	h2 := tr.Use(2, Handle{})
	assertTrue(t, h2.index == h.index && h2.gen != h.gen, "slot reuse bumps generation")
	h3 := tr.Use(1, h)
	assertTrue(t, h3 != h2 && tr.Size() == 2, "stale handle creates a fresh entry")
}

func TestSnapshotOrderAndReset(t *testing.T) {
	tr := New[int]()
	h1 := tr.Use(1, Handle{})
	tr.Use(2, Handle{})
	tr.Use(3, Handle{})
	tr.Use(1, h1)
	snap := tr.Snapshot()
	assertTrue(t, len(snap) == 3 && snap[0] == 1 && snap[1] == 3 && snap[2] == 2, "snapshot is most recent first")
	assertTrue(t, tr.Touched() == 3, "all entries precede the sentinel")
	tr.Flush(0, 0, nil)
	assertTrue(t, tr.Touched() == 0, "flush moves the sentinel to the front")

	tr.Reset()
	assertTrue(t, tr.Size() == 0 && !tr.Valid(h1), "reset clears entries and handles")
	assertTrue(t, len(tr.Snapshot()) == 0, "empty snapshot after reset")
	assertTrue(t, !tr.Remove(h1), "remove of stale handle fails")
}
