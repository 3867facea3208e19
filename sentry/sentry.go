// Package sentry tracks which items were touched since the last flush.
//
// Entries live in a contiguous arena linked into one list that also holds a
// sentinel. Use moves an entry ahead of the sentinel; after a full touch pass
// everything behind the sentinel is dormant and Flush may dispose of it.
package sentry

// Handle refers to one tracked entry. The zero Handle refers to nothing.
// A handle whose entry was flushed or reset goes stale and is never reused
// for a different entry.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool { return h.gen == 0 }

// slot 0 anchors the circular list; slot 1 is the sentinel marker
const (
	anchor   = 0
	sentinel = 1
	reserved = 2
)

type entry[T any] struct {
	item       T
	prev, next uint32
	gen        uint32
	live       bool
}

// Tracker is not safe for concurrent use; callers serialize touch and flush
// on the frame thread.
type Tracker[T any] struct {
	entries []entry[T]
	free    []uint32
	size    int
}

func New[T any]() *Tracker[T] {
	t := &Tracker[T]{}
	t.Reset()
	return t
}

// Reset drops every entry. Outstanding handles become stale.
func (t *Tracker[T]) Reset() {
	if len(t.entries) < reserved {
		t.entries = make([]entry[T], reserved)
	}
	t.free = t.free[:0]
	for i := len(t.entries) - 1; i >= reserved; i-- {
		e := &t.entries[i]
		if e.live {
			var zero T
			e.item = zero
			e.live = false
		}
		t.free = append(t.free, uint32(i))
	}
	t.entries[anchor].prev, t.entries[anchor].next = anchor, anchor
	t.linkFront(sentinel)
	t.size = 0
}

// Size is the number of tracked entries, excluding the sentinel.
func (t *Tracker[T]) Size() int { return t.size }

// Valid reports whether h still refers to a tracked entry.
func (t *Tracker[T]) Valid(h Handle) bool {
	if h.IsZero() || h.index < reserved || int(h.index) >= len(t.entries) {
		return false
	}
	e := &t.entries[h.index]
	return e.live && e.gen == h.gen
}

// Use marks item as touched. A zero or stale handle creates a new entry;
// a valid one moves its entry to the front. The returned handle replaces h.
func (t *Tracker[T]) Use(item T, h Handle) Handle {
	if t.Valid(h) {
		t.unlink(h.index)
		t.linkFront(h.index)
		return h
	}
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.entries = append(t.entries, entry[T]{})
		idx = uint32(len(t.entries) - 1)
	}
	e := &t.entries[idx]
	e.item = item
	e.live = true
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	t.linkFront(idx)
	t.size++
	return Handle{index: idx, gen: e.gen}
}

// Remove stops tracking the entry behind h without running a disposer.
func (t *Tracker[T]) Remove(h Handle) bool {
	if !t.Valid(h) {
		return false
	}
	t.release(h.index)
	return true
}

// Flush visits the entries behind the sentinel, least recently touched
// last, and removes those for which dispose returns true. It stops after
// maxCount removals or once Size falls to minCacheSize. A nil dispose
// removes every visited entry. The sentinel then moves back to the front,
// so every survivor counts as untouched until used again. Flush returns
// the number of removed entries.
func (t *Tracker[T]) Flush(maxCount, minCacheSize int, dispose func(item T) bool) int {
	count := 0
	i := t.entries[sentinel].next
	for i != anchor && count < maxCount && t.size > minCacheSize {
		next := t.entries[i].next
		disposed := true
		if dispose != nil {
			disposed = dispose(t.entries[i].item)
		}
		if disposed {
			t.release(i)
			count++
		}
		i = next
	}
	t.unlink(sentinel)
	t.linkFront(sentinel)
	return count
}

// Snapshot returns the tracked items front to back.
func (t *Tracker[T]) Snapshot() []T {
	out := make([]T, 0, t.size)
	for i := t.entries[anchor].next; i != anchor; i = t.entries[i].next {
		if i != sentinel {
			out = append(out, t.entries[i].item)
		}
	}
	return out
}

// Touched returns the number of entries in front of the sentinel.
func (t *Tracker[T]) Touched() int {
	n := 0
	for i := t.entries[anchor].next; i != sentinel && i != anchor; i = t.entries[i].next {
		n++
	}
	return n
}

func (t *Tracker[T]) release(i uint32) {
	t.unlink(i)
	e := &t.entries[i]
	var zero T
	e.item = zero
	e.live = false
	t.free = append(t.free, i)
	t.size--
}

func (t *Tracker[T]) unlink(i uint32) {
	e := &t.entries[i]
	t.entries[e.prev].next = e.next
	t.entries[e.next].prev = e.prev
	e.prev, e.next = i, i
}

func (t *Tracker[T]) linkFront(i uint32) {
	e := &t.entries[i]
	e.prev = anchor
	e.next = t.entries[anchor].next
	t.entries[e.next].prev = i
	t.entries[anchor].next = i
}
