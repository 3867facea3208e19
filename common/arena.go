package common

import "sync"

// Ref is a salted reference into an Arena: the low 32 bits are the slot,
// the high 32 bits the slot's salt when the value was inserted. Removing a
// value bumps the salt, so old refs stop resolving. The zero Ref is null.
type Ref uint64

func encodeRef(salt, it uint32) Ref {
	return Ref(uint64(salt)<<32 | uint64(it))
}

func decodeRef(ref Ref) (salt, it uint32) {
	return uint32(ref >> 32), uint32(ref)
}

type arenaSlot[T any] struct {
	value T
	salt  uint32
	used  bool
}

// Arena owns values by slot and hands out salted refs in place of pointers
// that could outlive their target. It is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []arenaSlot[T]
	free  []uint32
	count int
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

func (a *Arena[T]) Insert(v T) Ref {
	a.mu.Lock()
	defer a.mu.Unlock()
	var it uint32
	if n := len(a.free); n > 0 {
		it = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{salt: 1})
		it = uint32(len(a.slots) - 1)
	}
	s := &a.slots[it]
	s.value = v
	s.used = true
	a.count++
	return encodeRef(s.salt, it)
}

// Get resolves ref, reporting false when the value was removed.
func (a *Arena[T]) Get(ref Ref) (T, bool) {
	var zero T
	if ref == 0 {
		return zero, false
	}
	salt, it := decodeRef(ref)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(it) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[it]
	if !s.used || s.salt != salt {
		return zero, false
	}
	return s.value, true
}

func (a *Arena[T]) Remove(ref Ref) bool {
	if ref == 0 {
		return false
	}
	salt, it := decodeRef(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(it) >= len(a.slots) {
		return false
	}
	s := &a.slots[it]
	if !s.used || s.salt != salt {
		return false
	}
	var zero T
	s.value = zero
	s.used = false
	// salt should never be zero
	s.salt++
	if s.salt == 0 {
		s.salt++
	}
	a.free = append(a.free, it)
	a.count--
	return true
}

func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}
