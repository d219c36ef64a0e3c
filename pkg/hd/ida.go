package hd

import (
	"math/bits"
	"sync"
)

// ida hands out the lowest free integer in [min, max).
type ida struct {
	mu   sync.Mutex
	min  int
	max  int
	used []uint64
}

func newIDA(min, max int) *ida {
	return &ida{
		min:  min,
		max:  max,
		used: make([]uint64, (max-min+63)/64),
	}
}

func (a *ida) get() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for w, word := range a.used {
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		id := a.min + w*64 + bit
		if id >= a.max {
			return 0, false
		}
		a.used[w] |= 1 << uint(bit)
		return id, true
	}
	return 0, false
}

func (a *ida) reserve(id int) bool {
	if id < a.min || id >= a.max {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := id - a.min
	mask := uint64(1) << uint(off%64)
	if a.used[off/64]&mask != 0 {
		return false
	}
	a.used[off/64] |= mask
	return true
}

func (a *ida) remove(id int) {
	if id < a.min || id >= a.max {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := id - a.min
	a.used[off/64] &^= uint64(1) << uint(off%64)
}
