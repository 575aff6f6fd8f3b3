// Package bump implements a monotonic allocator that never reclaims memory.
//
// It is meant for early boot and for allocations that live as long as the
// kernel does.
package bump

import (
	"fmt"

	"github.com/alexlewtschuk/palloc/src/align"
	"github.com/alexlewtschuk/palloc/src/alloc"
)

// Allocator hands out memory by advancing a cursor through [start, end).
type Allocator struct {
	start   alloc.Addr
	current alloc.Addr // next free address, never decreases
	end     alloc.Addr
}

// New creates a bump allocator over [start, end).
func New(start, end alloc.Addr) *Allocator {
	if end < start {
		end = start
	}
	return &Allocator{start: start, current: start, end: end}
}

// Alloc returns the next address aligned to l.Align with l.Size bytes
// (rounded up to l.Align) available behind it.
func (b *Allocator) Alloc(l alloc.Layout) (alloc.Addr, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	actual, err := align.AlignUp(l.Size, l.Align)
	if err != nil {
		return 0, alloc.ErrExhausted
	}
	ret, err := align.AlignUp(uintptr(b.current), l.Align)
	if err != nil || ret > uintptr(b.end) || actual > uintptr(b.end)-ret {
		return 0, alloc.ErrExhausted
	}
	b.current = alloc.Addr(ret + actual)
	return alloc.Addr(ret), nil
}

// Dealloc checks that a could have come from this allocator. Memory is never
// reused. A pointer that is misaligned for l or lies outside [start, current]
// is a contract violation and panics.
func (b *Allocator) Dealloc(a alloc.Addr, l alloc.Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if uintptr(a)&(l.Align-1) != 0 {
		alloc.Violate("dealloc", a, l, "pointer is not aligned to %d", l.Align)
	}
	if a < b.start || a > b.current {
		alloc.Violate("dealloc", a, l, "pointer outside allocated span [%s, %s]", b.start, b.current)
	}
	return nil
}

// Stats reports the bytes consumed by the cursor and the arena size.
func (b *Allocator) Stats() alloc.Stats {
	return alloc.Stats{
		Allocated: uintptr(b.current - b.start),
		Total:     uintptr(b.end - b.start),
	}
}

// Current returns the cursor.
func (b *Allocator) Current() alloc.Addr { return b.current }

func (b *Allocator) String() string {
	return fmt.Sprintf("BumpAllocator{current: %s, end: %s}", b.current, b.end)
}

var _ alloc.Allocator = (*Allocator)(nil)
