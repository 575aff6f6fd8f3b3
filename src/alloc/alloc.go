// Package alloc defines the request/response contract shared by the physical
// memory allocators: addresses, layouts, statistics and the error taxonomy.
//
// Two kinds of failure exist. Resource exhaustion is an ordinary error value
// (ErrExhausted) that the caller may recover from. Caller-contract violations
// on release (foreign pointers, misaligned pointers, double frees) panic with
// a *Violation, since continuing would corrupt the free lists.
package alloc

import (
	"fmt"

	"github.com/alexlewtschuk/palloc/src/align"
)

// Addr is an address inside an arena.
type Addr uintptr

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Layout describes an allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Validate returns ErrInvalidRequest if the layout has a zero size or an
// alignment that is not a non-zero power of two.
func (l Layout) Validate() error {
	if l.Size == 0 {
		return fmt.Errorf("%w: zero size", ErrInvalidRequest)
	}
	if !align.IsPowerOfTwo(l.Align) {
		return fmt.Errorf("%w: align %d: %w", ErrInvalidRequest, l.Align, align.ErrInvalidAlignment)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("{size: %d, align: %d}", l.Size, l.Align)
}

// Stats holds the debug counters of an allocator.
type Stats struct {
	Allocated uintptr // bytes currently handed out, including rounding
	Total     uintptr // bytes under management
}

// Free returns the number of bytes not currently allocated.
func (s Stats) Free() uintptr {
	return s.Total - s.Allocated
}

// Allocator is implemented by every allocation strategy.
//
// Implementations are not safe for concurrent use; callers must hold a lock
// for the duration of each call.
type Allocator interface {
	Alloc(l Layout) (Addr, error)
	Dealloc(a Addr, l Layout) error
	Stats() Stats
}
