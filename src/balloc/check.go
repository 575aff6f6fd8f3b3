package balloc

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/alexlewtschuk/palloc/src/alloc"
)

// ErrCorrupt is returned by Check when the free lists break an invariant.
var ErrCorrupt = errors.New("balloc: free lists corrupt")

type span struct {
	addr  alloc.Addr
	order uint
}

// Check walks every free list and verifies that each free block lies inside
// one subtree, sits on a block boundary of its own size, overlaps no other
// free block, and that free plus allocated bytes add up to the total.
//
// Check is a debugging aid. It costs O(n log n) in the number of free blocks.
func (a *Allocator) Check() error {
	var spans []span
	for k := range a.freeList {
		order := uint(k)
		for block := range a.freeList[k].All() {
			if order < MIN_ORDER {
				return fmt.Errorf("%w: block %s on order %d list below minimum", ErrCorrupt, block, order)
			}
			tree, ok := a.subtreeOf(block)
			if !ok {
				return fmt.Errorf("%w: block %s outside arena", ErrCorrupt, block)
			}
			if order > tree.Order {
				return fmt.Errorf("%w: order %d block %s larger than subtree %s/%d", ErrCorrupt, order, block, tree.Base, tree.Order)
			}
			if uintptr(block-tree.Base)&(uintptr(1)<<order-1) != 0 {
				return fmt.Errorf("%w: order %d block %s misaligned in subtree %s", ErrCorrupt, order, block, tree.Base)
			}
			spans = append(spans, span{addr: block, order: order})
		}
	}

	slices.SortFunc(spans, func(x, y span) int { return cmp.Compare(x.addr, y.addr) })
	for i := 1; i < len(spans); i++ {
		prev := spans[i-1]
		if prev.addr+alloc.Addr(1)<<prev.order > spans[i].addr {
			return fmt.Errorf("%w: free blocks %s/%d and %s/%d overlap", ErrCorrupt, prev.addr, prev.order, spans[i].addr, spans[i].order)
		}
	}

	if free := a.FreeBytes(); free+a.allocated != a.total {
		return fmt.Errorf("%w: free %d + allocated %d != total %d", ErrCorrupt, free, a.allocated, a.total)
	}
	return nil
}
