package balloc

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/alexlewtschuk/palloc/src/align"
	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/freelist"
)

// Define constants
const (
	MIN_ORDER  uint    = 3              // smallest block is 2^MIN_ORDER bytes, large enough to hold a free-list link
	MIN_SIZE   uintptr = 1 << MIN_ORDER // smallest block size in bytes
	NUM_ORDERS uint    = 32             // number of free lists, one per order
	MAX_ORDER  uint    = NUM_ORDERS - 1 // largest order a single block can have
)

// Subtree is one of the independent buddy trees produced when the arena is
// decomposed at construction. Buddies never cross a subtree boundary.
type Subtree struct {
	Base  alloc.Addr // address of the root block
	Order uint       // order of the root block
}

// Size returns the number of bytes covered by the subtree.
func (s Subtree) Size() uintptr { return uintptr(1) << s.Order }

// End returns the address one past the subtree.
func (s Subtree) End() alloc.Addr { return s.Base + alloc.Addr(s.Size()) }

// Allocator is a size-class (buddy) allocator.
// Tracks the whole arena it was built over
type Allocator struct {
	start        alloc.Addr                // first address of the arena
	end          alloc.Addr                // arena end, exclusive
	freeList     [NUM_ORDERS]freelist.List // free blocks per order, links stored in the blocks themselves
	subtrees     []Subtree                 // roots from the greedy decomposition, ascending by address
	allocated    uintptr                   // bytes handed out, rounded to block sizes
	total        uintptr                   // bytes covered by subtrees
	highestOrder uint                      // order of the first and largest root block
}

// New builds an allocator over [start, end). Free-list links are written into
// the free blocks through words, which must cover the whole range.
//
// The range is cut greedily from the low address into the largest power of two
// blocks that fit. A tail shorter than MIN_SIZE is left unused. Blocks are
// aligned to their size relative to start, so start should be aligned to the
// largest alignment callers will ask for.
func New(start, end alloc.Addr, words freelist.Words) *Allocator {
	a := &Allocator{start: start, end: end}
	if end < start {
		a.end = start
	}

	for i := range a.freeList {
		a.freeList[i] = freelist.New(words)
	}

	lower := start
	for uintptr(a.end-lower) >= MIN_SIZE {
		k := floorOrder(uintptr(a.end - lower))
		a.freeList[k].Push(lower)
		a.subtrees = append(a.subtrees, Subtree{Base: lower, Order: k})
		if len(a.subtrees) == 1 {
			a.highestOrder = k
		}
		a.total += uintptr(1) << k
		lower += alloc.Addr(1) << k
	}

	return a
}

// floorOrder returns the order of the largest block not exceeding n bytes.
func floorOrder(n uintptr) uint {
	k := uint(bits.Len(uint(n))) - 1
	if k > MAX_ORDER {
		k = MAX_ORDER
	}
	return k
}

// Converts the given bytes to the k value
// such that 2^k is >= bytes
func btok(bytes uintptr) uint {
	k := align.CeilLog2(bytes)
	if k < MIN_ORDER {
		k = MIN_ORDER
	}
	return k
}

// orderFor returns the order that serves l. Identical for Alloc and Dealloc.
func (a *Allocator) orderFor(l alloc.Layout) (uint, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	if len(a.subtrees) == 0 || l.Size > uintptr(1)<<a.highestOrder {
		return 0, alloc.ErrExhausted
	}
	actual, err := align.AlignUp(l.Size, l.Align)
	if err != nil {
		return 0, alloc.ErrExhausted
	}
	k := btok(actual)
	if k > a.highestOrder {
		// No block in the arena is that large, splitting cannot help
		return 0, alloc.ErrExhausted
	}
	return k, nil
}

// Alloc returns the address of a free block of at least l.Size bytes,
// aligned to l.Align relative to the arena start.
func (a *Allocator) Alloc(l alloc.Layout) (alloc.Addr, error) {
	k, err := a.orderFor(l)
	if err != nil {
		return 0, err
	}

	// Fast path, a block of the exact order is free
	if block, ok := a.freeList[k].Pop(); ok {
		a.allocated += uintptr(1) << k
		return block, nil
	}

	// Walk up the orders to the smallest one with a free block
	idx := k + 1
	for idx <= a.highestOrder && a.freeList[idx].IsEmpty() {
		idx++
	}
	if idx > a.highestOrder {
		return 0, alloc.ErrExhausted
	}

	// While idx is greater than the requested k split the block in two
	for idx > k {
		block, _ := a.freeList[idx].Pop()
		idx--
		a.freeList[idx].Push(block)
		a.freeList[idx].Push(block + alloc.Addr(1)<<idx)
	}

	block, _ := a.freeList[k].Pop()
	a.allocated += uintptr(1) << k
	return block, nil
}

// Dealloc returns the block at addr, which must have been allocated with l,
// and merges it with its buddy for as long as the buddy is free.
//
// A pointer outside the arena, a pointer not on a block boundary for l, and a
// block that is already free are contract violations and panic.
func (a *Allocator) Dealloc(addr alloc.Addr, l alloc.Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	k, err := a.orderFor(l)
	if err != nil {
		alloc.Violate("dealloc", addr, l, "layout can not have been served by this arena")
	}

	tree, ok := a.subtreeOf(addr)
	if !ok {
		alloc.Violate("dealloc", addr, l, "pointer outside arena [%s, %s)", a.start, a.end)
	}
	if k > tree.Order {
		alloc.Violate("dealloc", addr, l, "order %d block does not fit in subtree %s/%d", k, tree.Base, tree.Order)
	}
	size := uintptr(1) << k
	if uintptr(addr-tree.Base)&(size-1) != 0 {
		alloc.Violate("dealloc", addr, l, "pointer is not on a %d-byte block boundary", size)
	}
	if a.overlapsFree(tree, addr, k) {
		alloc.Violate("dealloc", addr, l, "block is already free")
	}
	if a.allocated < size {
		alloc.Violate("dealloc", addr, l, "more bytes freed than allocated")
	}

	block, order := a.coalesce(tree, addr, k)
	a.freeList[order].Push(block)
	a.allocated -= size
	return nil
}

// buddyCalc returns the buddy of the order k block at addr inside tree.
func buddyCalc(tree Subtree, addr alloc.Addr, k uint) alloc.Addr {
	offset := uintptr(addr - tree.Base)       // distance from the subtree root
	buddyOffset := offset ^ (uintptr(1) << k) // flip the kth bit to get the buddy's location
	return tree.Base + alloc.Addr(buddyOffset)
}

// coalesce merges the order k block at addr with free buddies and returns the
// resulting block and its order. Merged buddies are removed from their lists.
func (a *Allocator) coalesce(tree Subtree, addr alloc.Addr, k uint) (alloc.Addr, uint) {
	for k < tree.Order {
		buddy := buddyCalc(tree, addr, k)
		if !a.freeList[k].Remove(buddy) {
			break
		}
		// Lower address becomes the larger block
		addr = min(addr, buddy)
		k++
	}
	return addr, k
}

// overlapsFree reports whether any free block intersects the order k block at addr.
func (a *Allocator) overlapsFree(tree Subtree, addr alloc.Addr, k uint) bool {
	offset := uintptr(addr - tree.Base)
	for j := k; j <= tree.Order; j++ {
		cover := tree.Base + alloc.Addr(offset&^(uintptr(1)<<j-1))
		if a.freeList[j].Contains(cover) {
			return true
		}
	}
	end := addr + alloc.Addr(1)<<k
	for j := MIN_ORDER; j < k; j++ {
		for b := range a.freeList[j].All() {
			if b >= addr && b < end {
				return true
			}
		}
	}
	return false
}

// subtreeOf returns the subtree containing addr.
func (a *Allocator) subtreeOf(addr alloc.Addr) (Subtree, bool) {
	i := sort.Search(len(a.subtrees), func(i int) bool {
		return a.subtrees[i].End() > addr
	})
	if i == len(a.subtrees) || a.subtrees[i].Base > addr {
		return Subtree{}, false
	}
	return a.subtrees[i], true
}

// Stats returns the allocated and total byte counters.
func (a *Allocator) Stats() alloc.Stats {
	return alloc.Stats{Allocated: a.allocated, Total: a.total}
}

// HighestOrder returns the order of the largest block the arena can serve.
func (a *Allocator) HighestOrder() uint { return a.highestOrder }

// Subtrees returns the roots of the decomposition, ascending by address.
func (a *Allocator) Subtrees() []Subtree {
	return append([]Subtree(nil), a.subtrees...)
}

// FreeBlocks returns the number of free blocks of order k.
func (a *Allocator) FreeBlocks(k uint) int {
	if k >= NUM_ORDERS {
		return 0
	}
	return a.freeList[k].Len()
}

// FreeBytes sums the sizes of all free blocks.
func (a *Allocator) FreeBytes() uintptr {
	var n uintptr
	for k := range a.freeList {
		n += uintptr(a.freeList[k].Len()) << k
	}
	return n
}

func (a *Allocator) String() string {
	return fmt.Sprintf("BuddyAllocator{allocated: %d, total: %d}", a.allocated, a.total)
}

var _ alloc.Allocator = (*Allocator)(nil)
