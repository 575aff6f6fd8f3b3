package balloc

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/memory"
)

func newPool(start alloc.Addr, size uintptr) (*Allocator, *memory.Region) {
	mem := memory.New(start, size)
	return New(mem.Start(), mem.End(), mem), mem
}

func layout(size, a uintptr) alloc.Layout {
	return alloc.Layout{Size: size, Align: a}
}

// checkPoolFull asserts that every subtree root is free and nothing else is.
func checkPoolFull(t *testing.T, a *Allocator) {
	t.Helper()
	require.NoError(t, a.Check())
	assert.Zero(t, a.Stats().Allocated)
	assert.Equal(t, a.Stats().Total, a.FreeBytes())

	blocks := 0
	for k := uint(0); k < NUM_ORDERS; k++ {
		blocks += a.FreeBlocks(k)
	}
	assert.Equal(t, len(a.subtrees), blocks, "free blocks are exactly the subtree roots")
	for _, tree := range a.subtrees {
		assert.True(t, a.freeList[tree.Order].Contains(tree.Base), "root %s/%d not free", tree.Base, tree.Order)
	}
}

// checkPoolEmpty asserts that no block is free.
func checkPoolEmpty(t *testing.T, a *Allocator) {
	t.Helper()
	for k := uint(0); k < NUM_ORDERS; k++ {
		assert.Zero(t, a.FreeBlocks(k), "free_list[%d] not empty", k)
	}
	assert.Equal(t, a.Stats().Total, a.Stats().Allocated)
}

func TestNewPowerOfTwoArena(t *testing.T) {
	a, _ := newPool(0, 1024)
	assert.Equal(t, uint(10), a.HighestOrder())
	assert.Equal(t, []Subtree{{Base: 0, Order: 10}}, a.Subtrees())
	assert.Equal(t, alloc.Stats{Allocated: 0, Total: 1024}, a.Stats())
	checkPoolFull(t, a)
}

func TestNewGreedyDecomposition(t *testing.T) {
	fmt.Fprintln(os.Stderr, "->Testing greedy decomposition of a 1005 byte arena")
	a, _ := newPool(0x4000, 1005)

	want := []Subtree{
		{Base: 0x4000, Order: 9},
		{Base: 0x4200, Order: 8},
		{Base: 0x4300, Order: 7},
		{Base: 0x4380, Order: 6},
		{Base: 0x43C0, Order: 5},
		{Base: 0x43E0, Order: 3},
	}
	assert.Equal(t, want, a.Subtrees())
	assert.Equal(t, uint(9), a.HighestOrder())
	assert.Equal(t, uintptr(1000), a.Stats().Total, "5 trailing bytes are wasted")
	checkPoolFull(t, a)
}

func TestNewTinyArena(t *testing.T) {
	a, _ := newPool(0, 7)
	assert.Empty(t, a.Subtrees())
	assert.Zero(t, a.Stats().Total)

	_, err := a.Alloc(layout(1, 1))
	assert.ErrorIs(t, err, alloc.ErrExhausted)
}

func TestBtok(t *testing.T) {
	assert.Equal(t, MIN_ORDER, btok(1))
	assert.Equal(t, MIN_ORDER, btok(8))
	assert.Equal(t, uint(4), btok(9))
	assert.Equal(t, uint(5), btok(24))
	assert.Equal(t, uint(5), btok(32))
	assert.Equal(t, uint(10), btok(1000))
}

func TestFloorOrderCapped(t *testing.T) {
	assert.Equal(t, uint(3), floorOrder(8))
	assert.Equal(t, uint(3), floorOrder(15))
	assert.Equal(t, uint(4), floorOrder(16))
	assert.Equal(t, MAX_ORDER, floorOrder(^uintptr(0)))
}

func TestAllocScenario1024(t *testing.T) {
	fmt.Fprintln(os.Stderr, "->Testing size=20 align=8 in [0, 1024)")
	a, _ := newPool(0, 1024)

	addr, err := a.Alloc(layout(20, 8))
	require.NoError(t, err)
	assert.Equal(t, alloc.Addr(992), addr, "second halves are pushed last and served first")
	assert.Equal(t, uintptr(32), a.Stats().Allocated)

	// One split leftover on every order from 9 down to 5.
	for k := uint(5); k <= 9; k++ {
		assert.Equal(t, 1, a.FreeBlocks(k), "order %d", k)
	}
	assert.Zero(t, a.FreeBlocks(10))
	require.NoError(t, a.Check())

	require.NoError(t, a.Dealloc(addr, layout(20, 8)))
	checkPoolFull(t, a)
	assert.Equal(t, 1, a.FreeBlocks(10))
}

func TestAllocFastPath(t *testing.T) {
	a, _ := newPool(0, 1024)

	first, err := a.Alloc(layout(32, 32))
	require.NoError(t, err)
	second, err := a.Alloc(layout(32, 32))
	require.NoError(t, err)
	assert.Equal(t, first^32, second, "the buddy is served from the order 5 list")

	require.NoError(t, a.Dealloc(second, layout(32, 32)))
	again, err := a.Alloc(layout(17, 1))
	require.NoError(t, err)
	assert.Equal(t, second, again, "most recently freed block is reused first")
}

func TestAlignmentRaisesOrder(t *testing.T) {
	a, _ := newPool(0, 1024)

	addr, err := a.Alloc(layout(8, 256))
	require.NoError(t, err)
	assert.Zero(t, uintptr(addr)%256)
	assert.Equal(t, uintptr(256), a.Stats().Allocated)
}

func TestRoundTripRestoresFreeBytes(t *testing.T) {
	a, _ := newPool(0, 1000)
	for _, l := range []alloc.Layout{layout(1, 1), layout(100, 4), layout(200, 64), layout(512, 8)} {
		before := a.FreeBytes()
		addr, err := a.Alloc(l)
		require.NoError(t, err, "%s", l)
		require.NoError(t, a.Dealloc(addr, l))
		assert.Equal(t, before, a.FreeBytes(), "%s", l)
		checkPoolFull(t, a)
	}
}

func TestCoalesceMinimumBuddies(t *testing.T) {
	a, _ := newPool(0, 64)

	x, err := a.Alloc(layout(8, 8))
	require.NoError(t, err)
	y, err := a.Alloc(layout(8, 8))
	require.NoError(t, err)
	require.Equal(t, x^8, y, "x and y come from the same split")

	// Keep the neighbouring 16 byte block busy so merging stops one order up.
	z, err := a.Alloc(layout(8, 8))
	require.NoError(t, err)
	assert.Equal(t, alloc.Addr(40), z)

	require.NoError(t, a.Dealloc(x, layout(8, 8)))
	require.NoError(t, a.Dealloc(y, layout(8, 8)))

	assert.True(t, a.freeList[4].Contains(min(x, y)), "merged into one order 4 block")
	assert.False(t, a.freeList[3].Contains(x))
	assert.False(t, a.freeList[3].Contains(y))
	assert.Equal(t, 1, a.FreeBlocks(3), "only z's buddy remains at order 3")
	require.NoError(t, a.Check())

	require.NoError(t, a.Dealloc(z, layout(8, 8)))
	checkPoolFull(t, a)
}

func TestExhaustion64(t *testing.T) {
	a, _ := newPool(0, 64)

	_, err := a.Alloc(layout(128, 8))
	assert.ErrorIs(t, err, alloc.ErrExhausted)
	assert.ErrorIs(t, err, unix.ENOMEM)
	_, err = a.Alloc(layout(8, 128))
	assert.ErrorIs(t, err, alloc.ErrExhausted)
	checkPoolFull(t, a)

	var got []alloc.Addr
	for range 8 {
		addr, err := a.Alloc(layout(8, 8))
		require.NoError(t, err)
		got = append(got, addr)
	}
	checkPoolEmpty(t, a)

	_, err = a.Alloc(layout(1, 1))
	assert.ErrorIs(t, err, alloc.ErrExhausted)
	assert.Equal(t, uintptr(64), a.Stats().Allocated)

	rng := rand.New(rand.NewSource(3))
	rng.Shuffle(len(got), func(i, j int) { got[i], got[j] = got[j], got[i] })
	for _, addr := range got {
		require.NoError(t, a.Dealloc(addr, layout(8, 8)))
	}
	checkPoolFull(t, a)
}

func TestExhaustedLeavesListsUntouched(t *testing.T) {
	a, _ := newPool(0, 96)
	_, err := a.Alloc(layout(64, 8))
	require.NoError(t, err)

	_, err = a.Alloc(layout(64, 8))
	assert.ErrorIs(t, err, alloc.ErrExhausted)
	assert.Equal(t, 1, a.FreeBlocks(5))
	require.NoError(t, a.Check())
}

func TestSubtreeBoundaryNeverMerged(t *testing.T) {
	fmt.Fprintln(os.Stderr, "->Testing that buddies never cross subtree boundaries")
	// [16, 64) splits into 16/5 and 48/4. The absolute XOR buddy of 48 at
	// order 4 is 32, which lives in the other subtree.
	a, _ := newPool(16, 48)
	require.Equal(t, []Subtree{{Base: 16, Order: 5}, {Base: 48, Order: 4}}, a.Subtrees())

	b48, err := a.Alloc(layout(16, 16))
	require.NoError(t, err)
	require.Equal(t, alloc.Addr(48), b48)
	b32, err := a.Alloc(layout(16, 16))
	require.NoError(t, err)
	require.Equal(t, alloc.Addr(32), b32)
	b16, err := a.Alloc(layout(16, 16))
	require.NoError(t, err)
	require.Equal(t, alloc.Addr(16), b16)

	require.NoError(t, a.Dealloc(b32, layout(16, 16)))
	require.NoError(t, a.Dealloc(b48, layout(16, 16)))

	assert.Equal(t, 2, a.FreeBlocks(4))
	assert.Zero(t, a.FreeBlocks(5))
	require.NoError(t, a.Check())

	require.NoError(t, a.Dealloc(b16, layout(16, 16)))
	checkPoolFull(t, a)
}

func TestSubtreeOffsetsAreRelative(t *testing.T) {
	// [0, 96) is 0/6 followed by 64/5. Freeing the root of the second subtree
	// must not look for a buddy at all.
	a, _ := newPool(0, 96)

	hi, err := a.Alloc(layout(32, 8))
	require.NoError(t, err)
	assert.Equal(t, alloc.Addr(64), hi)
	lo, err := a.Alloc(layout(32, 8))
	require.NoError(t, err)
	assert.Equal(t, alloc.Addr(32), lo)

	require.NoError(t, a.Dealloc(hi, layout(32, 8)))
	assert.True(t, a.freeList[5].Contains(64))
	require.NoError(t, a.Dealloc(lo, layout(32, 8)))
	checkPoolFull(t, a)
}

func TestDeallocInvalidLayout(t *testing.T) {
	a, _ := newPool(0, 64)
	assert.ErrorIs(t, a.Dealloc(0, layout(0, 8)), alloc.ErrInvalidRequest)
	assert.ErrorIs(t, a.Dealloc(0, layout(8, 6)), alloc.ErrInvalidRequest)

	_, err := a.Alloc(layout(8, 0))
	assert.ErrorIs(t, err, alloc.ErrInvalidRequest)
	checkPoolFull(t, a)
}

func TestDeallocContractViolations(t *testing.T) {
	a, _ := newPool(0x100, 64)
	addr, err := a.Alloc(layout(16, 8))
	require.NoError(t, err)

	violation := func(t *testing.T, fn func()) {
		t.Helper()
		defer func() {
			_, ok := alloc.AsViolation(recover())
			assert.True(t, ok, "expected a contract violation")
		}()
		fn()
	}

	t.Run("outside arena", func(t *testing.T) {
		violation(t, func() { _ = a.Dealloc(0x80, layout(16, 8)) })
		violation(t, func() { _ = a.Dealloc(0x140, layout(16, 8)) })
	})
	t.Run("misaligned", func(t *testing.T) {
		violation(t, func() { _ = a.Dealloc(addr+8, layout(16, 8)) })
	})
	t.Run("too large for arena", func(t *testing.T) {
		violation(t, func() { _ = a.Dealloc(addr, layout(128, 8)) })
	})
	t.Run("never allocated", func(t *testing.T) {
		violation(t, func() { _ = a.Dealloc(0x100, layout(64, 8)) })
	})

	require.NoError(t, a.Dealloc(addr, layout(16, 8)))
	checkPoolFull(t, a)

	t.Run("double free", func(t *testing.T) {
		violation(t, func() { _ = a.Dealloc(addr, layout(16, 8)) })
	})
	checkPoolFull(t, a)
}

// Random alloc/free over a non power of two arena. Every live block is filled
// with its own tag, so any overlap shows up as a clobbered byte.
func TestRandomAllocFreeKeepsInvariants(t *testing.T) {
	const size = 1<<16 + 1000
	a, mem := newPool(0x10000, size)

	type live struct {
		addr alloc.Addr
		l    alloc.Layout
		tag  byte
	}
	rng := rand.New(rand.NewSource(42))
	var blocks []live

	for i := range 3000 {
		if len(blocks) == 0 || rng.Intn(5) < 3 {
			l := layout(uintptr(1+rng.Intn(2048)), uintptr(1)<<rng.Intn(8))
			addr, err := a.Alloc(l)
			if err != nil {
				require.ErrorIs(t, err, alloc.ErrExhausted, "step %d", i)
				continue
			}
			assert.Zero(t, uintptr(addr-mem.Start())%l.Align, "step %d", i)
			tag := byte(i)
			b := mem.Bytes(addr, l.Size)
			for j := range b {
				b[j] = tag
			}
			blocks = append(blocks, live{addr: addr, l: l, tag: tag})
		} else {
			n := rng.Intn(len(blocks))
			victim := blocks[n]
			blocks[n] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]

			for j, c := range mem.Bytes(victim.addr, victim.l.Size) {
				require.Equal(t, victim.tag, c, "step %d: block %s clobbered at +%d", i, victim.addr, j)
			}
			require.NoError(t, a.Dealloc(victim.addr, victim.l), "step %d", i)
		}
		require.NoError(t, a.Check(), "step %d", i)
	}

	for _, b := range blocks {
		require.NoError(t, a.Dealloc(b.addr, b.l))
	}
	checkPoolFull(t, a)
}

func TestString(t *testing.T) {
	a, _ := newPool(0, 64)
	_, err := a.Alloc(layout(3, 1))
	require.NoError(t, err)
	assert.Equal(t, "BuddyAllocator{allocated: 8, total: 64}", a.String())
}

func TestMain(m *testing.M) {
	fmt.Println("Running buddy allocator tests.")
	os.Exit(m.Run())
}
