// Package kheap is the kernel-facing heap.
//
// A Heap owns one allocator over one memory region and serialises every call
// into it with a mutex. A zero Heap is uninitialized and rejects all requests
// with ErrNotInitialized until Init selects a strategy and builds the
// allocator. The allocator then lives for as long as the Heap does.
//
//	region, err := memory.Map(16 << 20)
//	if err != nil {
//	    return err
//	}
//	var h kheap.Heap
//	if err := h.Init(region, kheap.Options{Strategy: kheap.Buddy}); err != nil {
//	    return err
//	}
//	addr, err := h.Alloc(alloc.Layout{Size: 64, Align: 8})
package kheap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/balloc"
	"github.com/alexlewtschuk/palloc/src/bump"
	"github.com/alexlewtschuk/palloc/src/memory"
)

// Strategy selects the allocator built by Init.
type Strategy int

const (
	Buddy Strategy = iota // size-class allocator with splitting and coalescing
	Bump                  // monotonic allocator, never reclaims
)

func (s Strategy) String() string {
	switch s {
	case Buddy:
		return "buddy"
	case Bump:
		return "bump"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a name ("buddy" or "bump") to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "buddy", "bin", "size-class":
		return Buddy, nil
	case "bump":
		return Bump, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// Options configures Init.
type Options struct {
	Strategy Strategy
	Logger   *slog.Logger // nil discards all output
}

type state int

const (
	uninitialized state = iota
	ready
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Heap routes allocation requests to a single allocator under a lock.
type Heap struct {
	mu       sync.Mutex
	state    state
	strategy Strategy
	region   *memory.Region
	impl     alloc.Allocator
	log      *slog.Logger
}

// Init builds the allocator over the whole region. It may be called once.
func (h *Heap) Init(region *memory.Region, opts Options) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == ready {
		return ErrAlreadyInitialized
	}
	if region == nil {
		return errors.New("kheap: nil region")
	}

	log := opts.Logger
	if log == nil {
		log = discard
	}

	var impl alloc.Allocator
	switch opts.Strategy {
	case Buddy:
		impl = balloc.New(region.Start(), region.End(), region)
	case Bump:
		impl = bump.New(region.Start(), region.End())
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, opts.Strategy)
	}

	h.strategy = opts.Strategy
	h.region = region
	h.impl = impl
	h.log = log.With("component", "kheap", "strategy", opts.Strategy.String())
	h.state = ready

	st := impl.Stats()
	h.log.Info("heap initialized",
		"start", region.Start().String(),
		"end", region.End().String(),
		"usable", st.Total,
		"wasted", region.Size()-st.Total,
	)
	return nil
}

// Ready reports whether Init has completed.
func (h *Heap) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == ready
}

// Strategy returns the strategy chosen at Init.
func (h *Heap) Strategy() (Strategy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return 0, ErrNotInitialized
	}
	return h.strategy, nil
}

// Alloc serves l from the underlying allocator.
func (h *Heap) Alloc(l alloc.Layout) (alloc.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return 0, ErrNotInitialized
	}

	addr, err := h.impl.Alloc(l)
	if err != nil {
		if errors.Is(err, alloc.ErrExhausted) {
			h.log.Debug("allocation failed", "layout", l.String(), "err", err)
		}
		return 0, err
	}
	return addr, nil
}

// Dealloc returns the block at a, allocated with l. Contract violations are
// logged and then re-raised.
func (h *Heap) Dealloc(a alloc.Addr, l alloc.Layout) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return ErrNotInitialized
	}

	defer func() {
		if r := recover(); r != nil {
			if v, ok := alloc.AsViolation(r); ok {
				h.log.Error("contract violation", "op", v.Op, "addr", v.Addr.String(), "layout", v.Layout.String(), "reason", v.Reason)
			}
			panic(r)
		}
	}()
	return h.impl.Dealloc(a, l)
}

// Stats returns the allocator's counters.
func (h *Heap) Stats() (alloc.Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return alloc.Stats{}, ErrNotInitialized
	}
	return h.impl.Stats(), nil
}

// Bytes returns the n bytes at a so callers can fill an allocation.
func (h *Heap) Bytes(a alloc.Addr, n uintptr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return nil, ErrNotInitialized
	}
	if !h.region.Contains(a, n) {
		return nil, fmt.Errorf("kheap: [%s, +%d) outside heap region", a, n)
	}
	return h.region.Bytes(a, n), nil
}

// Check verifies the allocator's internal invariants when it supports it.
func (h *Heap) Check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return ErrNotInitialized
	}
	if c, ok := h.impl.(interface{ Check() error }); ok {
		return c.Check()
	}
	return nil
}

// Describe returns the allocator's debug representation.
func (h *Heap) Describe() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != ready {
		return "Heap{uninitialized}"
	}
	if s, ok := h.impl.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("Heap{%s}", h.strategy)
}
