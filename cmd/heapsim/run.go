package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/kheap"
	"github.com/alexlewtschuk/palloc/src/memory"
)

var (
	runStrategy   string
	runSize       string
	runOps        int
	runSeed       int64
	runMaxSize    string
	runAlignOrder int
	runCheck      bool
	runDrain      bool
	runMapped     bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVar(&runStrategy, "strategy", "buddy", "Allocator strategy (buddy, bump)")
	cmd.Flags().StringVar(&runSize, "size", "1M", "Arena size")
	cmd.Flags().IntVar(&runOps, "ops", 10000, "Number of operations")
	cmd.Flags().Int64Var(&runSeed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&runMaxSize, "max-size", "4K", "Largest single request")
	cmd.Flags().IntVar(&runAlignOrder, "max-align-order", 6, "Largest alignment as a power of two exponent")
	cmd.Flags().BoolVar(&runCheck, "check", false, "Verify allocator invariants after every operation")
	cmd.Flags().BoolVar(&runDrain, "drain", true, "Free every live block at the end")
	cmd.Flags().BoolVar(&runMapped, "mmap", true, "Back the arena with an anonymous mapping")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a random allocation workload",
		Long: `The run command initializes a heap and performs a reproducible random
mix of allocations and frees. Every block is filled with a tag byte and
checked before it is freed, so overlapping blocks are reported.

Example:
  heapsim run --size 4M --ops 100000
  heapsim run --strategy bump --size 64K --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := kheap.ParseStrategy(runStrategy)
			if err != nil {
				return err
			}
			size, err := parseSize(runSize)
			if err != nil {
				return err
			}
			maxSize, err := parseSize(runMaxSize)
			if err != nil {
				return err
			}
			cfg := workload{
				strategy:   strategy,
				size:       size,
				ops:        runOps,
				seed:       runSeed,
				maxSize:    maxSize,
				alignOrder: runAlignOrder,
				check:      runCheck,
				drain:      runDrain,
				mapped:     runMapped,
			}
			return runWorkload(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
		},
	}
}

type workload struct {
	strategy   kheap.Strategy
	size       uintptr
	ops        int
	seed       int64
	maxSize    uintptr
	alignOrder int
	check      bool
	drain      bool
	mapped     bool
}

// RunReport summarises a workload.
type RunReport struct {
	Strategy      string  `json:"strategy"`
	Arena         uintptr `json:"arena_bytes"`
	Total         uintptr `json:"usable_bytes"`
	Ops           int     `json:"ops"`
	Allocs        int     `json:"allocs"`
	Frees         int     `json:"frees"`
	Exhausted     int     `json:"exhausted"`
	PeakAllocated uintptr `json:"peak_allocated_bytes"`
	Allocated     uintptr `json:"allocated_bytes"`
	Live          int     `json:"live_blocks"`
}

type liveBlock struct {
	addr alloc.Addr
	l    alloc.Layout
	tag  byte
}

func runWorkload(out, logOut io.Writer, cfg workload) (err error) {
	if cfg.maxSize == 0 {
		return errors.New("--max-size must be greater than zero")
	}
	if cfg.alignOrder < 0 || cfg.alignOrder > 12 {
		return fmt.Errorf("--max-align-order must be between 0 and 12, got %d", cfg.alignOrder)
	}

	var region *memory.Region
	if cfg.mapped {
		region, err = memory.Map(cfg.size)
		if err != nil {
			return fmt.Errorf("failed to map arena: %w", err)
		}
		defer func() {
			if uerr := region.Unmap(); uerr != nil && err == nil {
				err = uerr
			}
		}()
	} else {
		region = memory.New(0, cfg.size)
	}

	logger, err := newLogger(logOut)
	if err != nil {
		return err
	}
	var h kheap.Heap
	if err := h.Init(region, kheap.Options{Strategy: cfg.strategy, Logger: logger}); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.seed))
	report := RunReport{Strategy: cfg.strategy.String(), Arena: region.Size(), Ops: cfg.ops}
	var live []liveBlock

	free := func(i int) error {
		b := live[i]
		buf, err := h.Bytes(b.addr, b.l.Size)
		if err != nil {
			return err
		}
		for off, c := range buf {
			if c != b.tag {
				return fmt.Errorf("block %s %s clobbered at +%d (want %#x, got %#x)", b.addr, b.l, off, b.tag, c)
			}
		}
		if err := h.Dealloc(b.addr, b.l); err != nil {
			return err
		}
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		report.Frees++
		return nil
	}

	for op := range cfg.ops {
		if len(live) == 0 || rng.Intn(10) < 6 {
			l := alloc.Layout{
				Size:  uintptr(rng.Int63n(int64(cfg.maxSize))) + 1,
				Align: uintptr(1) << rng.Intn(cfg.alignOrder+1),
			}
			addr, err := h.Alloc(l)
			switch {
			case errors.Is(err, alloc.ErrExhausted):
				report.Exhausted++
				printVerbose(out, "op %d: alloc %s exhausted\n", op, l)
				continue
			case err != nil:
				return fmt.Errorf("op %d: %w", op, err)
			}
			tag := byte(op%255) + 1
			buf, err := h.Bytes(addr, l.Size)
			if err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
			for i := range buf {
				buf[i] = tag
			}
			live = append(live, liveBlock{addr: addr, l: l, tag: tag})
			report.Allocs++
			printVerbose(out, "op %d: alloc %s -> %s\n", op, l, addr)
		} else {
			i := rng.Intn(len(live))
			printVerbose(out, "op %d: free %s\n", op, live[i].addr)
			if err := free(i); err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
		}

		st, err := h.Stats()
		if err != nil {
			return err
		}
		report.PeakAllocated = max(report.PeakAllocated, st.Allocated)
		if cfg.check {
			if err := h.Check(); err != nil {
				return fmt.Errorf("op %d: %w", op, err)
			}
		}
	}

	if cfg.drain {
		for len(live) > 0 {
			if err := free(len(live) - 1); err != nil {
				return fmt.Errorf("drain: %w", err)
			}
		}
		if err := h.Check(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}

	st, err := h.Stats()
	if err != nil {
		return err
	}
	report.Total = st.Total
	report.Allocated = st.Allocated
	report.Live = len(live)

	if jsonOut {
		return printJSON(out, report)
	}
	printInfo(out, "strategy:   %s\n", report.Strategy)
	printInfo(out, "arena:      %s\n", humanBytes(report.Arena))
	printInfo(out, "usable:     %s\n", humanBytes(report.Total))
	printInfo(out, "operations: %s (%s allocs, %s frees, %s exhausted)\n",
		count(report.Ops), count(report.Allocs), count(report.Frees), count(report.Exhausted))
	printInfo(out, "peak:       %s\n", humanBytes(report.PeakAllocated))
	printInfo(out, "allocated:  %s in %s live blocks\n", humanBytes(report.Allocated), count(report.Live))
	printInfo(out, "heap:       %s\n", h.Describe())
	return nil
}
