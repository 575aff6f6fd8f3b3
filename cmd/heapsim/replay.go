package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/kheap"
	"github.com/alexlewtschuk/palloc/src/memory"
)

var (
	replayStrategy string
	replaySize     string
	replayStart    string
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().StringVar(&replayStrategy, "strategy", "buddy", "Allocator strategy (buddy, bump)")
	cmd.Flags().StringVar(&replaySize, "size", "1K", "Arena size")
	cmd.Flags().StringVar(&replayStart, "start", "0", "Arena start address")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <trace|->",
		Short: "Replay an allocation trace",
		Long: `The replay command runs a trace against a heap over [start, start+size).
The arena is backed by host memory at a fixed logical address, so the
addresses printed are reproducible.

Trace lines:
  alloc <name> <size> [align]   allocate and remember the block as <name>
  free <name>                   free the block remembered as <name>
  free <addr> <size> [align]    free a raw address
  stats                         print allocated and total bytes
  check                         verify allocator invariants
  # comment

Example:
  heapsim replay --size 1K boot.trace
  printf 'alloc a 20 8\nfree a\n' | heapsim replay -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := kheap.ParseStrategy(replayStrategy)
			if err != nil {
				return err
			}
			size, err := parseSize(replaySize)
			if err != nil {
				return err
			}
			start, err := parseSize(replayStart)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open trace: %w", err)
				}
				defer f.Close()
				in = f
			}

			logger, err := newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var h kheap.Heap
			region := memory.New(alloc.Addr(start), size)
			if err := h.Init(region, kheap.Options{Strategy: strategy, Logger: logger}); err != nil {
				return err
			}
			return replay(in, cmd.OutOrStdout(), &h)
		},
	}
}

type named struct {
	addr alloc.Addr
	l    alloc.Layout
}

// replay executes a trace against h. Contract violations stop the replay and
// are returned as errors naming the offending line.
func replay(r io.Reader, w io.Writer, h *kheap.Heap) (err error) {
	blocks := make(map[string]named)
	sc := bufio.NewScanner(r)
	lineNo := 0

	defer func() {
		if rec := recover(); rec != nil {
			v, ok := alloc.AsViolation(rec)
			if !ok {
				panic(rec)
			}
			err = fmt.Errorf("line %d: %w", lineNo, v)
		}
	}()

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "alloc":
			if len(fields) < 3 || len(fields) > 4 {
				return fmt.Errorf("line %d: usage: alloc <name> <size> [align]", lineNo)
			}
			name := fields[1]
			if _, dup := blocks[name]; dup {
				return fmt.Errorf("line %d: %q is already allocated", lineNo, name)
			}
			size, err := strconv.ParseUint(fields[2], 0, 64)
			if err != nil {
				return fmt.Errorf("line %d: bad size %q", lineNo, fields[2])
			}
			align := uint64(1)
			if len(fields) == 4 {
				if align, err = strconv.ParseUint(fields[3], 0, 64); err != nil {
					return fmt.Errorf("line %d: bad align %q", lineNo, fields[3])
				}
			}
			l := alloc.Layout{Size: uintptr(size), Align: uintptr(align)}
			addr, err := h.Alloc(l)
			if err != nil {
				fmt.Fprintf(w, "alloc %s %s: %v\n", name, l, err)
				continue
			}
			blocks[name] = named{addr: addr, l: l}
			fmt.Fprintf(w, "alloc %s %s -> %s\n", name, l, addr)

		case "free":
			if len(fields) >= 3 {
				// Raw form, frees an address the trace never named.
				b, err := parseRawFree(fields[1:])
				if err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				if err := h.Dealloc(b.addr, b.l); err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				fmt.Fprintf(w, "free %s %s\n", b.addr, b.l)
				continue
			}
			if len(fields) != 2 {
				return fmt.Errorf("line %d: usage: free <name> | free <addr> <size> [align]", lineNo)
			}
			b, ok := blocks[fields[1]]
			if !ok {
				return fmt.Errorf("line %d: unknown block %q", lineNo, fields[1])
			}
			if err := h.Dealloc(b.addr, b.l); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			delete(blocks, fields[1])
			fmt.Fprintf(w, "free %s %s\n", fields[1], b.addr)

		case "stats":
			st, err := h.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "stats allocated=%d total=%d free=%d\n", st.Allocated, st.Total, st.Free())

		case "check":
			if err := h.Check(); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			fmt.Fprintln(w, "check ok")

		default:
			return fmt.Errorf("line %d: unknown command %q", lineNo, fields[0])
		}
	}
	return sc.Err()
}

func parseRawFree(args []string) (named, error) {
	if len(args) > 3 {
		return named{}, fmt.Errorf("usage: free <addr> <size> [align]")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return named{}, fmt.Errorf("bad address %q", args[0])
	}
	size, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return named{}, fmt.Errorf("bad size %q", args[1])
	}
	align := uint64(1)
	if len(args) == 3 {
		if align, err = strconv.ParseUint(args[2], 0, 64); err != nil {
			return named{}, fmt.Errorf("bad align %q", args[2])
		}
	}
	return named{addr: alloc.Addr(addr), l: alloc.Layout{Size: uintptr(size), Align: uintptr(align)}}, nil
}
