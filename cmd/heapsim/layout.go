package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/alexlewtschuk/palloc/src/alloc"
	"github.com/alexlewtschuk/palloc/src/balloc"
	"github.com/alexlewtschuk/palloc/src/memory"
)

var (
	layoutSize  string
	layoutStart string
)

func init() {
	cmd := newLayoutCmd()
	cmd.Flags().StringVar(&layoutSize, "size", "1000", "Arena size")
	cmd.Flags().StringVar(&layoutStart, "start", "0", "Arena start address")
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Show how an arena is cut into buddy subtrees",
		Long: `The layout command builds a buddy allocator over [start, start+size) and
prints the independent subtrees produced by the greedy decomposition.
Blocks only coalesce within their own subtree.

Example:
  heapsim layout --size 1000
  heapsim layout --start 0x80000 --size 3M --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(layoutSize)
			if err != nil {
				return err
			}
			start, err := parseSize(layoutStart)
			if err != nil {
				return err
			}
			return printLayout(cmd.OutOrStdout(), alloc.Addr(start), size)
		},
	}
}

// LayoutReport describes a buddy decomposition.
type LayoutReport struct {
	Start        string          `json:"start"`
	End          string          `json:"end"`
	Usable       uintptr         `json:"usable_bytes"`
	Wasted       uintptr         `json:"wasted_bytes"`
	HighestOrder uint            `json:"highest_order"`
	Subtrees     []SubtreeReport `json:"subtrees"`
}

// SubtreeReport is one root block.
type SubtreeReport struct {
	Base  string  `json:"base"`
	Order uint    `json:"order"`
	Size  uintptr `json:"size"`
}

func printLayout(w io.Writer, start alloc.Addr, size uintptr) error {
	mem := memory.New(start, size)
	a := balloc.New(mem.Start(), mem.End(), mem)

	st := a.Stats()
	report := LayoutReport{
		Start:        mem.Start().String(),
		End:          mem.End().String(),
		Usable:       st.Total,
		Wasted:       size - st.Total,
		HighestOrder: a.HighestOrder(),
	}
	for _, tree := range a.Subtrees() {
		report.Subtrees = append(report.Subtrees, SubtreeReport{
			Base:  tree.Base.String(),
			Order: tree.Order,
			Size:  tree.Size(),
		})
	}

	if jsonOut {
		return printJSON(w, report)
	}
	printInfo(w, "arena [%s, %s)\n", report.Start, report.End)
	printInfo(w, "usable %s, wasted %s, highest order %d\n", humanBytes(report.Usable), humanBytes(report.Wasted), report.HighestOrder)
	for i, tree := range report.Subtrees {
		printInfo(w, "  subtree %d: base %s order %2d size %s\n", i, tree.Base, tree.Order, humanBytes(tree.Size))
	}
	if len(report.Subtrees) == 0 {
		printInfo(w, "  no blocks: arena smaller than %d bytes\n", balloc.MIN_SIZE)
	}
	printVerbose(w, "%s\n", a)
	return nil
}
