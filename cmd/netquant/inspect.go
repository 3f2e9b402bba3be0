package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hailam/netquant/internal/network"
	"github.com/hailam/netquant/internal/shape"
)

func newInspectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [file]",
		Short: "Print layout sizes for the active shape, and match a file against them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.resolveShape(cmd)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, l := range layouts(s) {
				fmt.Fprintf(w, "%s\t%d\t%s\n", l.name, l.size, humanize.IBytes(uint64(l.size)))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(args) == 0 {
				return nil
			}
			fi, err := os.Stat(args[0])
			if err != nil {
				return &network.OpenError{Path: args[0], Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes, %s\n", args[0], fi.Size(), matchLayout(s, fi.Size()))
			return nil
		},
	}
}

type layout struct {
	name string
	size int64
}

func layouts(s shape.Shape) []layout {
	q := network.QuantisedSize(s)
	out := []layout{
		{"raw", network.RawSize(s)},
	}
	if s.Factorised {
		out = append(out, layout{"raw (unfactorised)", network.UnfactorisedRawSize(s)})
	}
	return append(out,
		layout{"quantised", q},
		layout{"padding", network.Padding(q, int64(s.BlockSize))},
		layout{"quantised (padded)", q + network.Padding(q, int64(s.BlockSize))},
	)
}

// matchLayout names the layout whose size equals size.
func matchLayout(s shape.Shape, size int64) string {
	for _, l := range layouts(s) {
		if l.name != "padding" && l.size == size {
			return "matches " + l.name
		}
	}
	return "matches no known layout"
}
