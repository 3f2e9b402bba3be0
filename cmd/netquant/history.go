package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded conversions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			led, err := openLedger(g)
			if err != nil {
				return err
			}
			defer led.Close()

			records, err := led.List(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tINPUT\tOUTPUT\tSIZE\tDIGEST")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%016x\n",
					r.Time.Local().Format(time.DateTime), r.Input, r.Output,
					humanize.IBytes(uint64(r.Bytes)), r.OutputDigest)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to list (0 for all)")

	return cmd
}
