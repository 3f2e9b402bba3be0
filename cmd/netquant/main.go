// Command netquant converts a trained float network into the quantised
// layout loaded by the engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/hailam/netquant/internal/logging"
	"github.com/hailam/netquant/internal/shape"
)

// Default file names
const (
	defaultIn  = "raw.bin"
	defaultOut = "factorised.bin"
)

type globalFlags struct {
	config    string
	logFormat string
	verbose   bool
	ledgerDir string

	shape shapeFlags
}

// shapeFlags mirrors shape.Shape; only flags set on the command line
// override the defaults and the config file.
type shapeFlags struct {
	inputSize, inputBuckets, l1, outputBuckets int
	factorised, pairwise, transpose           bool
	clip                                      float32
	ftScale, outScale, block                  int
	mode                                      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	d := shape.Default()

	root := newConvertCmd(g)
	root.Use = "netquant"
	root.Short = "Quantise a factorised float network into the engine layout"
	root.SilenceUsage = true
	root.SilenceErrors = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "YAML file overriding the default shape")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&g.ledgerDir, "ledger-dir", "", "ledger database directory (default: platform data dir)")

	pf.IntVar(&g.shape.inputSize, "input-size", d.InputSize, "input feature count")
	pf.IntVar(&g.shape.inputBuckets, "input-buckets", d.InputBuckets, "input bucket count")
	pf.IntVar(&g.shape.l1, "l1", d.L1, "hidden layer width")
	pf.IntVar(&g.shape.outputBuckets, "output-buckets", d.OutputBuckets, "output bucket count")
	pf.BoolVar(&g.shape.factorised, "factorised", d.Factorised, "raw network carries a factorisation plane")
	pf.BoolVar(&g.shape.pairwise, "pairwise", d.PairwiseMul, "pairwise multiplication halves the output layer width")
	pf.Float32Var(&g.shape.clip, "clip", d.Clip, "clip bound applied before scaling")
	pf.IntVar(&g.shape.ftScale, "ft-scale", d.FTScale, "feature transformer quantisation scale")
	pf.IntVar(&g.shape.outScale, "out-scale", d.OutScale, "output layer quantisation scale")
	pf.StringVar(&g.shape.mode, "mode", d.Mode.String(), "rounding: round or truncate")
	pf.IntVar(&g.shape.block, "block", d.BlockSize, "pad output to a multiple of this many bytes")
	pf.BoolVar(&g.shape.transpose, "transpose", d.TransposeOutputWeights, "store output weights bucket-major")

	root.AddCommand(newConvertCmd(g), newInspectCmd(g), newHistoryCmd(g))
	return root
}

// resolveShape applies the config file and then any explicitly set flags
// on top of the defaults.
func (g *globalFlags) resolveShape(cmd *cobra.Command) (shape.Shape, error) {
	s := shape.Default()
	if g.config != "" {
		var err error
		if s, err = shape.Load(g.config, s); err != nil {
			return s, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("input-size", func() { s.InputSize = g.shape.inputSize })
	set("input-buckets", func() { s.InputBuckets = g.shape.inputBuckets })
	set("l1", func() { s.L1 = g.shape.l1 })
	set("output-buckets", func() { s.OutputBuckets = g.shape.outputBuckets })
	set("factorised", func() { s.Factorised = g.shape.factorised })
	set("pairwise", func() { s.PairwiseMul = g.shape.pairwise })
	set("clip", func() { s.Clip = g.shape.clip })
	set("ft-scale", func() { s.FTScale = g.shape.ftScale })
	set("out-scale", func() { s.OutScale = g.shape.outScale })
	set("block", func() { s.BlockSize = g.shape.block })
	set("transpose", func() { s.TransposeOutputWeights = g.shape.transpose })
	if flags.Changed("mode") {
		m, err := shape.ParseMode(g.shape.mode)
		if err != nil {
			return s, err
		}
		s.Mode = m
	}

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid shape: %w", err)
	}
	return s, nil
}

func (g *globalFlags) logger(cmd *cobra.Command) *logging.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return logging.New(cmd.ErrOrStderr(), g.logFormat, level)
}
