package main

import (
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hailam/netquant/internal/convert"
	"github.com/hailam/netquant/internal/ledger"
	"github.com/hailam/netquant/internal/logging"
	"github.com/hailam/netquant/internal/network"
	"github.com/hailam/netquant/internal/shape"
)

type convertFlags struct {
	in, out       string
	workers       int
	record        bool
	skipUnchanged bool
	cpuprofile    string
}

func newConvertCmd(g *globalFlags) *cobra.Command {
	f := &convertFlags{}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a raw network (the default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.resolveShape(cmd)
			if err != nil {
				return err
			}
			return runConvert(cmd, g, f, s)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.in, "in", "i", defaultIn, "raw network (.zst and .lz4 are decompressed)")
	fl.StringVarP(&f.out, "out", "o", defaultOut, "quantised network")
	fl.IntVarP(&f.workers, "workers", "j", 1, "bucket planes converted concurrently")
	fl.BoolVar(&f.record, "ledger", false, "record the conversion in the ledger")
	fl.BoolVar(&f.skipUnchanged, "skip-unchanged", false, "skip when the ledger shows the output is up to date")
	fl.StringVar(&f.cpuprofile, "cpuprofile", "", "write cpu profile to file")

	return cmd
}

func runConvert(cmd *cobra.Command, g *globalFlags, f *convertFlags, s shape.Shape) error {
	id := uuid.NewString()
	log := g.logger(cmd).WithRun(id)

	// Start CPU profiling if requested (via flag or environment variable)
	profilePath := f.cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		pf, err := os.Create(profilePath)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer pf.Close()
		if err := pprof.StartCPUProfile(pf); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
		log.Debug("CPU profiling enabled", "path", profilePath)
	}

	log.Debug("shape",
		"input_size", s.InputSize,
		"input_buckets", s.InputBuckets,
		"l1", s.L1,
		"output_buckets", s.OutputBuckets,
		"factorised", s.Factorised,
		"pairwise", s.PairwiseMul,
		"mode", s.Mode,
	)

	var (
		led         *ledger.Ledger
		inputDigest uint64
	)
	if f.record || f.skipUnchanged {
		var err error
		if led, err = openLedger(g); err != nil {
			return err
		}
		defer led.Close()

		if inputDigest, err = ledger.FileDigest(f.in); err != nil {
			return &network.OpenError{Path: f.in, Err: err}
		}
	}

	if f.skipUnchanged {
		same, err := led.Unchanged(inputDigest, f.out, s)
		if err != nil {
			return err
		}
		if same {
			log.Info("output up to date, skipping", "path", f.out)
			return nil
		}
	}

	q, err := quantise(cmd, log, f, s)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := network.SaveQuantised(f.out, q, s.BlockSize)
	if err != nil {
		return err
	}
	log.LogWrite(f.out, n, n-q.Size(), time.Since(start))

	if f.record {
		outDigest, err := ledger.FileDigest(f.out)
		if err != nil {
			return fmt.Errorf("failed to hash output: %w", err)
		}
		rec := &ledger.Record{
			ID:           id,
			Time:         time.Now().UTC(),
			Input:        f.in,
			InputDigest:  inputDigest,
			Output:       f.out,
			OutputDigest: outDigest,
			Bytes:        n,
			Shape:        s,
		}
		if err := led.Add(rec); err != nil {
			return fmt.Errorf("failed to record conversion: %w", err)
		}
	}

	return nil
}

// quantise loads and converts the raw network. The raw network is dropped
// when it returns.
func quantise(cmd *cobra.Command, log *logging.Logger, f *convertFlags, s shape.Shape) (*network.Quantised, error) {
	start := time.Now()
	raw, err := network.LoadRaw(f.in, s)
	if err != nil {
		return nil, err
	}
	log.LogRead(f.in, network.RawSize(s), time.Since(start))

	start = time.Now()
	q, stats, err := convert.Convert(cmd.Context(), raw, s, convert.WithWorkers(f.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to quantise network: %w", err)
	}

	for b, st := range stats {
		log.Debug("quantised block",
			"block", convert.Block(b),
			"clamped", st.Clamped,
			"max_abs", st.MaxAbs,
		)
	}
	log.Info("quantised network",
		"workers", f.workers,
		"clamped", stats[convert.FeatureWeights].Clamped+stats[convert.FeatureBiases].Clamped+
			stats[convert.OutputWeights].Clamped+stats[convert.OutputBiases].Clamped,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return q, nil
}

func openLedger(g *globalFlags) (*ledger.Ledger, error) {
	if g.ledgerDir != "" {
		return ledger.Open(g.ledgerDir)
	}
	return ledger.OpenDefault()
}
