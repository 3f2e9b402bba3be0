// Package convert folds the factorisation plane into every input bucket and
// quantises a raw network into its fixed-point layout.
package convert

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/netquant/internal/network"
	"github.com/hailam/netquant/internal/quant"
	"github.com/hailam/netquant/internal/shape"
)

// Block names one of the four parameter blocks.
type Block int

const (
	FeatureWeights Block = iota
	FeatureBiases
	OutputWeights
	OutputBiases
)

func (b Block) String() string {
	switch b {
	case FeatureWeights:
		return "feature weights"
	case FeatureBiases:
		return "feature biases"
	case OutputWeights:
		return "output weights"
	case OutputBiases:
		return "output biases"
	}
	return fmt.Sprintf("block(%d)", int(b))
}

// SlotError locates a parameter that failed to quantise. Index is the
// position in the quantised block.
type SlotError struct {
	Block Block
	Index int
	Err   error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.Block, e.Index, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// BlockStats summarises one quantised block.
type BlockStats struct {
	// Clamped counts parameters that were outside the clip bound.
	Clamped int
	// MaxAbs is the largest quantised magnitude.
	MaxAbs int
}

func (s *BlockStats) merge(o BlockStats) {
	s.Clamped += o.Clamped
	s.MaxAbs = max(s.MaxAbs, o.MaxAbs)
}

// Stats holds per-block summaries indexed by Block.
type Stats [4]BlockStats

type options struct {
	workers int
}

// Option configures Convert.
type Option func(*options)

// WithWorkers converts up to n bucket planes concurrently. n <= 1 runs
// sequentially.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// Convert produces the quantised network for raw. Feature weights of every
// bucket have the factorisation plane added when s is factorised. Output
// biases use the combined scale of both layers.
//
// The result does not depend on the worker count: when several parameters
// are out of range the error reported is the one a sequential pass would
// hit first.
func Convert(ctx context.Context, raw *network.Raw, s shape.Shape, opts ...Option) (*network.Quantised, Stats, error) {
	o := options{workers: 1}
	for _, fn := range opts {
		fn(&o)
	}

	if err := checkRaw(raw, s); err != nil {
		return nil, Stats{}, err
	}

	c := &converter{
		raw:   raw,
		q:     network.NewQuantised(s),
		s:     s,
		ftQ:   quant.New(s, s.FTScale),
		outQ:  quant.New(s, s.OutScale),
		biasQ: quant.New(s, s.BiasScale()),
	}
	c.failed.Store(math.MaxInt64)

	// One task per input bucket plane, then one for the remaining blocks.
	// Task order matches the order of a sequential pass.
	tasks := s.InputBuckets + 1
	errs := make([]error, tasks)
	stats := make([]Stats, tasks)

	run := func(task int) {
		if task < s.InputBuckets {
			errs[task] = c.bucket(task, &stats[task][FeatureWeights])
		} else {
			errs[task] = c.tail(&stats[task])
		}
		if errs[task] != nil {
			c.fail(task)
		}
	}

	if o.workers <= 1 {
		for task := 0; task < tasks; task++ {
			if err := ctx.Err(); err != nil {
				return nil, Stats{}, err
			}
			run(task)
			if errs[task] != nil {
				return nil, Stats{}, errs[task]
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.workers)
		for task := 0; task < tasks; task++ {
			task := task
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if c.skip(task) {
					return nil
				}
				run(task)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, Stats{}, err
		}
		for _, err := range errs {
			if err != nil {
				return nil, Stats{}, err
			}
		}
	}

	var total Stats
	for _, st := range stats {
		for b := range total {
			total[b].merge(st[b])
		}
	}
	return c.q, total, nil
}

type converter struct {
	raw *network.Raw
	q   *network.Quantised
	s   shape.Shape

	ftQ, outQ, biasQ quant.Quantiser

	// failed is the lowest task index that has hit an error. Tasks above it
	// can stop since their result will be discarded.
	failed atomic.Int64
}

func (c *converter) fail(task int) {
	for {
		cur := c.failed.Load()
		if int64(task) >= cur || c.failed.CompareAndSwap(cur, int64(task)) {
			return
		}
	}
}

func (c *converter) skip(task int) bool {
	return int64(task) > c.failed.Load()
}

// bucket quantises the feature weights of input bucket b.
func (c *converter) bucket(b int, st *BlockStats) error {
	offset := 0
	if c.s.Factorised {
		offset = 1
	}
	src := c.raw.Plane(b + offset)
	dst := c.q.Plane(b)

	var factor []float32
	if c.s.Factorised {
		factor = c.raw.Plane(0)
	}

	const checkEvery = 1 << 14
	for w, v := range src {
		if factor != nil {
			v += factor[w]
		}
		q, err := c.ftQ.Quantise(v)
		if err != nil {
			return &SlotError{Block: FeatureWeights, Index: b*c.q.BucketStride + w, Err: err}
		}
		dst[w] = q
		st.observe(c.ftQ, v, q)

		if w%checkEvery == 0 && c.skip(b) {
			return nil
		}
	}
	return nil
}

// tail quantises the feature biases, output weights and output biases.
func (c *converter) tail(st *Stats) error {
	for i, v := range c.raw.FeatureBiases {
		q, err := c.ftQ.Quantise(v)
		if err != nil {
			return &SlotError{Block: FeatureBiases, Index: i, Err: err}
		}
		c.q.FeatureBiases[i] = q
		st[FeatureBiases].observe(c.ftQ, v, q)
	}

	for src, v := range c.raw.OutputWeights {
		dst := OutputIndex(c.s, src)
		q, err := c.outQ.Quantise(v)
		if err != nil {
			return &SlotError{Block: OutputWeights, Index: dst, Err: err}
		}
		c.q.OutputWeights[dst] = q
		st[OutputWeights].observe(c.outQ, v, q)
	}

	for i, v := range c.raw.OutputBiases {
		q, err := c.biasQ.Quantise(v)
		if err != nil {
			return &SlotError{Block: OutputBiases, Index: i, Err: err}
		}
		c.q.OutputBiases[i] = q
		st[OutputBiases].observe(c.biasQ, v, q)
	}
	return nil
}

func (st *BlockStats) observe(q quant.Quantiser, v float32, out int16) {
	if q.Clamped(v) {
		st.Clamped++
	}
	a := int(out)
	if a < 0 {
		a = -a
	}
	st.MaxAbs = max(st.MaxAbs, a)
}

func checkRaw(raw *network.Raw, s shape.Shape) error {
	if raw.Buckets != s.RawBuckets() ||
		raw.BucketStride != s.FeatureWeightsPerBucket() ||
		len(raw.FeatureWeights) != s.RawBuckets()*s.FeatureWeightsPerBucket() ||
		len(raw.FeatureBiases) != s.L1 ||
		len(raw.OutputWeights) != s.OutputWeights() ||
		len(raw.OutputBiases) != s.OutputBuckets {
		return fmt.Errorf("raw network does not match shape: %d buckets of %d weights, expected %d of %d",
			raw.Buckets, raw.BucketStride, s.RawBuckets(), s.FeatureWeightsPerBucket())
	}
	return nil
}
