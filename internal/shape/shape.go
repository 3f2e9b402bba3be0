// Package shape describes the fixed architecture of the networks being
// converted: array extents, quantization scales and output layout switches.
package shape

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects how scaled parameters are mapped onto integers.
type Mode int

const (
	// Round maps to the nearest integer, ties away from zero.
	Round Mode = iota
	// Truncate maps toward zero.
	Truncate
)

func (m Mode) String() string {
	switch m {
	case Round:
		return "round"
	case Truncate:
		return "truncate"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "round" or "truncate".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "round":
		return Round, nil
	case "truncate":
		return Truncate, nil
	}
	return 0, fmt.Errorf("unknown quantise mode %q", s)
}

// MarshalYAML implements yaml.Marshaler.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Reference architecture constants
const (
	DefaultInputSize     = 768
	DefaultInputBuckets  = 16
	DefaultL1            = 1280
	DefaultOutputBuckets = 8

	DefaultClip     = 1.98
	DefaultFTScale  = 255
	DefaultOutScale = 64

	DefaultBlockSize = 64
)

// Shape holds every constant consumed by the reader, converter and writer.
type Shape struct {
	InputSize     int `yaml:"input_size"`
	InputBuckets  int `yaml:"input_buckets"`
	L1            int `yaml:"l1"`
	OutputBuckets int `yaml:"output_buckets"`

	// Factorised reserves plane 0 of the raw feature weights for the
	// factorisation plane.
	Factorised bool `yaml:"factorised"`
	// PairwiseMul halves the output layer input width.
	PairwiseMul bool `yaml:"pairwise_mul"`

	Clip     float32 `yaml:"clip"`
	FTScale  int     `yaml:"ft_scale"`
	OutScale int     `yaml:"out_scale"`
	Mode     Mode    `yaml:"mode"`

	// BlockSize aligns the output file; 0 or 1 disables padding.
	BlockSize int `yaml:"block_size"`
	// TransposeOutputWeights stores output weights bucket-major.
	TransposeOutputWeights bool `yaml:"transpose_output_weights"`
}

// Default returns the reference configuration.
func Default() Shape {
	return Shape{
		InputSize:     DefaultInputSize,
		InputBuckets:  DefaultInputBuckets,
		L1:            DefaultL1,
		OutputBuckets: DefaultOutputBuckets,
		Factorised:    true,
		PairwiseMul:   false,
		Clip:          DefaultClip,
		FTScale:       DefaultFTScale,
		OutScale:      DefaultOutScale,
		Mode:          Round,
		BlockSize:     DefaultBlockSize,
	}
}

// FeatureWeightsPerBucket is the size of one input bucket plane.
func (s Shape) FeatureWeightsPerBucket() int {
	return s.InputSize * s.L1
}

// RawBuckets is the bucket count of the raw layout, including the
// factorisation plane when enabled.
func (s Shape) RawBuckets() int {
	if s.Factorised {
		return s.InputBuckets + 1
	}
	return s.InputBuckets
}

// L1Weights is the output layer input width.
func (s Shape) L1Weights() int {
	if s.PairwiseMul {
		return s.L1
	}
	return 2 * s.L1
}

// OutputWeights is the flattened size of the output weight block.
func (s Shape) OutputWeights() int {
	return s.L1Weights() * s.OutputBuckets
}

// BiasScale is the scale applied to output biases, which are added after
// both scaled matrix stages.
func (s Shape) BiasScale() int {
	return s.FTScale * s.OutScale
}

// Unfactorised returns a copy of s with factorisation disabled.
func (s Shape) Unfactorised() Shape {
	s.Factorised = false
	return s
}

// Validate reports every invalid field.
func (s Shape) Validate() error {
	var errs []error
	check := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	check("input size", s.InputSize)
	check("input buckets", s.InputBuckets)
	check("l1", s.L1)
	check("output buckets", s.OutputBuckets)
	check("ft scale", s.FTScale)
	check("output scale", s.OutScale)
	if !(s.Clip > 0) {
		errs = append(errs, fmt.Errorf("clip must be positive, got %v", s.Clip))
	}
	if s.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("block size must not be negative, got %d", s.BlockSize))
	}
	if s.Mode != Round && s.Mode != Truncate {
		errs = append(errs, fmt.Errorf("invalid mode %v", s.Mode))
	}
	return errors.Join(errs...)
}

// Load reads a YAML file and applies it on top of base. Fields absent from
// the file keep their base values.
func Load(path string, base Shape) (Shape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config: %w", err)
	}
	s := base
	if err := yaml.Unmarshal(data, &s); err != nil {
		return base, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return s, nil
}
