// Package network defines the raw and quantised network layouts and their
// binary encoding.
//
// Both layouts are four tightly packed little-endian blocks with no header:
//
//   - feature weights: buckets * InputSize * L1, indexed [b*InputSize*L1 + w]
//   - feature biases:  L1
//   - output weights:  L1Weights * OutputBuckets
//   - output biases:   OutputBuckets
//
// The raw layout stores float32 and, when factorised, carries one extra
// bucket plane at index 0. The quantised layout stores int16 and never
// carries the factorisation plane.
package network

import (
	"unsafe"

	"github.com/hailam/netquant/internal/shape"
)

// Param is the element type of a layout.
type Param interface {
	float32 | int16
}

// Network is one instantiation of the layout. Slices are sized on
// construction and never resized.
type Network[T Param] struct {
	Buckets        int
	BucketStride   int
	FeatureWeights []T
	FeatureBiases  []T
	OutputWeights  []T
	OutputBiases   []T
}

// Raw is the floating-point network read from disk.
type Raw = Network[float32]

// Quantised is the fixed-point network written to disk.
type Quantised = Network[int16]

func newNetwork[T Param](s shape.Shape, buckets int) *Network[T] {
	stride := s.FeatureWeightsPerBucket()
	return &Network[T]{
		Buckets:        buckets,
		BucketStride:   stride,
		FeatureWeights: make([]T, buckets*stride),
		FeatureBiases:  make([]T, s.L1),
		OutputWeights:  make([]T, s.OutputWeights()),
		OutputBiases:   make([]T, s.OutputBuckets),
	}
}

// NewRaw returns a zeroed raw network for s, including the factorisation
// plane when s is factorised.
func NewRaw(s shape.Shape) *Raw {
	return newNetwork[float32](s, s.RawBuckets())
}

// NewQuantised returns a zeroed quantised network for s.
func NewQuantised(s shape.Shape) *Quantised {
	return newNetwork[int16](s, s.InputBuckets)
}

// Plane returns the feature weights of bucket b.
func (n *Network[T]) Plane(b int) []T {
	return n.FeatureWeights[b*n.BucketStride : (b+1)*n.BucketStride]
}

// Elements is the total number of scalars in the layout.
func (n *Network[T]) Elements() int {
	return len(n.FeatureWeights) + len(n.FeatureBiases) + len(n.OutputWeights) + len(n.OutputBiases)
}

// Size is the encoded size of n in bytes.
func (n *Network[T]) Size() int64 {
	var zero T
	return int64(n.Elements()) * int64(unsafe.Sizeof(zero))
}

func elements(s shape.Shape, buckets int) int64 {
	return int64(buckets)*int64(s.FeatureWeightsPerBucket()) +
		int64(s.L1) + int64(s.OutputWeights()) + int64(s.OutputBuckets)
}

// RawSize is the byte footprint of the raw layout for s.
func RawSize(s shape.Shape) int64 {
	return elements(s, s.RawBuckets()) * 4
}

// UnfactorisedRawSize is the byte footprint of a raw layout without the
// factorisation plane.
func UnfactorisedRawSize(s shape.Shape) int64 {
	return RawSize(s.Unfactorised())
}

// QuantisedSize is the byte footprint of the quantised layout before padding.
func QuantisedSize(s shape.Shape) int64 {
	return elements(s, s.InputBuckets) * 2
}

// Padding is the number of zero bytes that align size to block.
func Padding(size, block int64) int64 {
	if block <= 1 {
		return 0
	}
	return CeilToMultiple(size, block) - size
}
