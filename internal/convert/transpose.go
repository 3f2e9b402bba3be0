package convert

import "github.com/hailam/netquant/internal/shape"

// TransposeIndex maps the flattened index of element (r, c) in a rows x cols
// row-major matrix to its index in the cols x rows transpose.
// TransposeIndex(TransposeIndex(i, r, c), c, r) == i.
func TransposeIndex(i, rows, cols int) int {
	r, c := i/cols, i%cols
	return c*rows + r
}

// OutputIndex returns where raw output weight src is stored in the
// quantised layout. Raw output weights are weight-major
// (weight*OutputBuckets + bucket); when s transposes them they become
// bucket-major (bucket*L1Weights + weight).
func OutputIndex(s shape.Shape, src int) int {
	if !s.TransposeOutputWeights {
		return src
	}
	return TransposeIndex(src, s.L1Weights(), s.OutputBuckets)
}
