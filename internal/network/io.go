package network

import (
	"encoding/binary"
	"io"
)

// CeilToMultiple rounds n up to be a multiple of base.
func CeilToMultiple[T ~int | ~int64](n, base T) T {
	return (n + base - 1) / base * base
}

// ReadLittleEndianSlice fills out from a little-endian stream.
func ReadLittleEndianSlice[T Param](r io.Reader, out []T) error {
	return binary.Read(r, binary.LittleEndian, out)
}

// WriteLittleEndianSlice writes values to a stream in little-endian order.
func WriteLittleEndianSlice[T Param](w io.Writer, values []T) error {
	return binary.Write(w, binary.LittleEndian, values)
}

// countingReader tracks how many bytes were consumed so a short read can
// report how much of the layout was present.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// blocks returns the four blocks of n in file order.
func (n *Network[T]) blocks() [4][]T {
	return [4][]T{n.FeatureWeights, n.FeatureBiases, n.OutputWeights, n.OutputBiases}
}
