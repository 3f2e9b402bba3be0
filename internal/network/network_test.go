package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hailam/netquant/internal/shape"
)

// tinyShape has 2 input buckets of 4x3 weights and 2 output buckets.
func tinyShape() shape.Shape {
	s := shape.Default()
	s.InputSize = 4
	s.InputBuckets = 2
	s.L1 = 3
	s.OutputBuckets = 2
	return s
}

// encodeRaw returns n float32 values 0, 1, 2, ... in little-endian order.
func encodeRaw(n int) []byte {
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(i)))
	}
	return buf
}

func TestSizes(t *testing.T) {
	t.Run("Reference", func(t *testing.T) {
		s := shape.Default()
		assert.Equal(t, int64(66933792), RawSize(s))
		assert.Equal(t, int64(63001632), UnfactorisedRawSize(s))
		assert.Equal(t, int64(31500816), QuantisedSize(s))
		assert.Equal(t, int64(48), Padding(QuantisedSize(s), 64))
	})

	t.Run("Tiny", func(t *testing.T) {
		s := tinyShape()
		assert.Equal(t, int64(212), RawSize(s))
		assert.Equal(t, int64(164), UnfactorisedRawSize(s))
		assert.Equal(t, int64(82), QuantisedSize(s))

		assert.Equal(t, RawSize(s), NewRaw(s).Size())
		assert.Equal(t, QuantisedSize(s), NewQuantised(s).Size())
	})
}

func TestPadding(t *testing.T) {
	for _, block := range []int64{2, 3, 16, 64, 4096} {
		for size := int64(0); size < 300; size++ {
			pad := Padding(size, block)
			assert.Equal(t, (block-size%block)%block, pad)
			assert.Zero(t, (size+pad)%block)
			assert.Less(t, pad, block)
		}
	}
	assert.Zero(t, Padding(81, 0))
	assert.Zero(t, Padding(81, 1))
	assert.Zero(t, Padding(128, 64))
}

func TestPlane(t *testing.T) {
	s := tinyShape()
	raw := NewRaw(s)
	require.Equal(t, 3, raw.Buckets)

	for i := range raw.FeatureWeights {
		raw.FeatureWeights[i] = float32(i)
	}
	p := raw.Plane(1)
	require.Len(t, p, 12)
	assert.Equal(t, float32(12), p[0])
	assert.Equal(t, float32(23), p[11])
}

func TestReadRaw(t *testing.T) {
	s := tinyShape()
	data := encodeRaw(53)

	// Trailing bytes are ignored
	raw, err := ReadRaw(bytes.NewReader(append(data, 0xAA, 0xBB)), s)
	require.NoError(t, err)

	assert.Equal(t, float32(0), raw.FeatureWeights[0])
	assert.Equal(t, float32(35), raw.FeatureWeights[35])
	assert.Equal(t, []float32{36, 37, 38}, raw.FeatureBiases)
	assert.Equal(t, float32(39), raw.OutputWeights[0])
	assert.Equal(t, float32(50), raw.OutputWeights[11])
	assert.Equal(t, []float32{51, 52}, raw.OutputBiases)
}

func TestReadRawShort(t *testing.T) {
	s := tinyShape()

	tests := []struct {
		name         string
		n            int
		unfactorised bool
	}{
		{"Empty", 0, false},
		{"MidPlane", 7, false},
		{"UnfactorisedFootprint", 41, true},
		{"BetweenFootprints", 45, true},
		{"OneShort", 52, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ReadRaw(bytes.NewReader(encodeRaw(tt.n)), s)
			require.Error(t, err)
			assert.Nil(t, raw)
			assert.ErrorIs(t, err, ErrShortRead)

			var sre *ShortReadError
			require.True(t, errors.As(err, &sre))
			assert.Equal(t, int64(tt.n*4), sre.Got)
			assert.Equal(t, int64(212), sre.Want)
			assert.Equal(t, tt.unfactorised, sre.Unfactorised)
			assert.Equal(t, tt.unfactorised, strings.Contains(err.Error(), "unfactorised network?"))
		})
	}

	t.Run("NoHintWhenUnfactorised", func(t *testing.T) {
		u := s.Unfactorised()
		_, err := ReadRaw(bytes.NewReader(encodeRaw(40)), u)
		var sre *ShortReadError
		require.True(t, errors.As(err, &sre))
		assert.False(t, sre.Unfactorised)
	})
}

func TestReadRawIOError(t *testing.T) {
	boom := errors.New("device error")
	r := io.MultiReader(bytes.NewReader(encodeRaw(10)), iotest.ErrReader(boom))

	raw, err := ReadRaw(r, tinyShape())
	assert.Nil(t, raw)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrShortRead)

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, "read", ioe.Op)
}

func TestLoadRaw(t *testing.T) {
	s := tinyShape()
	dir := t.TempDir()
	data := encodeRaw(53)

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadRaw(filepath.Join(dir, "raw.bin"), s)
		var oe *OpenError
		require.True(t, errors.As(err, &oe))
		assert.True(t, os.IsNotExist(oe.Err))
	})

	t.Run("Plain", func(t *testing.T) {
		path := filepath.Join(dir, "plain.bin")
		require.NoError(t, os.WriteFile(path, data, 0644))
		raw, err := LoadRaw(path, s)
		require.NoError(t, err)
		assert.Equal(t, float32(52), raw.OutputBiases[1])
	})

	t.Run("Zstd", func(t *testing.T) {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = enc.Write(data)
		require.NoError(t, err)
		require.NoError(t, enc.Close())

		path := filepath.Join(dir, "raw.bin.zst")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
		raw, err := LoadRaw(path, s)
		require.NoError(t, err)
		assert.Equal(t, float32(52), raw.OutputBiases[1])
	})

	t.Run("LZ4", func(t *testing.T) {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		path := filepath.Join(dir, "raw.bin.lz4")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
		raw, err := LoadRaw(path, s)
		require.NoError(t, err)
		assert.Equal(t, float32(52), raw.OutputBiases[1])
	})

	t.Run("ShortZstd", func(t *testing.T) {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = enc.Write(data[:164])
		require.NoError(t, err)
		require.NoError(t, enc.Close())

		path := filepath.Join(dir, "short.bin.zst")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
		_, err = LoadRaw(path, s)
		assert.ErrorIs(t, err, ErrShortRead)
		assert.Contains(t, err.Error(), "unfactorised network?")
	})
}

func TestCompressionFor(t *testing.T) {
	assert.Equal(t, None, CompressionFor("raw.bin"))
	assert.Equal(t, Zstd, CompressionFor("raw.bin.zst"))
	assert.Equal(t, Zstd, CompressionFor("RAW.ZSTD"))
	assert.Equal(t, LZ4, CompressionFor("nets/raw.lz4"))
}

func tinyQuantised() *Quantised {
	q := NewQuantised(tinyShape())
	for i := range q.FeatureWeights {
		q.FeatureWeights[i] = int16(i - 10)
	}
	for i := range q.FeatureBiases {
		q.FeatureBiases[i] = int16(100 + i)
	}
	for i := range q.OutputWeights {
		q.OutputWeights[i] = int16(-200 - i)
	}
	q.OutputBiases[0] = math.MaxInt16
	q.OutputBiases[1] = -math.MaxInt16
	return q
}

func TestWriteQuantised(t *testing.T) {
	q := tinyQuantised()

	var buf bytes.Buffer
	n, err := WriteQuantised(&buf, q, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(128), n)
	require.Equal(t, 128, buf.Len())

	out := buf.Bytes()
	val := func(i int) int16 { return int16(binary.LittleEndian.Uint16(out[i*2:])) }
	assert.Equal(t, int16(-10), val(0))
	assert.Equal(t, int16(13), val(23))
	assert.Equal(t, int16(100), val(24))
	assert.Equal(t, int16(-200), val(27))
	assert.Equal(t, int16(math.MaxInt16), val(39))
	assert.Equal(t, int16(-math.MaxInt16), val(40))
	assert.Equal(t, make([]byte, 46), out[82:])

	t.Run("NoPadding", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := WriteQuantised(&buf, q, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(82), n)
		assert.Equal(t, 82, buf.Len())
	})

	t.Run("AlreadyAligned", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := WriteQuantised(&buf, q, 41)
		require.NoError(t, err)
		assert.Equal(t, int64(82), n)
	})
}

// limitWriter fails once more than n bytes have been written.
type limitWriter struct {
	n   int
	err error
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		written := w.n
		w.n = 0
		return written, w.err
	}
	w.n -= len(p)
	return len(p), nil
}

func TestWriteQuantisedErrors(t *testing.T) {
	q := tinyQuantised()
	boom := errors.New("disk full")

	t.Run("Payload", func(t *testing.T) {
		_, err := WriteQuantised(&limitWriter{n: 10, err: boom}, q, 64)
		var ioe *IOError
		require.True(t, errors.As(err, &ioe))
		assert.Equal(t, "write", ioe.Op)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Padding", func(t *testing.T) {
		_, err := WriteQuantised(&limitWriter{n: 82, err: boom}, q, 64)
		var ioe *IOError
		require.True(t, errors.As(err, &ioe))
		assert.Equal(t, "write padding", ioe.Op)
		assert.Contains(t, err.Error(), "failed to write padding")
	})
}

func TestSaveQuantised(t *testing.T) {
	q := tinyQuantised()
	dir := t.TempDir()
	path := filepath.Join(dir, "factorised.bin")

	n, err := SaveQuantised(path, q, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(128), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 128)

	var buf bytes.Buffer
	_, err = WriteQuantised(&buf, q, 64)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")

	t.Run("MissingDir", func(t *testing.T) {
		_, err := SaveQuantised(filepath.Join(dir, "nope", "out.bin"), q, 64)
		var oe *OpenError
		assert.True(t, errors.As(err, &oe))
	})
}
