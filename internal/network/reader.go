package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hailam/netquant/internal/shape"
)

// Compression identifies how a raw source file is encoded.
type Compression int

const (
	// None reads the raw layout verbatim.
	None Compression = iota
	// Zstd reads a zstd stream.
	Zstd
	// LZ4 reads an LZ4 frame stream.
	LZ4
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return "none"
}

// CompressionFor picks a compression from the file extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	}
	return None
}

// ReadRaw decodes exactly RawSize(s) bytes from r into a new raw network.
// Trailing data is ignored. On failure no network is returned.
func ReadRaw(r io.Reader, s shape.Shape) (*Raw, error) {
	raw := NewRaw(s)
	cr := &countingReader{r: r}

	for _, block := range raw.blocks() {
		if err := ReadLittleEndianSlice(cr, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &ShortReadError{
					Got:          cr.n,
					Want:         RawSize(s),
					Unfactorised: s.Factorised && cr.n >= UnfactorisedRawSize(s),
				}
			}
			return nil, &IOError{Op: "read", Err: err}
		}
	}

	return raw, nil
}

// LoadRaw opens path and reads a raw network from it, decompressing
// according to the file extension.
func LoadRaw(path string, s shape.Shape) (*Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	defer f.Close()

	src, closeSrc, err := decompress(bufio.NewReaderSize(f, 1<<20), CompressionFor(path))
	if err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}
	defer closeSrc()

	return ReadRaw(src, s)
}

func decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, dec.Close, nil
	case LZ4:
		return lz4.NewReader(r), func() {}, nil
	}
	return r, func() {}, nil
}
