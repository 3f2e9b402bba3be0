package network

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// WriteQuantised writes the quantised layout to w followed by zero padding
// up to the next multiple of block. It returns the number of bytes written.
func WriteQuantised(w io.Writer, q *Quantised, block int) (int64, error) {
	bw := bufio.NewWriterSize(w, 1<<20)

	for _, b := range q.blocks() {
		if err := WriteLittleEndianSlice(bw, b); err != nil {
			return 0, &IOError{Op: "write", Err: err}
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, &IOError{Op: "write", Err: err}
	}

	size := q.Size()
	pad := Padding(size, int64(block))
	if pad == 0 {
		return size, nil
	}

	if _, err := w.Write(make([]byte, pad)); err != nil {
		return size, &IOError{Op: "write padding", Err: err}
	}
	return size + pad, nil
}

// SaveQuantised writes q to path. The data goes to a temporary file in the
// same directory which replaces path only once fully written and synced,
// so a failed run never leaves a truncated network behind.
func SaveQuantised(path string, q *Quantised, block int) (int64, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return 0, &OpenError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := WriteQuantised(tmp, q, block)
	if err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, &IOError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &IOError{Op: "write", Err: err}
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return 0, &IOError{Op: "write", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, &IOError{Op: "rename", Err: err}
	}
	keep = true

	return n, nil
}
