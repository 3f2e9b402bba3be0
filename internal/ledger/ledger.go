// Package ledger records successful conversions in a BadgerDB database so
// unchanged inputs can be skipped and past runs listed.
package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/hailam/netquant/internal/shape"
	"github.com/hailam/netquant/internal/storage"
)

// Storage keys
const (
	prefixRun    = "run/"
	prefixLatest = "latest/"
)

// Record describes one successful conversion.
type Record struct {
	ID           string      `json:"id"`
	Time         time.Time   `json:"time"`
	Input        string      `json:"input"`
	InputDigest  uint64      `json:"input_digest"`
	Output       string      `json:"output"`
	OutputDigest uint64      `json:"output_digest"`
	Bytes        int64       `json:"bytes"`
	Shape        shape.Shape `json:"shape"`
}

// Ledger wraps BadgerDB for conversion history.
type Ledger struct {
	db *badger.DB
}

// Open opens or creates a ledger in dir.
func Open(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenDefault opens the ledger in the platform data directory.
func OpenDefault() (*Ledger, error) {
	dir, err := storage.GetLedgerDir()
	if err != nil {
		return nil, err
	}
	return Open(dir)
}

// Close closes the database
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func runKey(r *Record) []byte {
	return fmt.Appendf(nil, "%s%020d/%s", prefixRun, r.Time.UnixNano(), r.ID)
}

func latestKey(output string) []byte {
	if abs, err := filepath.Abs(output); err == nil {
		output = abs
	}
	return []byte(prefixLatest + output)
}

// Add stores r and makes it the latest record for its output path.
func (l *Ledger) Add(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	key := runKey(r)
	return l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(latestKey(r.Output), key)
	})
}

// Latest returns the most recent record written to output, or nil.
func (l *Ledger) Latest(output string) (*Record, error) {
	var rec *Record

	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(output))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &Record{}
			return json.Unmarshal(val, rec)
		})
	})

	return rec, err
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) ([]Record, error) {
	var out []Record

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixRun)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixRun + "\xff")); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})

	return out, err
}

// Unchanged reports whether converting input with s into output would
// reproduce the latest recorded run: same input digest, same shape, and
// the output on disk still has the recorded digest.
func (l *Ledger) Unchanged(inputDigest uint64, output string, s shape.Shape) (bool, error) {
	rec, err := l.Latest(output)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.InputDigest != inputDigest || rec.Shape != s {
		return false, nil
	}

	outDigest, err := FileDigest(output)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return outDigest == rec.OutputDigest, nil
}

// FileDigest returns the xxhash64 of the file contents.
func FileDigest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
