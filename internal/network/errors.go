package network

import (
	"errors"
	"fmt"
)

// ErrShortRead is matched by every ShortReadError.
var ErrShortRead = errors.New("source network too small")

// OpenError reports a path that could not be opened or created.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ShortReadError reports a source that ended before the expected footprint.
type ShortReadError struct {
	Got  int64
	Want int64
	// Unfactorised is set when a factorised layout was expected but the
	// source held at least a full unfactorised layout.
	Unfactorised bool
}

func (e *ShortReadError) Error() string {
	msg := fmt.Sprintf("failed to load source network: too small (%d of %d bytes)", e.Got, e.Want)
	if e.Unfactorised {
		msg += " - unfactorised network?"
	}
	return msg
}

func (e *ShortReadError) Is(target error) bool { return target == ErrShortRead }

// IOError reports any other read or write failure. Op is one of "read",
// "write", "write padding", "sync" or "rename".
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Op == "write padding" {
		return fmt.Sprintf("failed to write padding: %v", e.Err)
	}
	return fmt.Sprintf("failed to %s network: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
