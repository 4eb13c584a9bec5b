package wal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIO            = errors.New("i/o error")
	ErrClosed        = errors.New("wal closed")
	ErrAlreadyClosed = errors.New("wal already closed")
	ErrActiveSegment = errors.New("active segment cannot be deleted")
	// ErrInconsistent is returned by every write after the directory was
	// left in a state the next open would misread.
	ErrInconsistent = errors.New("log directory inconsistent")
)

// IOError wraps a failed filesystem operation.
type IOError struct {
	Op  string
	Err error
}

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}

	return &IOError{Op: op, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// FileNotFoundError is returned when a segment the log refers to is missing
// from the directory.
type FileNotFoundError struct {
	Name string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Name)
}
