package storage

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"

	"kvs/storage/record"
	"kvs/storage/wal"
)

var (
	// ErrKeyNotFound is returned by Remove for a key that is not live.
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("store closed")

	ErrIO                    = wal.ErrIO
	ErrSerialization         = record.ErrSerialization
	ErrUnexpectedCommandType = record.ErrUnexpectedCommandType
)

type (
	FileNotFoundError  = wal.FileNotFoundError
	IOError            = wal.IOError
	SerializationError = record.SerializationError
)

// CorruptionError reports the segment and offset at which a log could not
// be decoded.
type CorruptionError struct {
	*wlog.CorruptionErr
	Generation uint64
}

func corruption(dir string, segment uint64, offset int64, err error) error {
	return &CorruptionError{
		CorruptionErr: &wlog.CorruptionErr{
			Dir:     dir,
			Segment: -1,
			Offset:  offset,
			Err:     err,
		},
		Generation: segment,
	}
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s", wal.SegmentName(e.Dir, e.Generation), e.CorruptionErr.Error())
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
