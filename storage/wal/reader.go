package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

const readBufferSize = 64 * 1024

type segmentReader struct {
	*bufio.Reader
	file *os.File
}

func (r *segmentReader) Close() error {
	return r.file.Close()
}

// OpenReadSegment opens segment i for buffered sequential reading from
// offset 0.
func OpenReadSegment(dir string, i uint64) (io.ReadCloser, error) {
	return openReader(SegmentName(dir, i))
}

func openReader(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &FileNotFoundError{Name: name}
		}
		return nil, ioError("open segment", err)
	}

	return &segmentReader{
		Reader: bufio.NewReaderSize(f, readBufferSize),
		file:   f,
	}, nil
}
