package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

// CompactionWriter builds the segment that replaces every existing segment.
// Records are written to a temporary file; nothing visible changes until
// Commit.
type CompactionWriter struct {
	w      *Wal
	i      uint64
	tmp    string
	file   *os.File
	writer *bufio.Writer
	size   int64
	done   bool
}

// NewCompactionWriter starts a segment one above the active one.
func (w *Wal) NewCompactionWriter() (*CompactionWriter, error) {
	if err := w.writable(); err != nil {
		return nil, err
	}

	i := w.segment.i + 1
	tmp := SegmentName(w.dir, i) + TempExt

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, ioError("create compaction segment", err)
	}

	return &CompactionWriter{
		w:      w,
		i:      i,
		tmp:    tmp,
		file:   f,
		writer: bufio.NewWriterSize(f, readBufferSize),
	}, nil
}

func (c *CompactionWriter) Generation() uint64 {
	return c.i
}

func (c *CompactionWriter) Size() int64 {
	return c.size
}

// Append buffers data and returns the pointer it will have once committed.
func (c *CompactionWriter) Append(data []byte) (Pointer, error) {
	if c.done {
		return Pointer{}, ErrClosed
	}

	n, err := c.writer.Write(data)
	if err != nil {
		return Pointer{}, ioError("write compaction segment", err)
	}

	ptr := Pointer{Generation: c.i, Offset: c.size, Length: int64(n)}
	c.size += int64(n)

	return ptr, nil
}

// Finish flushes the segment to stable storage. Afterwards the segment may
// be read back with OpenReader and then committed or aborted.
func (c *CompactionWriter) Finish() error {
	if c.done {
		return ErrClosed
	}

	if err := c.writer.Flush(); err != nil {
		return ioError("flush compaction segment", err)
	}
	if err := c.w.fsync(&Segment{SegmentFile: c.file, dir: c.w.dir, i: c.i}); err != nil {
		return ioError("sync compaction segment", err)
	}
	if err := c.file.Close(); err != nil {
		return ioError("close compaction segment", err)
	}

	c.file = nil

	return nil
}

// OpenReader reads back the finished segment.
func (c *CompactionWriter) OpenReader() (io.ReadCloser, error) {
	if c.file != nil {
		return nil, errors.New("compaction segment is not finished")
	}

	return openReader(c.tmp)
}

// Commit installs the finished segment as the only and active segment:
// rename into place, record the compaction marker, then delete every older
// segment. A crash at any point leaves a directory that NewWal recovers.
func (c *CompactionWriter) Commit() error {
	if c.done {
		return ErrClosed
	}
	if c.file != nil {
		return errors.New("compaction segment is not finished")
	}

	w := c.w
	name := SegmentName(w.dir, c.i)

	if err := fileutil.Rename(c.tmp, name); err != nil {
		return ioError("install compaction segment", err)
	}
	c.done = true

	next, err := CreateSegment(w.dir, c.i)
	if err != nil {
		return w.discardInstalled(name, err)
	}

	if err := writeMarker(w.dir, c.i); err != nil {
		next.Close()
		return w.discardInstalled(name, err)
	}

	stale := w.generations
	w.setSegment(next)
	w.generations = []uint64{c.i}

	var firstErr error
	for _, i := range stale {
		w.dropReader(i)

		if err := removeFile(SegmentName(w.dir, i)); err != nil {
			level.Warn(w.logger).Log("msg", "error removing compacted segment", "err", err, "segment", i)
			if firstErr == nil {
				firstErr = ioError("remove compacted segment", err)
			}
		}
	}

	w.metrics.segments.Set(float64(len(w.generations)))

	return firstErr
}

// Abort discards the segment. It is a no-op after Commit.
func (c *CompactionWriter) Abort() error {
	if c.done {
		return nil
	}
	c.done = true

	if c.file != nil {
		c.file.Close()
		c.file = nil
	}

	if err := removeFile(c.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError("remove compaction segment", err)
	}

	return nil
}

// discardInstalled removes a compaction segment that was renamed into place
// but never became active. If it stays, the next open would replay it after
// the active segment, so every later write is refused.
func (w *Wal) discardInstalled(name string, cause error) error {
	if err := removeFile(name); err != nil {
		level.Error(w.logger).Log("msg", "error removing uncommitted compaction segment", "err", err, "file", name)
		w.broken = errors.Wrapf(ErrInconsistent, "uncommitted compaction segment %s left in place: %v", name, err)
		return errors.Wrap(w.broken, cause.Error())
	}

	return cause
}
