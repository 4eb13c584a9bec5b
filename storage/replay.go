package storage

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"kvs/storage/record"
	"kvs/storage/wal"
)

// replay folds every segment of w into kd, oldest first, and returns the
// number of stale bytes found. A record torn off at the end of the active
// segment is cut away; any other decoding failure aborts the replay.
func replay(logger log.Logger, w *wal.Wal, kd *KeyDir) (int64, error) {
	var stale int64

	gens := w.Generations()

	for n, gen := range gens {
		r, err := w.OpenReader(gen)
		if err != nil {
			return 0, err
		}

		segmentStale, end, err := replaySegment(kd, gen, r)
		closeReader(logger, r, gen)
		stale += segmentStale

		if err == nil {
			continue
		}

		if n == len(gens)-1 && errors.Is(err, io.ErrUnexpectedEOF) {
			level.Warn(logger).Log(
				"msg", "discarding torn record at end of log",
				"segment", gen,
				"offset", end,
				"dropped_bytes", w.ActiveSize()-end,
			)
			if err := w.TruncateActive(end); err != nil {
				return 0, err
			}
			continue
		}

		if errors.Is(err, ErrSerialization) || errors.Is(err, ErrUnexpectedCommandType) {
			return 0, corruption(w.Dir(), gen, end, err)
		}

		return 0, &wal.IOError{Op: "replay segment", Err: err}
	}

	return stale, nil
}

// replaySegment applies the records of one segment to kd in file order. On
// error it returns the offset of the record that failed to decode.
func replaySegment(kd *KeyDir, gen uint64, r io.Reader) (stale int64, end int64, err error) {
	d := record.NewDecoder(r)

	for d.Next() {
		cmd := d.Command()

		switch cmd.Kind {
		case record.KindSet:
			ptr := wal.Pointer{Generation: gen, Offset: d.Offset(), Length: d.Size()}
			if old, ok := kd.Put(cmd.Key, ptr); ok {
				stale += old.Length
			}
		case record.KindRemove:
			if old, ok := kd.Remove(cmd.Key); ok {
				stale += old.Length
			}
			stale += d.Size()
		}
	}

	return stale, d.Offset(), d.Err()
}

func closeReader(logger log.Logger, r io.Closer, gen uint64) {
	if err := r.Close(); err != nil {
		level.Warn(logger).Log("msg", "error closing segment reader", "err", err, "segment", gen)
	}
}
