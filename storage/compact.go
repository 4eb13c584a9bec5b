package storage

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"kvs/storage/record"
	"kvs/storage/wal"
)

// compact rewrites every live key into a fresh segment, validates it by
// replaying it, installs it as the only segment and swaps in the refreshed
// key directory. Callers hold the write lock.
func (s *Store) compact() (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			s.metrics.compactionsFailed.Inc()
		}
	}()

	cw, err := s.wal.NewCompactionWriter()
	if err != nil {
		return err
	}
	defer func() {
		if aerr := cw.Abort(); aerr != nil {
			level.Warn(s.logger).Log("msg", "error discarding compaction segment", "err", aerr)
		}
	}()

	fresh := NewKeyDir()

	var copyErr error
	s.keyDir.Ascend(func(key string, ptr wal.Pointer) bool {
		value, err := s.read(key, ptr)
		if err != nil {
			copyErr = err
			return false
		}

		frame, err := s.encoder.Encode(record.Set(key, value))
		if err != nil {
			copyErr = err
			return false
		}

		p, err := cw.Append(frame)
		if err != nil {
			copyErr = err
			return false
		}

		fresh.Put(key, p)
		return true
	})
	if copyErr != nil {
		return copyErr
	}

	if err := cw.Finish(); err != nil {
		return err
	}

	if err := s.validateCompacted(cw, fresh); err != nil {
		return err
	}

	reclaimed := s.staleBytes

	err = cw.Commit()
	if s.wal.Active() != cw.Generation() {
		return err
	}

	// The new segment is live from here on even if removing an old one
	// failed.
	s.keyDir = fresh
	s.staleBytes = 0

	s.metrics.compactions.Inc()
	s.metrics.compactionDuration.Observe(time.Since(start).Seconds())
	s.metrics.reclaimedBytes.Add(float64(reclaimed))
	s.metrics.staleBytes.Set(0)

	level.Info(s.logger).Log(
		"msg", "compaction finished",
		"segment", cw.Generation(),
		"keys", fresh.Len(),
		"size", cw.Size(),
		"reclaimed_bytes", reclaimed,
		"duration", time.Since(start),
	)

	return err
}

func (s *Store) validateCompacted(cw *wal.CompactionWriter, want *KeyDir) error {
	r, err := cw.OpenReader()
	if err != nil {
		return err
	}
	defer closeReader(s.logger, r, cw.Generation())

	got := NewKeyDir()

	stale, end, err := replaySegment(got, cw.Generation(), r)
	if err != nil {
		return corruption(s.wal.Dir(), cw.Generation(), end, err)
	}

	if stale != 0 || got.Len() != want.Len() || end != cw.Size() {
		return errors.Errorf(
			"compacted segment %d holds %d keys in %d bytes, expected %d keys in %d bytes",
			cw.Generation(), got.Len(), end, want.Len(), cw.Size(),
		)
	}

	return nil
}
