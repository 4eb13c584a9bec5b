package storage

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"kvs/storage/record"
	"kvs/storage/wal"
)

// Store is a persistent key-value store backed by an append-only log.
//
// Every Set and Remove is appended to the active segment before the
// in-memory key directory changes, so a successful call is durable. Get
// reads the single record the key directory points at. Store is safe for
// concurrent use; Get calls run in parallel, writes are serialised.
type Store struct {
	logger  log.Logger
	opts    Options
	metrics *StoreMetrics
	encoder *record.Encoder
	pool    *BytesPool

	mu         sync.RWMutex
	wal        *wal.Wal
	keyDir     *KeyDir
	staleBytes int64
	closed     bool
}

type Stats struct {
	Keys          int
	Segments      int
	ActiveSegment uint64
	ActiveSize    int64
	StaleBytes    int64
	DiskSize      int64
}

// Open opens the store in dir, creating it if necessary, and rebuilds the
// key directory from the log.
func Open(dir string, opts ...Option) (*Store, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}

	logger := log.With(o.Logger, "component", "store")

	// Metrics are registered before the directory is locked, so a
	// registration conflict leaves nothing to clean up.
	metrics, err := NewStoreMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}

	w, err := wal.NewWal(logger, o.Registerer, dir, wal.Options{
		SegmentSize: o.SegmentSize,
		NoSync:      o.NoSync,
	})
	if err != nil {
		metrics.unregister()
		return nil, errors.Wrapf(err, "open log in %s", dir)
	}

	kd := NewKeyDir()

	stale, err := replay(logger, w, kd)
	if err != nil {
		metrics.unregister()
		if cerr := w.Close(); cerr != nil {
			level.Warn(logger).Log("msg", "error closing log after failed replay", "err", cerr)
		}
		return nil, errors.Wrapf(err, "replay log in %s", dir)
	}

	s := &Store{
		logger:     logger,
		opts:       o,
		metrics:    metrics,
		encoder:    record.NewEncoder(o.Compression),
		pool:       NewBytesPool(),
		wal:        w,
		keyDir:     kd,
		staleBytes: stale,
	}

	s.metrics.keys.Set(float64(kd.Len()))
	s.metrics.staleBytes.Set(float64(stale))

	level.Info(logger).Log(
		"msg", "store opened",
		"dir", dir,
		"keys", kd.Len(),
		"segments", len(w.Generations()),
		"stale_bytes", stale,
	)

	return s, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	frame, err := s.encoder.Encode(record.Set(key, value))
	if err != nil {
		return err
	}

	ptr, err := s.wal.Append(frame)
	if err != nil {
		return err
	}

	if old, ok := s.keyDir.Put(key, ptr); ok {
		s.staleBytes += old.Length
	}

	s.metrics.operations.WithLabelValues("set").Inc()
	s.afterWrite()

	return nil
}

// Get returns the value stored under key. A missing key is reported with
// ok set to false and a nil error.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	s.metrics.operations.WithLabelValues("get").Inc()

	ptr, ok := s.keyDir.Get(key)
	if !ok {
		return nil, false, nil
	}

	value, err = s.read(key, ptr)
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// Remove deletes key. It returns ErrKeyNotFound, without touching the log,
// if key is not live.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, ok := s.keyDir.Get(key); !ok {
		return ErrKeyNotFound
	}

	frame, err := s.encoder.Encode(record.Remove(key))
	if err != nil {
		return err
	}

	ptr, err := s.wal.Append(frame)
	if err != nil {
		return err
	}

	old, _ := s.keyDir.Remove(key)
	s.staleBytes += old.Length + ptr.Length

	s.metrics.operations.WithLabelValues("remove").Inc()
	s.afterWrite()

	return nil
}

// Compact rewrites the live keys into a single new segment and deletes all
// older segments.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.metrics.operations.WithLabelValues("compact").Inc()

	return s.compact()
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.keyDir.Len()
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}
	}

	diskSize, err := s.wal.Size()
	if err != nil {
		level.Warn(s.logger).Log("msg", "error measuring store directory", "err", err)
	}

	return Stats{
		Keys:          s.keyDir.Len(),
		Segments:      len(s.wal.Generations()),
		ActiveSegment: s.wal.Active(),
		ActiveSize:    s.wal.ActiveSize(),
		StaleBytes:    s.staleBytes,
		DiskSize:      diskSize,
	}
}

// Close flushes and closes every segment and releases the directory. It is
// safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.metrics.unregister()

	if err := s.wal.Close(); err != nil {
		return errors.Wrap(err, "close log")
	}

	level.Info(s.logger).Log("msg", "store closed")

	return nil
}

// read decodes the record at ptr and returns its value.
func (s *Store) read(key string, ptr wal.Pointer) ([]byte, error) {
	buf := s.pool.GetBytes(int(ptr.Length))
	defer s.pool.PutBytes(buf)

	if err := s.wal.ReadInto(ptr, *buf); err != nil {
		return nil, err
	}

	cmd, err := record.Decode(*buf)
	if err != nil {
		var se *SerializationError
		if errors.As(err, &se) {
			se.Offset = ptr.Offset
		}
		return nil, err
	}

	if cmd.Kind != record.KindSet {
		return nil, errors.Wrapf(ErrUnexpectedCommandType, "record of key %q in segment %d at %d is a %s", key, ptr.Generation, ptr.Offset, cmd.Kind)
	}
	if cmd.Key != key {
		return nil, &SerializationError{
			Offset: ptr.Offset,
			Err:    errors.Errorf("record in segment %d holds key %q, expected %q", ptr.Generation, cmd.Key, key),
		}
	}

	return append([]byte(nil), cmd.Value...), nil
}

func (s *Store) afterWrite() {
	s.metrics.keys.Set(float64(s.keyDir.Len()))
	s.metrics.staleBytes.Set(float64(s.staleBytes))

	if s.opts.CompactionThreshold <= 0 || s.staleBytes <= s.opts.CompactionThreshold {
		return
	}

	// The write itself is durable; a failed compaction leaves the old
	// segments in place and is retried on the next write.
	if err := s.compact(); err != nil {
		level.Error(s.logger).Log("msg", "automatic compaction failed", "err", err)
	}
}
