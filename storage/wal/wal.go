package wal

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

const (
	DefaultSegmentSize = 64 * 1024 * 1024
	LockName           = "LOCK"
)

// Pointer locates one encoded record inside a segment.
type Pointer struct {
	Generation uint64
	Offset     int64
	Length     int64
}

type Options struct {
	// SegmentSize is the size after which the active segment is sealed and a
	// new one started. Zero means DefaultSegmentSize.
	SegmentSize int64
	// NoSync skips the fsync after every append.
	NoSync bool
}

// Wal owns the segment files of one directory. The highest segment is the
// only one written to.
//
// Wal does not serialise writers; callers hold their own lock around
// mutating calls. ReadAt may run concurrently with other ReadAt calls.
type Wal struct {
	logger  log.Logger
	dir     string
	opts    Options
	metrics *WalMetrics
	lock    fileutil.Releaser

	segment     *Segment
	generations []uint64

	readersMu sync.Mutex
	readers   map[uint64]*os.File

	closed bool
	broken error
}

type WalMetrics struct {
	registerer    prometheus.Registerer
	appends       prometheus.Counter
	appendedBytes prometheus.Counter
	writesFailed  prometheus.Counter
	fsyncDuration prometheus.Summary
	rotations     prometheus.Counter
	segments      prometheus.Gauge
}

// NewWal opens the log in dir, creating the directory and the first segment
// if needed. It removes leftovers of unfinished compactions and segments
// made stale by a finished one.
func NewWal(logger log.Logger, registerer prometheus.Registerer, dir string, opts Options) (*Wal, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}

	metrics, err := NewWalMetrics(registerer)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		metrics.unregister()
		return nil, ioError("create directory", err)
	}

	lock, _, err := fileutil.Flock(filepath.Join(dir, LockName))
	if err != nil {
		metrics.unregister()
		return nil, ioError("lock directory", errors.Wrap(err, "directory already in use"))
	}

	w := &Wal{
		logger:  logger,
		dir:     dir,
		opts:    opts,
		metrics: metrics,
		lock:    lock,
		readers: make(map[uint64]*os.File),
	}

	if err := w.open(); err != nil {
		if w.segment != nil {
			w.segment.Close()
		}
		metrics.unregister()
		w.releaseLock()
		return nil, err
	}

	w.metrics.segments.Set(float64(len(w.generations)))

	return w, nil
}

func (w *Wal) open() error {
	if err := removeTemporary(w.logger, w.dir); err != nil {
		return err
	}

	refs, err := Segments(w.dir)
	if err != nil {
		return err
	}

	marker, ok, err := readMarker(w.dir)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if ok && ref.index < marker {
			level.Info(w.logger).Log("msg", "removing segment superseded by compaction", "segment", ref.index, "compacted", marker)
			if err := removeFile(filepath.Join(w.dir, ref.name)); err != nil {
				return ioError("remove stale segment", err)
			}
			continue
		}
		w.generations = append(w.generations, ref.index)
	}

	if ok && (len(w.generations) == 0 || w.generations[0] != marker) {
		return &FileNotFoundError{Name: SegmentName(w.dir, marker)}
	}

	var active uint64
	if len(w.generations) > 0 {
		active = w.generations[len(w.generations)-1]
	} else {
		w.generations = append(w.generations, active)
	}

	segment, err := CreateSegment(w.dir, active)
	if err != nil {
		return err
	}
	w.segment = segment

	return ioError("sync directory", syncDir(w.dir))
}

func removeTemporary(logger log.Logger, dir string) error {
	tmps, err := filepath.Glob(filepath.Join(dir, "*"+TempExt))
	if err != nil {
		return errors.Wrap(err, "find temporary files")
	}

	for _, tmp := range tmps {
		level.Info(logger).Log("msg", "removing leftover temporary file", "file", tmp)
		if err := removeFile(tmp); err != nil {
			return ioError("remove temporary file", err)
		}
	}

	return nil
}

// NewWalMetrics builds the log metrics and registers them with registerer,
// if set. Nothing stays registered when an error is returned.
func NewWalMetrics(registerer prometheus.Registerer) (*WalMetrics, error) {
	m := &WalMetrics{}

	m.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of records appended to the active segment.",
	})

	m.appendedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appended_bytes_total",
		Help: "Total number of bytes appended to the active segment.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of appends that failed.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rotations_total",
		Help: "Total number of times the active segment was sealed.",
	})

	m.segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segments",
		Help: "Number of segment files.",
	})

	if registerer == nil {
		return m, nil
	}

	r := prometheus.WrapRegistererWithPrefix("kvs_wal_", registerer)
	for i, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			for _, registered := range m.collectors()[:i] {
				r.Unregister(registered)
			}
			return nil, errors.Wrap(err, "register wal metrics")
		}
	}
	m.registerer = r

	return m, nil
}

func (m *WalMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.appends, m.appendedBytes, m.writesFailed, m.fsyncDuration, m.rotations, m.segments}
}

func (m *WalMetrics) unregister() {
	if m.registerer == nil {
		return
	}

	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}

func (w *Wal) writable() error {
	if w.closed {
		return ErrClosed
	}

	return w.broken
}

func (w *Wal) Dir() string {
	return w.dir
}

// Generations returns the segment indexes in ascending order. The last one
// is the active segment.
func (w *Wal) Generations() []uint64 {
	return append([]uint64(nil), w.generations...)
}

func (w *Wal) Active() uint64 {
	return w.segment.i
}

func (w *Wal) ActiveSize() int64 {
	return w.segment.size
}

// OpenReader opens segment i for sequential reading.
func (w *Wal) OpenReader(i uint64) (io.ReadCloser, error) {
	if w.closed {
		return nil, ErrClosed
	}

	return OpenReadSegment(w.dir, i)
}

// Append writes data at the tail of the active segment and returns where it
// landed. Unless NoSync is set the data is on stable storage when Append
// returns. A full active segment is sealed first.
func (w *Wal) Append(data []byte) (Pointer, error) {
	if err := w.writable(); err != nil {
		return Pointer{}, err
	}

	if w.segment.size > 0 && w.segment.size+int64(len(data)) > w.opts.SegmentSize {
		if _, err := w.Rotate(); err != nil {
			w.metrics.writesFailed.Inc()
			return Pointer{}, err
		}
	}

	ptr, err := w.append(data)
	if err != nil {
		w.metrics.writesFailed.Inc()
		return Pointer{}, err
	}

	w.metrics.appends.Inc()
	w.metrics.appendedBytes.Add(float64(len(data)))

	return ptr, nil
}

func (w *Wal) append(data []byte) (Pointer, error) {
	s := w.segment
	offset := s.size

	n, err := s.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err == nil && !w.opts.NoSync {
		err = w.fsync(s)
	}

	if err != nil {
		if n > 0 {
			if terr := os.Truncate(s.Name(), offset); terr != nil {
				level.Error(w.logger).Log("msg", "error truncating failed append", "err", terr, "segment", s.i)
			}
		}
		return Pointer{}, ioError("append", err)
	}

	s.size += int64(n)

	return Pointer{Generation: s.i, Offset: offset, Length: int64(n)}, nil
}

func (w *Wal) fsync(s *Segment) error {
	now := time.Now()
	err := s.Sync()

	w.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

// ReadAt returns the bytes ptr refers to.
func (w *Wal) ReadAt(ptr Pointer) ([]byte, error) {
	buf := make([]byte, ptr.Length)
	if err := w.ReadInto(ptr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadInto fills buf, which must be ptr.Length bytes long, with the bytes ptr
// refers to.
func (w *Wal) ReadInto(ptr Pointer, buf []byte) error {
	if int64(len(buf)) != ptr.Length {
		return errors.Errorf("buffer of %d bytes for record of %d bytes", len(buf), ptr.Length)
	}

	f, err := w.reader(ptr.Generation)
	if err != nil {
		return err
	}

	if _, err := f.ReadAt(buf, ptr.Offset); err != nil {
		return ioError("read record", err)
	}

	return nil
}

func (w *Wal) reader(i uint64) (*os.File, error) {
	w.readersMu.Lock()
	defer w.readersMu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	if f, ok := w.readers[i]; ok {
		return f, nil
	}

	name := SegmentName(w.dir, i)
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &FileNotFoundError{Name: name}
		}
		return nil, ioError("open segment", err)
	}

	w.readers[i] = f

	return f, nil
}

func (w *Wal) dropReader(i uint64) {
	w.readersMu.Lock()
	defer w.readersMu.Unlock()

	if f, ok := w.readers[i]; ok {
		if err := f.Close(); err != nil {
			level.Warn(w.logger).Log("msg", "error closing segment reader", "err", err, "segment", i)
		}
		delete(w.readers, i)
	}
}

// TruncateActive cuts the active segment down to size bytes. It is used to
// drop a partially written record found during recovery.
func (w *Wal) TruncateActive(size int64) error {
	if err := w.writable(); err != nil {
		return err
	}

	s := w.segment
	if size > s.size {
		return errors.Errorf("cannot truncate segment %d of %d bytes to %d bytes", s.i, s.size, size)
	}

	if err := os.Truncate(s.Name(), size); err != nil {
		return ioError("truncate segment", err)
	}
	if err := w.fsync(s); err != nil {
		return ioError("sync segment", err)
	}

	s.size = size

	return nil
}

// Rotate seals the active segment and starts the next one.
func (w *Wal) Rotate() (uint64, error) {
	if err := w.writable(); err != nil {
		return 0, err
	}

	next, err := CreateSegment(w.dir, w.segment.i+1)
	if err != nil {
		return 0, err
	}

	if err := syncDir(w.dir); err != nil {
		next.Close()
		return 0, ioError("sync directory", err)
	}

	w.setSegment(next)
	w.generations = append(w.generations, next.i)
	w.metrics.rotations.Inc()
	w.metrics.segments.Set(float64(len(w.generations)))

	level.Debug(w.logger).Log("msg", "started new segment", "segment", next.i)

	return next.i, nil
}

func (w *Wal) setSegment(next *Segment) {
	prev := w.segment
	w.segment = next

	if prev == nil {
		return
	}

	if err := w.fsync(prev); err != nil {
		level.Error(w.logger).Log("msg", "error syncing previous segment", "err", err, "segment", prev.i)
	}
	if err := prev.Close(); err != nil {
		level.Error(w.logger).Log("msg", "error closing previous segment", "err", err, "segment", prev.i)
	}
}

// Delete removes a sealed segment.
func (w *Wal) Delete(i uint64) error {
	if err := w.writable(); err != nil {
		return err
	}
	if i == w.segment.i {
		return ErrActiveSegment
	}

	pos := sort.Search(len(w.generations), func(j int) bool { return w.generations[j] >= i })
	if pos == len(w.generations) || w.generations[pos] != i {
		return &FileNotFoundError{Name: SegmentName(w.dir, i)}
	}

	w.dropReader(i)

	if err := removeFile(SegmentName(w.dir, i)); err != nil {
		return ioError("remove segment", err)
	}

	w.generations = append(w.generations[:pos], w.generations[pos+1:]...)
	w.metrics.segments.Set(float64(len(w.generations)))

	return nil
}

// Size returns the number of bytes used by the directory.
func (w *Wal) Size() (int64, error) {
	size, err := fileutil.DirSize(w.dir)
	if err != nil {
		return 0, ioError("directory size", err)
	}

	return size, nil
}

// Close syncs and closes the active segment, closes every reader and
// releases the directory lock.
func (w *Wal) Close() error {
	if w.closed {
		return ErrAlreadyClosed
	}

	var firstErr error

	if err := w.fsync(w.segment); err != nil {
		firstErr = ioError("sync segment", err)
	}
	if err := w.segment.Close(); err != nil && firstErr == nil {
		firstErr = ioError("close segment", err)
	}

	w.readersMu.Lock()
	for i, f := range w.readers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = ioError("close segment reader", err)
		}
		delete(w.readers, i)
	}
	w.closed = true
	w.readersMu.Unlock()

	w.metrics.unregister()
	w.releaseLock()

	return firstErr
}

func (w *Wal) releaseLock() {
	if err := w.lock.Release(); err != nil {
		level.Warn(w.logger).Log("msg", "error releasing directory lock", "err", err)
	}
}
