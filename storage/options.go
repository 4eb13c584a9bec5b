package storage

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"kvs/storage/wal"
)

const DefaultCompactionThreshold = 1024 * 1024

type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer

	// SegmentSize is the size at which the active segment is sealed.
	SegmentSize int64
	// CompactionThreshold is the number of stale bytes after which a write
	// triggers compaction. Zero or less disables automatic compaction.
	CompactionThreshold int64
	// Compression stores record payloads snappy-compressed.
	Compression bool
	// NoSync skips the fsync after every write.
	NoSync bool
}

type Option func(*Options)

func DefaultOptions() Options {
	return Options{
		Logger:              log.NewNopLogger(),
		SegmentSize:         wal.DefaultSegmentSize,
		CompactionThreshold: DefaultCompactionThreshold,
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithRegisterer registers the store metrics with r. The metrics are
// unregistered on Close.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = r
	}
}

func WithSegmentSize(size int64) Option {
	return func(o *Options) {
		o.SegmentSize = size
	}
}

func WithCompactionThreshold(threshold int64) Option {
	return func(o *Options) {
		o.CompactionThreshold = threshold
	}
}

func WithCompression(enabled bool) Option {
	return func(o *Options) {
		o.Compression = enabled
	}
}

func WithNoSync(noSync bool) Option {
	return func(o *Options) {
		o.NoSync = noSync
	}
}
