package config

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"kvs/storage"
	"kvs/storage/wal"
)

type Config struct {
	Dir     string        `yaml:"dir"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error or none.
	Level string `yaml:"level"`
	// Format is logfmt or json.
	Format string `yaml:"format"`
}

type StorageConfig struct {
	SegmentSize         int64 `yaml:"segment_size"`
	CompactionThreshold int64 `yaml:"compaction_threshold"`
	Compression         bool  `yaml:"compression"`
	NoSync              bool  `yaml:"no_sync"`
}

func Default() Config {
	return Config{
		Dir: ".",
		Log: LogConfig{
			Level:  "warn",
			Format: "logfmt",
		},
		Storage: StorageConfig{
			SegmentSize:         wal.DefaultSegmentSize,
			CompactionThreshold: storage.DefaultCompactionThreshold,
		},
	}
}

// Load reads a YAML config file on top of Default. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir must not be empty")
	}
	if c.Storage.SegmentSize <= 0 {
		return errors.Errorf("segment_size must be positive, got %d", c.Storage.SegmentSize)
	}
	if _, err := levelOption(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "logfmt" && c.Log.Format != "json" {
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}

// Logger builds a leveled logger writing to w.
func (c Config) Logger(w io.Writer) (log.Logger, error) {
	allow, err := levelOption(c.Log.Level)
	if err != nil {
		return nil, err
	}

	w = log.NewSyncWriter(w)

	var logger log.Logger
	if c.Log.Format == "json" {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}

	logger = level.NewFilter(logger, allow)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	return logger, nil
}

func levelOption(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn", "":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	case "none":
		return level.AllowNone(), nil
	}

	return nil, errors.Errorf("unknown log level %q", name)
}

// Options converts the storage section into store options.
func (c Config) Options(logger log.Logger, registerer prometheus.Registerer) []storage.Option {
	return []storage.Option{
		storage.WithLogger(logger),
		storage.WithRegisterer(registerer),
		storage.WithSegmentSize(c.Storage.SegmentSize),
		storage.WithCompactionThreshold(c.Storage.CompactionThreshold),
		storage.WithCompression(c.Storage.Compression),
		storage.WithNoSync(c.Storage.NoSync),
	}
}
