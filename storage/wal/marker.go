package wal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

// MarkerName holds the index of the segment written by the last completed
// compaction. Every segment below it is stale.
const MarkerName = "COMPACTED"

func readMarker(dir string) (uint64, bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, ioError("read compaction marker", err)
	}

	i, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid compaction marker %q", b)
	}

	return i, true, nil
}

func writeMarker(dir string, i uint64) error {
	tmp := filepath.Join(dir, MarkerName+TempExt)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return ioError("create compaction marker", err)
	}

	if _, err := f.WriteString(strconv.FormatUint(i, 10) + "\n"); err != nil {
		f.Close()
		return ioError("write compaction marker", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioError("sync compaction marker", err)
	}
	if err := f.Close(); err != nil {
		return ioError("close compaction marker", err)
	}

	return ioError("install compaction marker", fileutil.Rename(tmp, filepath.Join(dir, MarkerName)))
}
