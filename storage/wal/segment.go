package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/prometheus/tsdb/fileutil"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const (
	SegmentExt = ".log"
	TempExt    = ".tmp"
)

// removeFile is swapped out by tests to simulate failing deletes.
var removeFile = os.Remove

// Segment is an open segment file positioned at its tail.
type Segment struct {
	wlog.SegmentFile
	dir  string
	i    uint64
	size int64
}

type SegmentRef struct {
	name  string
	index uint64
}

func (r SegmentRef) Name() string {
	return r.name
}

func (r SegmentRef) Index() uint64 {
	return r.index
}

func (s *Segment) Index() uint64 {
	return s.i
}

func (s *Segment) Size() int64 {
	return s.size
}

func (s *Segment) Name() string {
	return SegmentName(s.dir, s.i)
}

func SegmentName(dir string, i uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", i, SegmentExt))
}

// CreateSegment opens segment i for appending, creating it if needed.
func CreateSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir, i), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, ioError("create segment", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat segment", err)
	}

	return &Segment{
		SegmentFile: f,
		dir:         dir,
		i:           i,
		size:        stat.Size(),
	}, nil
}

// Segments lists the segment files in dir ordered by index. Files that do
// not look like segments are ignored.
func Segments(dir string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("list segments", err)
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		fileName := file.Name()

		if file.IsDir() || filepath.Ext(fileName) != SegmentExt {
			continue
		}

		i, err := strconv.ParseUint(FileNameWithoutExtension(fileName), 10, 64)
		if err != nil {
			continue
		}

		refs = append(refs, SegmentRef{name: fileName, index: i})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].index < refs[j].index
	})

	return refs, nil
}

func FileNameWithoutExtension(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	if err := fileutil.Fdatasync(d); err != nil {
		d.Close()
		return err
	}

	return d.Close()
}
