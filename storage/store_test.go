package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"kvs/storage/record"
	"kvs/storage/wal"
)

func openTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()

	s, err := Open(dir, opts...)
	require.NoError(t, err)

	return s
}

func requireValue(t *testing.T, s *Store, key, want string) {
	t.Helper()

	value, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "key %q not found", key)
	assert.Equal(t, want, string(value))
}

func requireMissing(t *testing.T, s *Store, key string) {
	t.Helper()

	value, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "key %q unexpectedly found", key)
	assert.Nil(t, value)
}

// readLog decodes every segment in dir in order.
func readLog(t *testing.T, dir string) []record.Command {
	t.Helper()

	refs, err := wal.Segments(dir)
	require.NoError(t, err)

	var cmds []record.Command
	for _, ref := range refs {
		r, err := wal.OpenReadSegment(dir, ref.Index())
		require.NoError(t, err)

		d := record.NewDecoder(r)
		for d.Next() {
			cmds = append(cmds, d.Command())
		}
		require.NoError(t, d.Err())
		require.NoError(t, r.Close())
	}

	return cmds
}

func TestStoreOpenEmpty(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	requireMissing(t, s, "a")
	assert.Equal(t, 0, s.Len())
}

func TestStoreSetGet(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set("a", []byte("1")))
	requireValue(t, s, "a", "1")

	// Repeated reads return the same value.
	requireValue(t, s, "a", "1")
}

func TestStoreEmptyValue(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("empty", nil))

	value, ok, err := s.Get("empty")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, value)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	_, ok, err = s.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreLastWriteWins(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("a", []byte("2")))
	requireValue(t, s, "a", "2")

	cmds := readLog(t, dir)
	require.Len(t, cmds, 2)
	assert.Equal(t, record.Set("a", []byte("1")), cmds[0])
	assert.Equal(t, record.Set("a", []byte("2")), cmds[1])

	assert.Equal(t, 1, s.keyDir.Len())
	ptr, ok := s.keyDir.Get("a")
	require.True(t, ok)
	assert.Equal(t, ptr.Length, ptr.Offset, "pointer should reference the second record")
	assert.Equal(t, ptr.Length, s.Stats().StaleBytes)
}

func TestStoreRemoveMissingKey(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	before := s.Stats()

	err := s.Remove("a")
	require.ErrorIs(t, err, ErrKeyNotFound)

	assert.Equal(t, before, s.Stats())
	assert.Empty(t, readLog(t, dir))
}

func TestStoreRemove(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Remove("a"))
	requireMissing(t, s, "a")
	require.ErrorIs(t, s.Remove("a"), ErrKeyNotFound)

	cmds := readLog(t, dir)
	require.Len(t, cmds, 2)
	assert.Equal(t, record.Remove("a"), cmds[1])
	assert.Equal(t, s.Stats().ActiveSize, s.Stats().StaleBytes)
}

func TestStoreCompactAndReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("b", []byte("2")))
	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Compact())
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	requireMissing(t, s, "a")
	requireValue(t, s, "b", "2")

	assert.Equal(t, []record.Command{record.Set("b", []byte("2"))}, readLog(t, dir))
}

func TestStoreCompactPreservesValues(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, WithSegmentSize(512), WithCompactionThreshold(0))
	defer s.Close()

	want := map[string]string{}
	for round := 0; round < 5; round++ {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key-%02d", i)
			value := fmt.Sprintf("value-%d-%d", round, i)
			require.NoError(t, s.Set(key, []byte(value)))
			want[key] = value
		}
	}
	for i := 0; i < 50; i += 3 {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, s.Remove(key))
		delete(want, key)
	}

	before := s.Stats()
	require.Greater(t, before.Segments, 1)

	require.NoError(t, s.Compact())

	after := s.Stats()
	assert.Equal(t, 1, after.Segments)
	assert.Equal(t, int64(0), after.StaleBytes)
	assert.Equal(t, len(want), after.Keys)
	assert.Less(t, after.DiskSize, before.DiskSize)

	for key, value := range want {
		requireValue(t, s, key, value)
	}

	cmds := readLog(t, dir)
	require.Len(t, cmds, len(want))
	seen := map[string]bool{}
	for _, cmd := range cmds {
		assert.Equal(t, record.KindSet, cmd.Kind)
		assert.False(t, seen[cmd.Key], "key %q written twice", cmd.Key)
		seen[cmd.Key] = true
	}

	require.NoError(t, s.Set("late", []byte("write")))
	requireValue(t, s, "late", "write")
}

func TestStoreCompactEmpty(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Compact())

	assert.Equal(t, int64(0), s.Stats().ActiveSize)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	assert.Equal(t, 0, s.Len())
}

func TestStoreAutomaticCompaction(t *testing.T) {
	s := openTestStore(t, t.TempDir(), WithCompactionThreshold(256))
	defer s.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Set("counter", []byte(fmt.Sprint(i))))
	}

	stats := s.Stats()
	assert.LessOrEqual(t, stats.StaleBytes, int64(256))
	assert.Greater(t, stats.ActiveSegment, uint64(0))
	requireValue(t, s, "counter", "99")
}

func TestStoreDurability(t *testing.T) {
	dir := t.TempDir()
	rnd := rand.New(rand.NewSource(1))

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%d", faker.Word(), i)
	}

	want := map[string]string{}

	s := openTestStore(t, dir, WithSegmentSize(1024), WithCompactionThreshold(4096))
	for i := 0; i < 500; i++ {
		key := keys[rnd.Intn(len(keys))]

		if rnd.Intn(4) == 0 {
			err := s.Remove(key)
			if _, ok := want[key]; ok {
				require.NoError(t, err)
				delete(want, key)
			} else {
				require.ErrorIs(t, err, ErrKeyNotFound)
			}
			continue
		}

		value := faker.Sentence()
		require.NoError(t, s.Set(key, []byte(value)))
		want[key] = value
	}
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	assert.Equal(t, len(want), s.Len())
	for _, key := range keys {
		if value, ok := want[key]; ok {
			requireValue(t, s, key, value)
		} else {
			requireMissing(t, s, key)
		}
	}
}

func TestStoreReplayMatchesMap(t *testing.T) {
	dir := t.TempDir()
	rnd := rand.New(rand.NewSource(7))

	want := map[string][]byte{}

	s := openTestStore(t, dir, WithCompactionThreshold(0))
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("k%d", rnd.Intn(30))
		if _, ok := want[key]; ok && rnd.Intn(3) == 0 {
			require.NoError(t, s.Remove(key))
			delete(want, key)
			continue
		}

		value := []byte(faker.Word())
		require.NoError(t, s.Set(key, value))
		want[key] = value
	}
	require.NoError(t, s.Close())

	w, err := wal.NewWal(s.logger, nil, dir, wal.Options{})
	require.NoError(t, err)
	defer w.Close()

	kd := NewKeyDir()
	_, err = replay(s.logger, w, kd)
	require.NoError(t, err)

	got := map[string][]byte{}
	kd.Ascend(func(key string, ptr wal.Pointer) bool {
		frame, err := w.ReadAt(ptr)
		require.NoError(t, err)

		cmd, err := record.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, key, cmd.Key)

		got[key] = cmd.Value
		return true
	})

	assert.Equal(t, want, got)
}

func TestStoreSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, WithSegmentSize(128), WithCompactionThreshold(0))
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("key-%d", i), bytes.Repeat([]byte{'x'}, 40)))
	}
	assert.Greater(t, s.Stats().Segments, 5)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, WithSegmentSize(128))
	defer s.Close()

	for i := 0; i < 20; i++ {
		requireValue(t, s, fmt.Sprintf("key-%d", i), string(bytes.Repeat([]byte{'x'}, 40)))
	}
}

func TestStoreCompression(t *testing.T) {
	dir := t.TempDir()
	value := bytes.Repeat([]byte("compressible "), 200)

	s := openTestStore(t, dir, WithCompression(true))
	require.NoError(t, s.Set("a", value))
	assert.Less(t, s.Stats().ActiveSize, int64(len(value)))
	require.NoError(t, s.Close())

	// Compression is recorded per frame, so readers need no option.
	s = openTestStore(t, dir)
	defer s.Close()

	requireValue(t, s, "a", string(value))
}

func TestStoreTornTail(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("a", []byte("1")))
	complete := s.Stats().ActiveSize
	require.NoError(t, s.Set("b", []byte("2")))
	full := s.Stats().ActiveSize
	require.NoError(t, s.Close())

	for _, size := range []int64{full - 1, complete + record.HeaderSize - 2, complete + 1} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			require.NoError(t, os.Truncate(wal.SegmentName(dir, 0), size))

			s := openTestStore(t, dir)

			requireValue(t, s, "a", "1")
			requireMissing(t, s, "b")
			assert.Equal(t, complete, s.Stats().ActiveSize)

			fi, err := os.Stat(wal.SegmentName(dir, 0))
			require.NoError(t, err)
			assert.Equal(t, complete, fi.Size())

			require.NoError(t, s.Set("b", []byte("2")))
			require.NoError(t, s.Close())

			s = openTestStore(t, dir)
			requireValue(t, s, "b", "2")
			require.NoError(t, s.Close())
		})
	}
}

func TestStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("a", []byte("value")))
	require.NoError(t, s.Set("b", []byte("value")))
	require.NoError(t, s.Close())

	name := wal.SegmentName(dir, 0)
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, os.WriteFile(name, b, 0o666))

	_, err = Open(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerialization)

	var corrupted *CorruptionError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, uint64(0), corrupted.Generation)
	assert.Greater(t, corrupted.Offset, int64(0))

	// The failed open released the directory.
	require.NoError(t, os.WriteFile(name, b[:corrupted.Offset], 0o666))
	s = openTestStore(t, dir)
	defer s.Close()
	requireValue(t, s, "a", "value")
}

func TestStoreDamagedLengthInActiveSegment(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Set(key, []byte("v")))
	}
	ptr, ok := s.keyDir.Get("b")
	require.True(t, ok)
	require.NoError(t, s.Close())

	name := wal.SegmentName(dir, 0)
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(b[ptr.Offset+2:], 1<<20)
	require.NoError(t, os.WriteFile(name, b, 0o666))

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrSerialization)
	assert.NotErrorIs(t, err, io.ErrUnexpectedEOF)

	var corrupted *CorruptionError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, ptr.Offset, corrupted.Offset)

	// Nothing was cut off the segment.
	fi, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), fi.Size())
}

func TestStoreTornSealedSegment(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, WithSegmentSize(32))
	require.NoError(t, s.Set("a", bytes.Repeat([]byte{'a'}, 32)))
	require.NoError(t, s.Set("b", bytes.Repeat([]byte{'b'}, 32)))
	require.NoError(t, s.Close())

	name := wal.SegmentName(dir, 0)
	fi, err := os.Stat(name)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(name, fi.Size()-1))

	_, err = Open(dir, WithSegmentSize(32))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestStoreUnexpectedCommandType(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Close())

	payload, err := msgpack.Marshal(map[string]any{"t": 9, "k": "a"})
	require.NoError(t, err)

	table := crc32.MakeTable(crc32.Castagnoli)

	frame := make([]byte, record.HeaderSize+len(payload))
	frame[0] = record.Version
	binary.BigEndian.PutUint32(frame[2:], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[6:], crc32.Checksum(payload, table))
	binary.BigEndian.PutUint32(frame[10:], crc32.Checksum(frame[:10], table))
	copy(frame[record.HeaderSize:], payload)

	f, err := os.OpenFile(wal.SegmentName(dir, 0), os.O_WRONLY|os.O_APPEND, 0o666)
	require.NoError(t, err)
	_, err = f.Write(frame)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrUnexpectedCommandType)
}

func TestStoreCompactionCrashRecovery(t *testing.T) {
	populate := func(t *testing.T, dir string) *Store {
		s := openTestStore(t, dir, WithCompactionThreshold(0))
		require.NoError(t, s.Set("a", []byte("1")))
		require.NoError(t, s.Set("b", []byte("2")))
		require.NoError(t, s.Set("a", []byte("3")))
		require.NoError(t, s.Set("c", []byte("4")))
		require.NoError(t, s.Remove("c"))
		return s
	}

	check := func(t *testing.T, dir string) *Store {
		s := openTestStore(t, dir)
		requireValue(t, s, "a", "3")
		requireValue(t, s, "b", "2")
		requireMissing(t, s, "c")
		return s
	}

	t.Run("temporary segment left behind", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, populate(t, dir).Close())

		tmp := wal.SegmentName(dir, 1) + wal.TempExt
		require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o666))

		s := check(t, dir)
		defer s.Close()

		assert.NoFileExists(t, tmp)
		assert.Equal(t, uint64(0), s.Stats().ActiveSegment)
	})

	t.Run("segment installed without marker", func(t *testing.T) {
		dir := t.TempDir()
		s := populate(t, dir)

		var snapshot []byte
		s.keyDir.Ascend(func(key string, ptr wal.Pointer) bool {
			value, err := s.read(key, ptr)
			require.NoError(t, err)
			frame, err := record.Encode(record.Set(key, value))
			require.NoError(t, err)
			snapshot = append(snapshot, frame...)
			return true
		})
		require.NoError(t, s.Close())
		require.NoError(t, os.WriteFile(wal.SegmentName(dir, 1), snapshot, 0o666))

		s = check(t, dir)
		defer s.Close()

		stats := s.Stats()
		assert.Equal(t, 2, stats.Segments)
		assert.Equal(t, uint64(1), stats.ActiveSegment)
		assert.NoFileExists(t, filepath.Join(dir, wal.MarkerName))
	})

	t.Run("old segments left after marker", func(t *testing.T) {
		dir := t.TempDir()
		s := populate(t, dir)

		old, err := os.ReadFile(wal.SegmentName(dir, 0))
		require.NoError(t, err)

		require.NoError(t, s.Compact())
		require.NoError(t, s.Close())
		require.NoError(t, os.WriteFile(wal.SegmentName(dir, 0), old, 0o666))

		s = check(t, dir)
		defer s.Close()

		assert.NoFileExists(t, wal.SegmentName(dir, 0))
		assert.Equal(t, 1, s.Stats().Segments)
	})
}

func TestStoreLock(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)

	_, err := Open(dir)
	require.Error(t, err)

	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	require.NoError(t, s.Close())
}

func TestStoreClosed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("a", nil), ErrClosed)
	assert.ErrorIs(t, s.Remove("a"), ErrClosed)
	assert.ErrorIs(t, s.Compact(), ErrClosed)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestStoreMissingSegment(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, WithSegmentSize(32))
	defer s.Close()

	require.NoError(t, s.Set("a", bytes.Repeat([]byte{'a'}, 32)))
	require.NoError(t, s.Set("b", bytes.Repeat([]byte{'b'}, 32)))
	require.NoError(t, os.Remove(wal.SegmentName(dir, 0)))

	_, _, err := s.Get("a")

	var notFound *FileNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, wal.SegmentName(dir, 0), notFound.Name)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := openTestStore(t, t.TempDir(), WithNoSync(true), WithCompactionThreshold(1024))
	defer s.Close()

	const (
		writers = 4
		writes  = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				key := fmt.Sprintf("w%d-%d", w, i%10)
				assert.NoError(t, s.Set(key, []byte(fmt.Sprint(i))))
				_, ok, err := s.Get(key)
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*10, s.Len())
	for w := 0; w < writers; w++ {
		for i := 90; i < writes; i++ {
			requireValue(t, s, fmt.Sprintf("w%d-%d", w, i%10), fmt.Sprint(i))
		}
	}
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	s := openTestStore(t, t.TempDir(), WithRegisterer(reg), WithCompactionThreshold(0))

	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("a", []byte("2")))
	_, _, err := s.Get("a")
	require.NoError(t, err)
	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Compact())

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("remove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.compactions))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.keys))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.staleBytes))

	count, err := testutil.GatherAndCount(reg, "kvs_store_compactions_total", "kvs_wal_appends_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.Close())

	// Closing unregisters everything, so the registry can serve a new store.
	count, err = testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	s = openTestStore(t, t.TempDir(), WithRegisterer(reg))
	require.NoError(t, s.Close())
}

func TestStoreSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := openTestStore(t, t.TempDir(), WithRegisterer(reg))
	defer first.Close()

	dir := t.TempDir()

	_, err := Open(dir, WithRegisterer(reg))
	require.Error(t, err)

	// The failed open neither locked dir nor disturbed the first store.
	s := openTestStore(t, dir)
	require.NoError(t, s.Close())

	require.NoError(t, first.Set("a", []byte("1")))
	requireValue(t, first, "a", "1")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.metrics.operations.WithLabelValues("set")))

	count, err := testutil.GatherAndCount(reg, "kvs_store_keys", "kvs_wal_segments")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
