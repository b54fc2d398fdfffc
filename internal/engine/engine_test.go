package engine_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/emberdb/emberdb/internal/config"
	"github.com/emberdb/emberdb/internal/document"
	"github.com/emberdb/emberdb/internal/engine"
	"github.com/emberdb/emberdb/internal/fieldvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, dir string) *engine.Engine {
	t.Helper()
	e, err := engine.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func doc(fields map[string]document.Value) document.Value {
	return document.Map(fields)
}

func TestPutGetDelete(t *testing.T) {
	e := openEngine(t, t.TempDir())

	require.NoError(t, e.Put("users/alice", doc(map[string]document.Value{
		"name": document.String("Alice"),
		"age":  document.Int(30),
	})))

	got, found, err := e.Get("users/alice")
	require.NoError(t, err)
	require.True(t, found)
	name, _ := got.Field("name")
	assert.Equal(t, "Alice", name.AsString())

	require.NoError(t, e.Delete("users/alice"))
	_, found, err = e.Get("users/alice")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent document is fine.
	require.NoError(t, e.Delete("users/nobody"))
}

func TestGetMissing(t *testing.T) {
	e := openEngine(t, t.TempDir())
	_, found, err := e.Get("users/ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutReplacesWholeDocument(t *testing.T) {
	e := openEngine(t, t.TempDir())

	require.NoError(t, e.Put("cfg/main", doc(map[string]document.Value{
		"a": document.Int(1),
		"b": document.Int(2),
	})))
	require.NoError(t, e.Put("cfg/main", doc(map[string]document.Value{
		"a": document.Int(10),
	})))

	got, _, err := e.Get("cfg/main")
	require.NoError(t, err)
	_, hasB := got.Field("b")
	assert.False(t, hasB, "set semantics drop fields absent from the new document")
}

func TestUpdateMergesFields(t *testing.T) {
	e := openEngine(t, t.TempDir())

	require.NoError(t, e.Put("cfg/main", doc(map[string]document.Value{
		"a": document.Int(1),
		"b": document.Int(2),
	})))
	require.NoError(t, e.Update("cfg/main", doc(map[string]document.Value{
		"a": document.Int(10),
	})))

	got, _, err := e.Get("cfg/main")
	require.NoError(t, err)
	a, _ := got.Field("a")
	b, _ := got.Field("b")
	assert.Equal(t, int64(10), a.AsInt())
	assert.Equal(t, int64(2), b.AsInt())
}

func TestFieldTransforms(t *testing.T) {
	e := openEngine(t, t.TempDir())

	require.NoError(t, e.Put("stats/site", doc(map[string]document.Value{
		"visits": document.Int(5),
		"tags":   document.Array(document.String("a")),
	})))
	require.NoError(t, e.Update("stats/site", doc(map[string]document.Value{
		"visits":  fieldvalue.Increment(document.Int(3)),
		"tags":    fieldvalue.ArrayUnion(document.String("a"), document.String("b")),
		"updated": fieldvalue.ServerTimestamp(),
	})))

	got, _, err := e.Get("stats/site")
	require.NoError(t, err)
	visits, _ := got.Field("visits")
	assert.Equal(t, int64(8), visits.AsInt())
	tags, _ := got.Field("tags")
	assert.Equal(t, 2, tags.Len())
	updated, _ := got.Field("updated")
	assert.Equal(t, document.KindInt, updated.Kind())
	assert.Positive(t, updated.AsInt())
}

func TestInvalidPaths(t *testing.T) {
	e := openEngine(t, t.TempDir())
	body := doc(map[string]document.Value{"x": document.Int(1)})

	for _, path := range []string{
		"",
		"/users/alice",
		"users/alice/",
		"users//alice",
		"users/al ice",
		"users/al.ice",
	} {
		assert.ErrorIs(t, e.Put(path, body), engine.ErrInvalidArgument, "path %q", path)
		_, _, err := e.Get(path)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument, "path %q", path)
	}
}

func TestRecoveryFromLog(t *testing.T) {
	dir := t.TempDir()

	e, err := engine.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, e.Put("users/alice", doc(map[string]document.Value{"n": document.Int(1)})))
	require.NoError(t, e.Put("users/bob", doc(map[string]document.Value{"n": document.Int(2)})))
	require.NoError(t, e.Delete("users/bob"))

	// Abandon the handle without closing it, as a crash would. Nothing was
	// flushed, so the state lives only in the write-ahead log.
	files, err := os.ReadDir(filepath.Join(dir, "sst"))
	require.NoError(t, err)
	require.Empty(t, files)

	e2 := openEngine(t, dir)
	got, found, err := e2.Get("users/alice")
	require.NoError(t, err)
	require.True(t, found)
	n, _ := got.Field("n")
	assert.Equal(t, int64(1), n.AsInt())

	_, found, err = e2.Get("users/bob")
	require.NoError(t, err)
	assert.False(t, found, "the tombstone survived the restart")

	// Replay must reseed the sequence counter past the replayed entries,
	// or this overwrite would lose to the recovered value.
	require.NoError(t, e2.Put("users/alice", doc(map[string]document.Value{"n": document.Int(10)})))
	got, _, err = e2.Get("users/alice")
	require.NoError(t, err)
	n, _ = got.Field("n")
	assert.Equal(t, int64(10), n.AsInt())
}

func TestDeleteShadowsFlushedValueAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	e := openEngine(t, dir)
	require.NoError(t, e.Put("users/alice", doc(map[string]document.Value{"n": document.Int(1)})))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete("users/alice"))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2 := openEngine(t, dir)
	_, found, err := e2.Get("users/alice")
	require.NoError(t, err)
	assert.False(t, found, "tombstone in the newer table must shadow the older value")
}

func TestFlushKeepsDataReadable(t *testing.T) {
	e := openEngine(t, t.TempDir())

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put(fmt.Sprintf("docs/d%02d", i),
			doc(map[string]document.Value{"i": document.Int(int64(i))})))
	}
	require.NoError(t, e.Flush())
	for i := 0; i < 50; i++ {
		got, found, err := e.Get(fmt.Sprintf("docs/d%02d", i))
		require.NoError(t, err)
		require.True(t, found)
		v, _ := got.Field("i")
		assert.Equal(t, int64(i), v.AsInt())
	}

	// A flush with an empty memtable is a no-op, not an error.
	require.NoError(t, e.Flush())
}

func TestBatchAtomicVisibility(t *testing.T) {
	e := openEngine(t, t.TempDir())

	b := e.NewBatch()
	b.Set("accounts/a", doc(map[string]document.Value{"bal": document.Int(50)}))
	b.Set("accounts/b", doc(map[string]document.Value{"bal": document.Int(150)}))
	b.Delete("accounts/old")
	require.NoError(t, b.Commit())

	got, found, err := e.Get("accounts/a")
	require.NoError(t, err)
	require.True(t, found)
	bal, _ := got.Field("bal")
	assert.Equal(t, int64(50), bal.AsInt())
}

func TestBatchSingleUse(t *testing.T) {
	e := openEngine(t, t.TempDir())

	b := e.NewBatch()
	b.Set("x/y", doc(map[string]document.Value{"v": document.Int(1)}))
	require.NoError(t, b.Commit())
	assert.ErrorIs(t, b.Commit(), engine.ErrBatchCommitted)

	// An empty batch commits trivially, once.
	empty := e.NewBatch()
	require.NoError(t, empty.Commit())
	assert.ErrorIs(t, empty.Commit(), engine.ErrBatchCommitted)
}

func TestBatchReadsItsOwnWrites(t *testing.T) {
	e := openEngine(t, t.TempDir())

	b := e.NewBatch()
	b.Set("counters/c", doc(map[string]document.Value{"n": document.Int(1)}))
	b.Update("counters/c", doc(map[string]document.Value{"n": fieldvalue.Increment(document.Int(4))}))
	require.NoError(t, b.Commit())

	got, _, err := e.Get("counters/c")
	require.NoError(t, err)
	n, _ := got.Field("n")
	assert.Equal(t, int64(5), n.AsInt(), "the increment sees the set staged before it")
}

func TestBatchRejectedBeforeAnyWrite(t *testing.T) {
	e := openEngine(t, t.TempDir())

	b := e.NewBatch()
	b.Set("good/doc", doc(map[string]document.Value{"v": document.Int(1)}))
	b.Set("bad path!", doc(map[string]document.Value{"v": document.Int(2)}))
	assert.ErrorIs(t, b.Commit(), engine.ErrInvalidArgument)

	_, found, err := e.Get("good/doc")
	require.NoError(t, err)
	assert.False(t, found, "a rejected batch must leave no partial state")
}

func TestConcurrentBatches(t *testing.T) {
	e := openEngine(t, t.TempDir())

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b := e.NewBatch()
				b.Set(fmt.Sprintf("w%d/doc%02d", w, i),
					doc(map[string]document.Value{"i": document.Int(int64(i))}))
				b.Update("shared/counter",
					doc(map[string]document.Value{"n": fieldvalue.Increment(document.Int(1))}))
				assert.NoError(t, b.Commit())
			}
		}()
	}
	wg.Wait()

	got, found, err := e.Get("shared/counter")
	require.NoError(t, err)
	require.True(t, found)
	n, _ := got.Field("n")
	assert.Equal(t, int64(writers*perWriter), n.AsInt(),
		"commits serialize, so every increment lands")

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			_, found, err := e.Get(fmt.Sprintf("w%d/doc%02d", w, i))
			require.NoError(t, err)
			assert.True(t, found)
		}
	}
}

func TestCompactionPreservesVisibleState(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	for i := 0; i < 30; i++ {
		require.NoError(t, e.Put(fmt.Sprintf("docs/d%02d", i),
			doc(map[string]document.Value{"i": document.Int(int64(i))})))
	}
	require.NoError(t, e.Flush())
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Delete(fmt.Sprintf("docs/d%02d", i)))
	}
	for i := 10; i < 20; i++ {
		require.NoError(t, e.Put(fmt.Sprintf("docs/d%02d", i),
			doc(map[string]document.Value{"i": document.Int(int64(i * 100))})))
	}
	require.NoError(t, e.Flush())

	stats, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesBefore)
	assert.Equal(t, 1, stats.FilesAfter)
	assert.Equal(t, uint64(10), stats.TombstonesRemoved)
	assert.Equal(t, uint64(20), stats.EntriesAfter)
	assert.Less(t, stats.EntriesAfter, stats.EntriesBefore)

	for i := 0; i < 10; i++ {
		_, found, err := e.Get(fmt.Sprintf("docs/d%02d", i))
		require.NoError(t, err)
		assert.False(t, found)
	}
	for i := 10; i < 20; i++ {
		got, found, err := e.Get(fmt.Sprintf("docs/d%02d", i))
		require.NoError(t, err)
		require.True(t, found)
		v, _ := got.Field("i")
		assert.Equal(t, int64(i*100), v.AsInt())
	}

	// Only the merged table remains on disk.
	files, err := os.ReadDir(filepath.Join(dir, "sst"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCompactEmptyEngine(t *testing.T) {
	e := openEngine(t, t.TempDir())
	stats, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesBefore)
	assert.Equal(t, 0, stats.FilesAfter)
}

func TestCloseIdempotentAndBlocksOperations(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, e.Put("a/b", doc(map[string]document.Value{"v": document.Int(1)})))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Put("a/b", doc(map[string]document.Value{"v": document.Int(2)})), engine.ErrClosed)
	_, _, err = e.Get("a/b")
	assert.ErrorIs(t, err, engine.ErrClosed)

	// Close flushed, so the data is there after reopening.
	e2 := openEngine(t, dir)
	_, found, err := e2.Get("a/b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSmallMemtableTriggersFlush(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, &config.Config{MaxMemtableSize: 256})
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 40; i++ {
		require.NoError(t, e.Put(fmt.Sprintf("docs/d%02d", i),
			doc(map[string]document.Value{"body": document.String("some document body text")})))
	}

	files, err := os.ReadDir(filepath.Join(dir, "sst"))
	require.NoError(t, err)
	assert.NotEmpty(t, files, "crossing the memtable threshold flushes automatically")

	for i := 0; i < 40; i++ {
		_, found, err := e.Get(fmt.Sprintf("docs/d%02d", i))
		require.NoError(t, err)
		assert.True(t, found)
	}
}
