package engine

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/flockstore/pkg/core"
)

func openTestEngine(t *testing.T, dir string, mutate func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.AutoSaveInterval = 0
	opts.AofRewritePercentage = 0
	if mutate != nil {
		mutate(&opts)
	}
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func out(src int64, graph string) core.Query {
	return core.Query{Source: core.ID(src), Graph: graph}
}

func in(dst int64, graph string) core.Query {
	return core.Query{Graph: graph, Destination: core.ID(dst)}
}

func TestEngineAddGetRemove(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), nil)

	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Add(ctx, 1, "follow", 3))
	require.NoError(t, db.Add(ctx, 4, "follow", 2))

	ids, err := db.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids, "newest first")

	ids, err = db.Get(ctx, in(2, "follow"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 4}, ids)

	require.NoError(t, db.Remove(ctx, 1, "follow", 2))
	ids, err = db.Get(ctx, core.Query{Source: core.ID(1), Graph: "follow", Destination: core.ID(2)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := db.Count(ctx, in(2, "follow"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Removing an absent edge is not an error.
	require.NoError(t, db.Remove(ctx, 9, "follow", 9))
}

func TestEngineInvalidQueriesAndGraphs(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.Graphs = []string{"follow"}
	})

	_, err := db.Get(ctx, core.Query{Graph: "follow"})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)

	err = db.Add(ctx, 1, "block", 2)
	assert.ErrorIs(t, err, core.ErrUnknownGraph)

	_, err = db.GetMetadata(ctx, 1, "follow")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineStaleStampsDoNotResurrect(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), nil)

	edge := core.Edge{SourceID: 1, Graph: "follow", DestinationID: 2}
	t0 := time.Now()

	require.NoError(t, db.AddAt(ctx, edge, t0))
	require.NoError(t, db.RemoveAt(ctx, edge, t0.Add(time.Second)))
	// A delayed add carrying an older stamp loses.
	require.NoError(t, db.AddAt(ctx, edge, t0.Add(500*time.Millisecond)))

	ids, err := db.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Local stamps now exceed the observed one, so a plain Add wins.
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	ids, err = db.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestEngineGetAll(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), nil)

	for dst := int64(10); dst < 15; dst++ {
		require.NoError(t, db.Add(ctx, 1, "follow", dst))
	}
	require.NoError(t, db.Add(ctx, 2, "follow", 10))

	results, err := db.GetAll(ctx, []core.Query{
		out(1, "follow"),
		in(10, "follow"),
		{Source: core.ID(1), Graph: "follow", Destination: core.ID(99)},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int64{14, 13, 12, 11, 10}, results[0])
	assert.Equal(t, []int64{2, 1}, results[1])
	assert.Empty(t, results[2])

	_, err = db.GetAll(ctx, []core.Query{out(1, "follow"), {Graph: "follow"}})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)

	results, err = db.GetAll(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngineMetadataAndArchive(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), nil)

	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Add(ctx, 1, "follow", 3))

	meta, err := db.GetMetadata(ctx, 1, "follow")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Count)
	assert.Equal(t, core.StateNormal, meta.State)
	first := meta.UpdatedAt

	require.NoError(t, db.Archive(ctx, 1, "follow"))
	meta, err = db.GetMetadata(ctx, 1, "follow")
	require.NoError(t, err)
	assert.Equal(t, core.StateArchived, meta.State)
	assert.Zero(t, meta.Count)
	assert.True(t, meta.UpdatedAt.After(first))

	ids, err := db.Get(ctx, in(2, "follow"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, db.Unarchive(ctx, 1, "follow"))
	ids, err = db.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids)
}

func TestEngineRecoveryFromAOF(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Add(ctx, 1, "follow", 3))
	require.NoError(t, db.Add(ctx, 5, "follow", 6))
	require.NoError(t, db.Remove(ctx, 1, "follow", 2))
	require.NoError(t, db.Archive(ctx, 5, "follow"))
	require.NoError(t, db.Close())

	db2 := openTestEngine(t, dir, nil)
	ids, err := db2.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)

	meta, err := db2.GetMetadata(ctx, 5, "follow")
	require.NoError(t, err)
	assert.Equal(t, core.StateArchived, meta.State)

	// The restored clock keeps new writes ahead of replayed ones.
	require.NoError(t, db2.Add(ctx, 1, "follow", 2))
	ids, err = db2.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)
}

func TestEngineRecoveryIgnoresTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Close())

	f, err := os.OpenFile(filepath.Join(dir, "flockstore.aof"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("*5\r\n$4\r\nEADD\r\n$1\r\n1")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2 := openTestEngine(t, dir, nil)
	ids, err := db2.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestEngineRefusesCorruptAOF(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	aofPath := filepath.Join(dir, "flockstore.aof")

	db := openTestEngine(t, dir, nil)
	for _, dst := range []int64{2, 3, 4} {
		require.NoError(t, db.Add(ctx, 1, "follow", dst))
	}
	require.NoError(t, db.Close())

	// Damage the header of the second command.
	data, err := os.ReadFile(aofPath)
	require.NoError(t, err)
	second := bytes.Index(data[1:], []byte("*")) + 1
	require.Positive(t, second)
	data[second] = 'X'
	require.NoError(t, os.WriteFile(aofPath, data, 0644))

	opts := DefaultOptions(dir)
	opts.AutoSaveInterval = 0
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrCorruptAOF)

	// The valid commands after the damage are still on disk.
	after, err := os.ReadFile(aofPath)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func TestEngineSnapshotTruncatesAOF(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	for dst := int64(1); dst <= 50; dst++ {
		require.NoError(t, db.Add(ctx, 7, "follow", dst))
	}
	require.NoError(t, db.Remove(ctx, 7, "follow", 1))
	require.NoError(t, db.SaveSnapshot())

	size, err := db.AOF.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.FileExists(t, filepath.Join(dir, "flockstore.snap"))

	// Writes after the snapshot land in the fresh log.
	require.NoError(t, db.Add(ctx, 7, "follow", 100))
	require.NoError(t, db.Close())

	db2 := openTestEngine(t, dir, nil)
	n, err := db2.Count(ctx, out(7, "follow"))
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	ids, err := db2.Get(ctx, core.Query{Source: core.ID(7), Graph: "follow", Destination: core.ID(1)})
	require.NoError(t, err)
	assert.Empty(t, ids, "tombstone survives the snapshot")

	ids, err = db2.Get(ctx, out(7, "follow"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), ids[0])
}

func TestEngineRewriteKeepsOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Add(ctx, 1, "follow", 3))
	// Re-adding a present edge does not move it.
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Add(ctx, 9, "follow", 9))
		require.NoError(t, db.Remove(ctx, 9, "follow", 9))
	}

	before, err := db.AOF.Size()
	require.NoError(t, err)
	require.NoError(t, db.RewriteAOF())
	after, err := db.AOF.Size()
	require.NoError(t, err)
	assert.Less(t, after, before)
	require.NoError(t, db.Close())

	db2 := openTestEngine(t, dir, nil)
	ids, err := db2.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids)

	meta, err := db2.GetMetadata(ctx, 1, "follow")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Count)
}

func TestEngineAsyncConverge(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.WriteMode = WriteAsync
		o.WriteWorkers = 4
		o.FlushOnWrite = false
	})

	var wg sync.WaitGroup
	for w := int64(0); w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dst := int64(0); dst < 100; dst++ {
				assert.NoError(t, db.Add(ctx, w, "follow", dst))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, db.Converge(ctx))
	for w := int64(0); w < 8; w++ {
		n, err := db.Count(ctx, out(w, "follow"))
		require.NoError(t, err)
		assert.Equal(t, 100, n)
	}
	n, err := db.Count(ctx, in(42, "follow"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Zero(t, db.Stats().PendingWrites)
}

func TestEngineAsyncEventuallyVisible(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.WriteMode = WriteAsync
	})

	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.Eventually(t, func() bool {
		ids, err := db.Get(ctx, out(1, "follow"))
		return err == nil && len(ids) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineAsyncCloseAppliesQueue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, func(o *Options) { o.WriteMode = WriteAsync })
	for dst := int64(0); dst < 200; dst++ {
		require.NoError(t, db.Add(ctx, 3, "follow", dst))
	}
	require.NoError(t, db.Close())

	n, err := db.Store.Count(out(3, "follow"))
	require.NoError(t, err)
	assert.Equal(t, 200, n)

	db2 := openTestEngine(t, dir, nil)
	n, err = db2.Count(ctx, out(3, "follow"))
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}

func TestEngineVacuum(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.TombstoneTTL = time.Minute
	})

	edge := core.Edge{SourceID: 1, Graph: "follow", DestinationID: 2}
	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.AddAt(ctx, edge, old))
	require.NoError(t, db.RemoveAt(ctx, edge, old.Add(time.Second)))
	require.NoError(t, db.Add(ctx, 1, "follow", 3))
	require.NoError(t, db.Remove(ctx, 1, "follow", 3))

	// Only the old forward and backward tombstones are past the TTL.
	assert.Equal(t, 2, db.Vacuum())

	ids, err := db.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEngineClosed(t *testing.T) {
	ctx := context.Background()
	db := openTestEngine(t, t.TempDir(), nil)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	assert.ErrorIs(t, db.Add(ctx, 1, "follow", 2), ErrClosed)
	_, err := db.Get(ctx, out(1, "follow"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Converge(ctx), ErrClosed)
	assert.ErrorIs(t, db.SaveSnapshot(), ErrClosed)
}

func TestEngineCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	db := openTestEngine(t, t.TempDir(), nil)

	assert.ErrorIs(t, db.Add(ctx, 1, "follow", 2), context.Canceled)
	_, err := db.GetAll(ctx, []core.Query{out(1, "follow")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenRejectsUnknownWriteMode(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.WriteMode = "eventual"
	_, err := Open(opts)
	assert.Error(t, err)
}

func TestClockIsMonotonic(t *testing.T) {
	c := &clock{}
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		require.Greater(t, now, prev)
		prev = now
	}
	c.Observe(prev + int64(time.Hour))
	assert.Greater(t, c.Now(), prev+int64(time.Hour))
}

func TestEngineWritesAfterTornTailSurvive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	require.NoError(t, db.Add(ctx, 1, "follow", 2))
	require.NoError(t, db.Close())

	f, err := os.OpenFile(filepath.Join(dir, "flockstore.aof"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("*5\r\n$4\r\nEADD")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2 := openTestEngine(t, dir, nil)
	require.NoError(t, db2.Add(ctx, 1, "follow", 3))
	require.NoError(t, db2.Close())

	db3 := openTestEngine(t, dir, nil)
	ids, err := db3.Get(ctx, out(1, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids)
}

func TestEngineExtremeIDsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestEngine(t, dir, nil)
	require.NoError(t, db.Add(ctx, math.MaxInt64, "follow", math.MinInt64))
	require.NoError(t, db.Add(ctx, math.MaxInt64, "follow", -1))
	require.NoError(t, db.SaveSnapshot())
	// this one only lives in the AOF
	require.NoError(t, db.Add(ctx, math.MaxInt64, "follow", 0))
	require.NoError(t, db.Add(ctx, math.MinInt64, "follow", math.MinInt64))
	require.NoError(t, db.Close())

	db2 := openTestEngine(t, dir, nil)
	ids, err := db2.Get(ctx, out(math.MaxInt64, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, -1, math.MinInt64}, ids)

	ids, err = db2.Get(ctx, in(math.MinInt64, "follow"))
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MinInt64, math.MaxInt64}, ids)

	page, err := db2.Select(ctx, out(math.MaxInt64, "follow"), core.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, -1}, page.IDs)
	page, err = db2.Select(ctx, out(math.MaxInt64, "follow"), core.Page{Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MinInt64}, page.IDs)
	assert.Empty(t, page.NextCursor)
}
