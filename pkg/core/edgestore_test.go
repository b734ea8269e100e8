package core

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, graphs ...string) *EdgeStore {
	t.Helper()
	return NewEdgeStore(Config{Shards: 8, Graphs: graphs})
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add(Edge{SourceID: 5, Graph: "follow", DestinationID: 9}, 100)
	require.NoError(t, err)

	ids, err := s.Get(Query{Source: ID(5), Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)

	ids, err = s.Get(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Contains(t, ids, int64(5))

	ids, err = s.Get(Query{Source: ID(5), Graph: "follow"})
	require.NoError(t, err)
	assert.Contains(t, ids, int64(9))

	// Other graph and reversed direction stay empty.
	ids, err = s.Get(Query{Source: ID(5), Graph: "block", Destination: ID(9)})
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = s.Get(Query{Source: ID(9), Graph: "follow", Destination: ID(5)})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	e := Edge{SourceID: 5, Graph: "follow", DestinationID: 9}

	d1, err := s.Add(e, 100)
	require.NoError(t, err)
	d2, err := s.Add(e, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, d1)
	assert.Equal(t, 0, d2)

	meta, err := s.GetMetadata(5, "follow")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Count)
	assert.Equal(t, StateNormal, meta.State)
	assert.Equal(t, int64(5), meta.SourceID)

	ids, err := s.Get(Query{Source: ID(5), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)
}

func TestRemoveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	e := Edge{SourceID: 5, Graph: "follow", DestinationID: 9}

	_, err := s.Add(e, 100)
	require.NoError(t, err)
	_, err = s.Remove(e, 200)
	require.NoError(t, err)

	ids, err := s.Get(Query{Source: ID(5), Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = s.Get(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	meta, err := s.GetMetadata(5, "follow")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Count)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Remove(Edge{SourceID: 1, Graph: "follow", DestinationID: 2}, 100)
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = s.GetMetadata(1, "follow")
	assert.ErrorIs(t, err, ErrNotFound)

	// the removal still leaves tombstones that reject an older add
	_, err = s.Add(Edge{SourceID: 1, Graph: "follow", DestinationID: 2}, 50)
	require.NoError(t, err)
	ids, err := s.Get(Query{Source: ID(1), Graph: "follow"})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 2, s.Vacuum(200))
}

func TestStaleAddDoesNotResurrect(t *testing.T) {
	s := newTestStore(t)
	e := Edge{SourceID: 1, Graph: "follow", DestinationID: 2}

	_, err := s.Add(e, 100)
	require.NoError(t, err)
	_, err = s.Remove(e, 300)
	require.NoError(t, err)

	// A retried add still carrying its original stamp loses.
	_, err = s.Add(e, 100)
	require.NoError(t, err)
	_, err = s.Add(e, 250)
	require.NoError(t, err)

	ids, err := s.Get(Query{Source: ID(1), Graph: "follow", Destination: ID(2)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Equal stamps: the removal wins.
	_, err = s.Add(e, 300)
	require.NoError(t, err)
	ids, err = s.Get(Query{Source: ID(1), Graph: "follow", Destination: ID(2)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// A genuinely newer add brings it back.
	_, err = s.Add(e, 400)
	require.NoError(t, err)
	ids, err = s.Get(Query{Graph: "follow", Destination: ID(2)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestRemoveBeforeAddWithOlderStamp(t *testing.T) {
	s := newTestStore(t)
	e := Edge{SourceID: 7, Graph: "block", DestinationID: 8}

	// Delivered out of order: remove@200 arrives before add@100.
	_, err := s.Remove(e, 200)
	require.NoError(t, err)
	_, err = s.Add(e, 100)
	require.NoError(t, err)

	n, err := s.Count(Query{Source: ID(7), Graph: "block"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidQueries(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(Query{Graph: "follow"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.Get(Query{Source: ID(1)})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.Select(Query{Source: ID(1), Graph: "follow"}, Page{Cursor: "garbage", Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestGraphAllowlist(t *testing.T) {
	s := newTestStore(t, "follow", "block")

	_, err := s.Add(Edge{SourceID: 1, Graph: "likes", DestinationID: 2}, 1)
	assert.ErrorIs(t, err, ErrUnknownGraph)

	_, err = s.Get(Query{Source: ID(1), Graph: "likes"})
	assert.ErrorIs(t, err, ErrUnknownGraph)

	_, err = s.Add(Edge{SourceID: 1, Graph: "block", DestinationID: 2}, 1)
	assert.NoError(t, err)
}

func TestOrderingNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i, dst := range []int64{10, 20, 30} {
		_, err := s.Add(Edge{SourceID: 1, Graph: "follow", DestinationID: dst}, int64(100+i))
		require.NoError(t, err)
	}
	ids, err := s.Get(Query{Source: ID(1), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 20, 10}, ids)

	// Stable across repeated reads.
	again, err := s.Get(Query{Source: ID(1), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, ids, again)
}

func TestSelectPagination(t *testing.T) {
	s := newTestStore(t)
	for i := int64(0); i < 25; i++ {
		_, err := s.Add(Edge{SourceID: 1, Graph: "follow", DestinationID: i}, 1000+i)
		require.NoError(t, err)
	}
	// a removed row in the middle must not break the cursor walk
	_, err := s.Remove(Edge{SourceID: 1, Graph: "follow", DestinationID: 12}, 5000)
	require.NoError(t, err)

	all, err := s.Get(Query{Source: ID(1), Graph: "follow"})
	require.NoError(t, err)
	require.Len(t, all, 24)

	var paged []int64
	page := Page{Limit: 7}
	for {
		res, err := s.Select(Query{Source: ID(1), Graph: "follow"}, page)
		require.NoError(t, err)
		paged = append(paged, res.IDs...)
		if res.NextCursor == "" {
			break
		}
		page.Cursor = res.NextCursor
	}
	assert.Equal(t, all, paged)
}

func TestMetadataCountTracksEdges(t *testing.T) {
	s := newTestStore(t)
	for i := int64(0); i < 5; i++ {
		_, err := s.Add(Edge{SourceID: 42, Graph: "follow", DestinationID: i}, 100+i)
		require.NoError(t, err)
	}
	_, err := s.Remove(Edge{SourceID: 42, Graph: "follow", DestinationID: 3}, 200)
	require.NoError(t, err)

	meta, err := s.GetMetadata(42, "follow")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Count)
	assert.Equal(t, int64(200), meta.UpdatedAt.UnixNano())

	n, err := s.Count(Query{Source: ID(42), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, meta.Count, n)
}

func TestUpdatedAtIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(Edge{SourceID: 1, Graph: "follow", DestinationID: 2}, 500)
	require.NoError(t, err)
	_, err = s.Add(Edge{SourceID: 1, Graph: "follow", DestinationID: 3}, 400)
	require.NoError(t, err)

	meta, err := s.GetMetadata(1, "follow")
	require.NoError(t, err)
	assert.Equal(t, int64(500), meta.UpdatedAt.UnixNano())
	assert.Equal(t, 2, meta.Count)
}

func TestArchiveAndUnarchive(t *testing.T) {
	s := newTestStore(t)
	for i := int64(1); i <= 3; i++ {
		_, err := s.Add(Edge{SourceID: 9, Graph: "follow", DestinationID: i}, 100+i)
		require.NoError(t, err)
	}

	d, err := s.Archive(9, "follow", 200)
	require.NoError(t, err)
	assert.Equal(t, -3, d)

	meta, err := s.GetMetadata(9, "follow")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, meta.State)
	assert.Zero(t, meta.Count)

	ids, err := s.Get(Query{Graph: "follow", Destination: ID(2)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// adds while archived stay hidden
	_, err = s.Add(Edge{SourceID: 9, Graph: "follow", DestinationID: 4}, 250)
	require.NoError(t, err)
	n, err := s.Count(Query{Source: ID(9), Graph: "follow"})
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err = s.Unarchive(9, "follow", 300)
	require.NoError(t, err)
	assert.Equal(t, 4, d)

	meta, err = s.GetMetadata(9, "follow")
	require.NoError(t, err)
	assert.Equal(t, StateNormal, meta.State)
	assert.Equal(t, 4, meta.Count)

	ids, err = s.Get(Query{Graph: "follow", Destination: ID(4)})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)
}

func TestVacuumPurgesOldTombstones(t *testing.T) {
	s := newTestStore(t)
	e := Edge{SourceID: 1, Graph: "follow", DestinationID: 2}
	_, err := s.Add(e, 100)
	require.NoError(t, err)
	_, err = s.Remove(e, 200)
	require.NoError(t, err)

	assert.Zero(t, s.Vacuum(150))
	// forward and backward tombstones
	assert.Equal(t, 2, s.Vacuum(300))

	// metadata survives vacuum
	meta, err := s.GetMetadata(1, "follow")
	require.NoError(t, err)
	assert.Zero(t, meta.Count)
}

func TestIterateAndRestore(t *testing.T) {
	src := newTestStore(t)
	for i := int64(0); i < 10; i++ {
		_, err := src.Add(Edge{SourceID: i % 3, Graph: "follow", DestinationID: i}, 100+i)
		require.NoError(t, err)
	}
	_, err := src.Remove(Edge{SourceID: 0, Graph: "follow", DestinationID: 3}, 500)
	require.NoError(t, err)
	_, err = src.Archive(2, "follow", 600)
	require.NoError(t, err)

	dst := newTestStore(t)
	err = src.Iterate(
		func(r Row) error { dst.RestoreRow(r); return nil },
		func(p PairState) error { dst.RestorePair(p); return nil },
	)
	require.NoError(t, err)

	for node := int64(0); node < 3; node++ {
		want, err := src.GetMetadata(node, "follow")
		require.NoError(t, err)
		got, err := dst.GetMetadata(node, "follow")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		wantIDs, _ := src.Get(Query{Source: ID(node), Graph: "follow"})
		gotIDs, _ := dst.Get(Query{Source: ID(node), Graph: "follow"})
		assert.Equal(t, wantIDs, gotIDs)
	}

	// restored tombstones keep guarding against stale adds
	_, err = dst.Add(Edge{SourceID: 0, Graph: "follow", DestinationID: 3}, 400)
	require.NoError(t, err)
	ids, _ := dst.Get(Query{Source: ID(0), Graph: "follow", Destination: ID(3)})
	assert.Empty(t, ids)
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	const writers = 16
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// every writer adds the same edges: duplicates must collapse
				e := Edge{SourceID: int64(i % 10), Graph: "follow", DestinationID: int64(i)}
				_, err := s.Add(e, int64(w*perWriter+i+1))
				assert.NoError(t, err)
				_, _ = s.Get(Query{Graph: "follow", Destination: ID(int64(i))})
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for src := int64(0); src < 10; src++ {
		meta, err := s.GetMetadata(src, "follow")
		require.NoError(t, err, fmt.Sprintf("source %d", src))
		ids, err := s.Get(Query{Source: ID(src), Graph: "follow"})
		require.NoError(t, err)
		assert.Equal(t, len(ids), meta.Count)
		total += meta.Count
	}
	assert.Equal(t, perWriter, total)
	assert.Equal(t, map[string]int{"follow": perWriter}, s.LiveByGraph())
}

// addHalves writes the two halves of an add separately, the way writeEdge
// does, so a pair transition can run in between.
func addHalves(s *EdgeStore, e Edge, state State, at int64) (backward func()) {
	fs := s.stripe(s.forward, e.SourceID, e.Graph)
	fs.mu.Lock()
	fs.getOrCreate(e.SourceID, e.Graph).apply(e.DestinationID, state, at)
	fs.mu.Unlock()
	return func() {
		bs := s.stripe(s.backward, e.DestinationID, e.Graph)
		bs.mu.Lock()
		bs.getOrCreate(e.DestinationID, e.Graph).apply(e.SourceID, state, at)
		bs.mu.Unlock()
	}
}

func TestUnarchiveBetweenAddHalves(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Archive(1, "follow", 100)
	require.NoError(t, err)

	finish := addHalves(s, Edge{SourceID: 1, Graph: "follow", DestinationID: 9}, StateArchived, 200)
	_, err = s.Unarchive(1, "follow", 300)
	require.NoError(t, err)
	finish()

	ids, err := s.Get(Query{Source: ID(1), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)
	ids, err = s.Get(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
	n, err := s.Count(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveBetweenAddHalves(t *testing.T) {
	s := newTestStore(t)

	finish := addHalves(s, Edge{SourceID: 1, Graph: "follow", DestinationID: 9}, StateNormal, 200)
	_, err := s.Archive(1, "follow", 300)
	require.NoError(t, err)
	finish()

	ids, err := s.Get(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Empty(t, ids)
	n, err := s.Count(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Unarchive(1, "follow", 400)
	require.NoError(t, err)
	ids, err = s.Get(Query{Graph: "follow", Destination: ID(9)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

// requireViewsAgree checks that every live forward edge is in the backward
// view and the other way round.
func requireViewsAgree(t *testing.T, s *EdgeStore, sources, dests int64) {
	t.Helper()
	fromForward := map[int64][]int64{}
	for src := int64(0); src < sources; src++ {
		ids, err := s.Get(Query{Source: ID(src), Graph: "follow"})
		require.NoError(t, err)
		for _, dst := range ids {
			fromForward[dst] = append(fromForward[dst], src)
		}
	}
	for dst := int64(0); dst < dests; dst++ {
		ids, err := s.Get(Query{Graph: "follow", Destination: ID(dst)})
		require.NoError(t, err)
		want := fromForward[dst]
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(want) == 0 {
			assert.Empty(t, ids, "destination %d", dst)
			continue
		}
		assert.Equal(t, want, ids, "destination %d", dst)
	}
}

func TestAddsRacingArchiveToggles(t *testing.T) {
	s := newTestStore(t)
	const sources, dests = 4, 50
	var stamp atomic.Int64

	var wg sync.WaitGroup
	for src := int64(0); src < sources; src++ {
		wg.Add(2)
		go func(src int64) {
			defer wg.Done()
			for dst := int64(0); dst < dests; dst++ {
				_, err := s.Add(Edge{SourceID: src, Graph: "follow", DestinationID: dst}, stamp.Add(1))
				assert.NoError(t, err)
			}
		}(src)
		go func(src int64) {
			defer wg.Done()
			for i := 0; i < dests; i++ {
				var err error
				if i%2 == 0 {
					_, err = s.Archive(src, "follow", stamp.Add(1))
				} else {
					_, err = s.Unarchive(src, "follow", stamp.Add(1))
				}
				assert.NoError(t, err)
			}
		}(src)
	}
	wg.Wait()
	requireViewsAgree(t, s, sources, dests)

	for src := int64(0); src < sources; src++ {
		_, err := s.Unarchive(src, "follow", stamp.Add(1))
		require.NoError(t, err)
	}
	requireViewsAgree(t, s, sources, dests)
	assert.Equal(t, map[string]int{"follow": sources * dests}, s.LiveByGraph())
}

func TestExtremeIDs(t *testing.T) {
	s := newTestStore(t)
	for i, dst := range []int64{math.MinInt64, -1, 0, math.MaxInt64} {
		_, err := s.Add(Edge{SourceID: math.MaxInt64, Graph: "follow", DestinationID: dst}, int64(100+i))
		require.NoError(t, err)
	}
	_, err := s.Add(Edge{SourceID: math.MinInt64, Graph: "follow", DestinationID: math.MaxInt64}, 200)
	require.NoError(t, err)

	ids, err := s.Get(Query{Source: ID(math.MaxInt64), Graph: "follow"})
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MaxInt64, 0, -1, math.MinInt64}, ids)

	ids, err = s.Get(Query{Graph: "follow", Destination: ID(math.MaxInt64)})
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MinInt64, math.MaxInt64}, ids)

	// cursors carry negative peers
	var paged []int64
	page := Page{Limit: 1}
	for {
		res, err := s.Select(Query{Source: ID(math.MaxInt64), Graph: "follow"}, page)
		require.NoError(t, err)
		paged = append(paged, res.IDs...)
		if res.NextCursor == "" {
			break
		}
		page.Cursor = res.NextCursor
	}
	assert.Equal(t, []int64{math.MaxInt64, 0, -1, math.MinInt64}, paged)
}

func TestParseState(t *testing.T) {
	st, err := ParseState("archived")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, st)

	st, err = ParseState("1")
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, st)

	_, err = ParseState("bogus")
	assert.Error(t, err)
}
