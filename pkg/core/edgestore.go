// Package core provides the in-memory edge relation at the heart of flockstore.
//
// Every edge is stored twice: a forward row in the list of its source and a
// backward row in the list of its destination. Lists are spread over
// lock-striped shards, so writers on unrelated (node, graph) pairs never
// contend. Metadata for a (source, graph) pair lives next to the forward list
// and is updated under the same lock as the rows it counts.
package core

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of lock stripes per direction.
const DefaultShards = 64

// Config configures an EdgeStore.
type Config struct {
	// Shards is the number of lock stripes per direction. Defaults to DefaultShards.
	Shards int
	// Graphs, when non-empty, is the set of accepted graph names.
	Graphs []string
}

type listKey struct {
	node  int64
	graph string
}

type shard struct {
	mu    sync.RWMutex
	lists map[listKey]*adjacency
}

func (s *shard) get(node int64, graph string) *adjacency {
	return s.lists[listKey{node: node, graph: graph}]
}

func (s *shard) getOrCreate(node int64, graph string) *adjacency {
	k := listKey{node: node, graph: graph}
	a, ok := s.lists[k]
	if !ok {
		a = newAdjacency()
		s.lists[k] = a
	}
	return a
}

// EdgeStore is a thread-safe directed edge relation keyed by
// (source, graph, destination). It needs no external locking.
type EdgeStore struct {
	forward  []*shard
	backward []*shard
	graphs   map[string]struct{}
}

// NewEdgeStore creates an empty store.
func NewEdgeStore(cfg Config) *EdgeStore {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	s := &EdgeStore{
		forward:  make([]*shard, n),
		backward: make([]*shard, n),
	}
	for i := 0; i < n; i++ {
		s.forward[i] = &shard{lists: make(map[listKey]*adjacency)}
		s.backward[i] = &shard{lists: make(map[listKey]*adjacency)}
	}
	if len(cfg.Graphs) > 0 {
		s.graphs = make(map[string]struct{}, len(cfg.Graphs))
		for _, g := range cfg.Graphs {
			s.graphs[g] = struct{}{}
		}
	}
	return s
}

func (s *EdgeStore) stripe(shards []*shard, node int64, graph string) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(node))
	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(graph)
	return shards[d.Sum64()%uint64(len(shards))]
}

// CheckGraph validates a graph name against the configured allowlist.
func (s *EdgeStore) CheckGraph(graph string) error {
	if graph == "" {
		return fmt.Errorf("%w: graph name is required", ErrInvalidQuery)
	}
	if s.graphs == nil {
		return nil
	}
	if _, ok := s.graphs[graph]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGraph, graph)
	}
	return nil
}

// Add inserts the edge. Adding a present edge is a no-op.
func (s *EdgeStore) Add(e Edge, at int64) (int, error) {
	return s.Apply(Mutation{Op: OpAdd, Edge: e, At: at})
}

// Remove tombstones the edge. Removing an absent edge is a no-op.
func (s *EdgeStore) Remove(e Edge, at int64) (int, error) {
	return s.Apply(Mutation{Op: OpRemove, Edge: e, At: at})
}

// Archive moves every live edge of (source, graph) to the archived state.
func (s *EdgeStore) Archive(source int64, graph string, at int64) (int, error) {
	return s.Apply(Mutation{Op: OpArchive, Edge: Edge{SourceID: source, Graph: graph}, At: at})
}

// Unarchive reverses Archive.
func (s *EdgeStore) Unarchive(source int64, graph string, at int64) (int, error) {
	return s.Apply(Mutation{Op: OpUnarchive, Edge: Edge{SourceID: source, Graph: graph}, At: at})
}

// Apply executes a stamped mutation and returns the change in live edges.
//
// The forward row and the pair metadata change together under the source's
// stripe lock. The backward rows are written afterwards under their own
// stripes, so a concurrent wildcard-source reader may briefly lag.
func (s *EdgeStore) Apply(m Mutation) (int, error) {
	if err := s.CheckGraph(m.Edge.Graph); err != nil {
		return 0, err
	}
	switch m.Op {
	case OpAdd:
		return s.writeEdge(m.Edge, StateNormal, m.At), nil
	case OpRemove:
		return s.writeEdge(m.Edge, StateRemoved, m.At), nil
	case OpArchive:
		return s.transitionPair(m.Edge.SourceID, m.Edge.Graph, StateNormal, StateArchived, m.At), nil
	case OpUnarchive:
		return s.transitionPair(m.Edge.SourceID, m.Edge.Graph, StateArchived, StateNormal, m.At), nil
	default:
		return 0, fmt.Errorf("unsupported mutation %s", m.Op)
	}
}

func (s *EdgeStore) writeEdge(e Edge, state State, at int64) int {
	fs := s.stripe(s.forward, e.SourceID, e.Graph)
	fs.mu.Lock()
	var adj *adjacency
	if state == StateRemoved {
		adj = fs.get(e.SourceID, e.Graph)
		if adj == nil {
			// Nothing to remove; keep a tombstone list so the stamp still
			// guards against a delayed add.
			adj = fs.getOrCreate(e.SourceID, e.Graph)
		}
	} else {
		adj = fs.getOrCreate(e.SourceID, e.Graph)
	}
	if state == StateNormal && adj.state == StateArchived {
		state = StateArchived
	}
	delta, prev, accepted := adj.apply(e.DestinationID, state, at)
	if accepted && !(state == StateRemoved && prev == StateRemoved) {
		adj.touch(at)
	}
	fs.mu.Unlock()

	bs := s.stripe(s.backward, e.DestinationID, e.Graph)
	bs.mu.Lock()
	bs.getOrCreate(e.DestinationID, e.Graph).apply(e.SourceID, state, at)
	bs.mu.Unlock()

	return delta
}

func (s *EdgeStore) transitionPair(source int64, graph string, from, to State, at int64) int {
	fs := s.stripe(s.forward, source, graph)
	fs.mu.Lock()
	adj := fs.getOrCreate(source, graph)
	if at < adj.stateAt {
		fs.mu.Unlock()
		return 0
	}
	adj.state = to
	adj.stateAt = at
	adj.touch(at)
	var moved []orderKey
	delta := 0
	for peer, r := range adj.rows {
		if d := adj.transition(peer, from, to, at); d != 0 {
			delta += d
			moved = append(moved, orderKey{pos: r.pos, peer: peer})
		}
	}
	fs.mu.Unlock()

	// The backward row may not exist yet when an add of the same edge is
	// between its two halves; mirror creates it and the stamps settle the race.
	for _, k := range moved {
		bs := s.stripe(s.backward, k.peer, graph)
		bs.mu.Lock()
		bs.getOrCreate(k.peer, graph).mirror(source, k.pos, to, at)
		bs.mu.Unlock()
	}
	return delta
}

// Get returns every node id matching q, newest first.
func (s *EdgeStore) Get(q Query) ([]int64, error) {
	res, err := s.Select(q, Page{})
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// Select returns one page of node ids matching q.
//
// With both endpoints set it is an existence check returning zero or one id.
// With one wildcard it enumerates the counterparts of the concrete endpoint.
func (s *EdgeStore) Select(q Query, page Page) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	if err := s.CheckGraph(q.Graph); err != nil {
		return Result{}, err
	}

	if q.Source != nil && q.Destination != nil {
		fs := s.stripe(s.forward, *q.Source, q.Graph)
		fs.mu.RLock()
		defer fs.mu.RUnlock()
		ids := []int64{}
		if adj := fs.get(*q.Source, q.Graph); adj != nil {
			if r := adj.rows[*q.Destination]; r != nil && r.state == StateNormal {
				ids = append(ids, *q.Destination)
			}
		}
		return Result{IDs: ids}, nil
	}

	var after *orderKey
	if page.Cursor != "" {
		k, err := parseCursor(page.Cursor)
		if err != nil {
			return Result{}, err
		}
		after = &k
	}

	shards, node := s.forward, q.Source
	if q.Source == nil {
		shards, node = s.backward, q.Destination
	}
	sh := s.stripe(shards, *node, q.Graph)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	res := Result{IDs: []int64{}}
	adj := sh.get(*node, q.Graph)
	if adj == nil {
		return res, nil
	}
	var last orderKey
	more := false
	adj.scan(after, func(k orderKey) bool {
		if page.Limit > 0 && len(res.IDs) == page.Limit {
			more = true
			return false
		}
		res.IDs = append(res.IDs, k.peer)
		last = k
		return true
	})
	if more {
		res.NextCursor = last.cursor()
	}
	return res, nil
}

// Count returns the number of live edges matching q.
func (s *EdgeStore) Count(q Query) (int, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	if q.Source != nil && q.Destination != nil {
		ids, err := s.Get(q)
		return len(ids), err
	}
	if err := s.CheckGraph(q.Graph); err != nil {
		return 0, err
	}
	shards, node := s.forward, q.Source
	if q.Source == nil {
		shards, node = s.backward, q.Destination
	}
	sh := s.stripe(shards, *node, q.Graph)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if adj := sh.get(*node, q.Graph); adj != nil {
		return adj.live, nil
	}
	return 0, nil
}

// GetMetadata returns the aggregate for (source, graph). Pairs that have
// never seen an add or a state transition return ErrNotFound.
func (s *EdgeStore) GetMetadata(source int64, graph string) (Metadata, error) {
	if err := s.CheckGraph(graph); err != nil {
		return Metadata{}, err
	}
	fs := s.stripe(s.forward, source, graph)
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	adj := fs.get(source, graph)
	if adj == nil || !adj.tracked {
		return Metadata{}, fmt.Errorf("%w: metadata for (%d, %s)", ErrNotFound, source, graph)
	}
	return Metadata{
		SourceID:  source,
		Graph:     graph,
		State:     adj.state,
		Count:     adj.live,
		UpdatedAt: time.Unix(0, adj.updatedAt),
	}, nil
}

// Vacuum purges tombstones written before the given stamp and drops lists
// that are left empty. It returns the number of purged rows.
func (s *EdgeStore) Vacuum(before int64) int {
	purged := 0
	for _, group := range [][]*shard{s.forward, s.backward} {
		for _, sh := range group {
			sh.mu.Lock()
			for k, adj := range sh.lists {
				purged += adj.vacuum(before)
				if adj.empty() {
					delete(sh.lists, k)
				}
			}
			sh.mu.Unlock()
		}
	}
	return purged
}

// Iterate visits every forward row and every tracked pair, one stripe at a
// time. Callers that need a point-in-time view must stop writers first.
func (s *EdgeStore) Iterate(rowFn func(Row) error, pairFn func(PairState) error) error {
	for _, sh := range s.forward {
		sh.mu.RLock()
		for k, adj := range sh.lists {
			if adj.tracked {
				p := PairState{SourceID: k.node, Graph: k.graph, State: adj.state, StateAt: adj.stateAt, UpdatedAt: adj.updatedAt}
				if err := pairFn(p); err != nil {
					sh.mu.RUnlock()
					return err
				}
			}
			for peer, r := range adj.rows {
				row := Row{
					Edge:     Edge{SourceID: k.node, Graph: k.graph, DestinationID: peer},
					Position: r.pos,
					State:    r.state,
					At:       r.at,
				}
				if err := rowFn(row); err != nil {
					sh.mu.RUnlock()
					return err
				}
			}
		}
		sh.mu.RUnlock()
	}
	return nil
}

// RestoreRow loads a forward row and its backward twin verbatim.
func (s *EdgeStore) RestoreRow(r Row) {
	fs := s.stripe(s.forward, r.Edge.SourceID, r.Edge.Graph)
	fs.mu.Lock()
	fs.getOrCreate(r.Edge.SourceID, r.Edge.Graph).restore(r.Edge.DestinationID, r.Position, r.State, r.At)
	fs.mu.Unlock()

	bs := s.stripe(s.backward, r.Edge.DestinationID, r.Edge.Graph)
	bs.mu.Lock()
	bs.getOrCreate(r.Edge.DestinationID, r.Edge.Graph).restore(r.Edge.SourceID, r.Position, r.State, r.At)
	bs.mu.Unlock()
}

// RestorePair loads the lifecycle of a tracked pair verbatim.
func (s *EdgeStore) RestorePair(p PairState) {
	fs := s.stripe(s.forward, p.SourceID, p.Graph)
	fs.mu.Lock()
	adj := fs.getOrCreate(p.SourceID, p.Graph)
	adj.tracked = true
	adj.state = p.State
	adj.stateAt = p.StateAt
	adj.updatedAt = p.UpdatedAt
	fs.mu.Unlock()
}

// LiveByGraph returns the number of live edges per graph.
func (s *EdgeStore) LiveByGraph() map[string]int {
	out := make(map[string]int)
	for _, sh := range s.forward {
		sh.mu.RLock()
		for k, adj := range sh.lists {
			if adj.live > 0 {
				out[k.graph] += adj.live
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
