// This file implements the operational methods of the Engine, wrapping the
// edge store with persistence logic. Every mutation is written to the
// append-only log before it is applied (sync mode) or queued (async mode).
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/metrics"
)

// --- Writes ---

// Add records the edge source -> destination in graph, stamped now.
// Adding a present edge is a no-op.
func (e *Engine) Add(ctx context.Context, source int64, graph string, destination int64) error {
	return e.Write(ctx, core.Mutation{Op: core.OpAdd, Edge: core.Edge{SourceID: source, Graph: graph, DestinationID: destination}})
}

// AddAt is Add with a caller-supplied stamp. Retrying with the same stamp is
// idempotent, and a stamp older than the latest write of the edge is ignored.
func (e *Engine) AddAt(ctx context.Context, edge core.Edge, at time.Time) error {
	return e.Write(ctx, core.Mutation{Op: core.OpAdd, Edge: edge, At: at.UnixNano()})
}

// Remove deletes the edge. Removing an absent edge is a no-op.
func (e *Engine) Remove(ctx context.Context, source int64, graph string, destination int64) error {
	return e.Write(ctx, core.Mutation{Op: core.OpRemove, Edge: core.Edge{SourceID: source, Graph: graph, DestinationID: destination}})
}

// RemoveAt is Remove with a caller-supplied stamp.
func (e *Engine) RemoveAt(ctx context.Context, edge core.Edge, at time.Time) error {
	return e.Write(ctx, core.Mutation{Op: core.OpRemove, Edge: edge, At: at.UnixNano()})
}

// Archive hides every edge of (source, graph) without deleting it.
func (e *Engine) Archive(ctx context.Context, source int64, graph string) error {
	return e.Write(ctx, core.Mutation{Op: core.OpArchive, Edge: core.Edge{SourceID: source, Graph: graph}})
}

// Unarchive restores the edges hidden by Archive.
func (e *Engine) Unarchive(ctx context.Context, source int64, graph string) error {
	return e.Write(ctx, core.Mutation{Op: core.OpUnarchive, Edge: core.Edge{SourceID: source, Graph: graph}})
}

// Write persists and applies a mutation. A zero At is stamped by the engine
// clock; a caller stamp advances the clock so later local stamps win.
func (e *Engine) Write(ctx context.Context, m core.Mutation) error {
	if e.isClosed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Store.CheckGraph(m.Edge.Graph); err != nil {
		return err
	}
	if m.At == 0 {
		m.At = e.clock.Now()
	} else {
		e.clock.Observe(m.At)
	}

	e.gate.RLock()
	defer e.gate.RUnlock()
	// Close may have won the race for the gate.
	if e.isClosed.Load() {
		return ErrClosed
	}

	// 1. AOF
	if err := e.AOF.Write(encodeMutation(m)); err != nil {
		return fmt.Errorf("persistence error (AOF write failed): %w", err)
	}

	// 2. Memory, now or through the queue
	if e.queue != nil {
		if err := e.queue.enqueue(ctx, m); err != nil {
			return err
		}
	} else {
		e.apply(m)
	}

	if e.opts.FlushOnWrite {
		if err := e.AOF.Flush(); err != nil {
			return fmt.Errorf("CRITICAL: persistence flush failed: %w", err)
		}
	}

	e.dirtyCounter.Add(1)
	return nil
}

// apply runs a logged mutation against the store and updates the gauges.
func (e *Engine) apply(m core.Mutation) {
	delta, err := e.Store.Apply(m)
	if err != nil {
		// The graph was validated before logging; only a programming error lands here.
		panic(fmt.Sprintf("apply %s %s: %v", m.Op, m.Edge, err))
	}
	metrics.EdgeMutationsTotal.WithLabelValues(m.Op.String(), m.Edge.Graph).Inc()
	if delta != 0 {
		metrics.LiveEdges.WithLabelValues(m.Edge.Graph).Add(float64(delta))
	}
}

// Converge blocks until every write accepted before the call is visible to
// readers, bounded by ConvergenceTimeout and ctx. In sync mode it returns
// immediately.
func (e *Engine) Converge(ctx context.Context) error {
	if e.isClosed.Load() {
		return ErrClosed
	}
	if e.queue == nil {
		return nil
	}
	// Close closes the lanes under the exclusive gate.
	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.isClosed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConvergenceTimeout)
	defer cancel()
	if err := e.queue.drain(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w after %s (%d pending)", ErrConvergenceTimeout, e.opts.ConvergenceTimeout, e.queue.pending.Load())
		}
		return err
	}
	return nil
}

// --- Reads ---

// Get returns every node id matching q, newest first.
func (e *Engine) Get(ctx context.Context, q core.Query) ([]int64, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(queryKind(q)).Inc()
	return e.Store.Get(q)
}

// Select returns one page of ids matching q.
func (e *Engine) Select(ctx context.Context, q core.Query, page core.Page) (core.Result, error) {
	if err := e.readable(ctx); err != nil {
		return core.Result{}, err
	}
	metrics.QueriesTotal.WithLabelValues(queryKind(q)).Inc()
	return e.Store.Select(q, page)
}

// Count returns the number of live edges matching q.
func (e *Engine) Count(ctx context.Context, q core.Query) (int, error) {
	if err := e.readable(ctx); err != nil {
		return 0, err
	}
	metrics.QueriesTotal.WithLabelValues("count").Inc()
	return e.Store.Count(q)
}

// GetAll evaluates the queries concurrently. Result i answers query i. If any
// query fails the whole batch fails with that error.
func (e *Engine) GetAll(ctx context.Context, queries []core.Query) ([][]int64, error) {
	if err := e.readable(ctx); err != nil {
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues("batch").Inc()

	results := make([][]int64, len(queries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.QueryConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			ids, err := e.Store.Get(q)
			if err != nil {
				return fmt.Errorf("query %d %s: %w", i, q, err)
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetMetadata returns the aggregate of (source, graph).
func (e *Engine) GetMetadata(ctx context.Context, source int64, graph string) (core.Metadata, error) {
	if err := e.readable(ctx); err != nil {
		return core.Metadata{}, err
	}
	metrics.QueriesTotal.WithLabelValues("metadata").Inc()
	return e.Store.GetMetadata(source, graph)
}

func (e *Engine) readable(ctx context.Context) error {
	if e.isClosed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func queryKind(q core.Query) string {
	switch {
	case q.Source != nil && q.Destination != nil:
		return "point"
	case q.Source != nil:
		return "forward"
	default:
		return "backward"
	}
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	WriteMode     WriteMode      `json:"write_mode"`
	LiveEdges     map[string]int `json:"live_edges"`
	PendingWrites int64          `json:"pending_writes"`
	DirtyWrites   int64          `json:"dirty_writes"`
	AOFSize       int64          `json:"aof_size_bytes"`
	LastSave      time.Time      `json:"last_save"`
}

// Stats reports counters used by the health and system endpoints.
func (e *Engine) Stats() Stats {
	s := Stats{
		WriteMode:   e.opts.WriteMode,
		LiveEdges:   e.Store.LiveByGraph(),
		DirtyWrites: e.dirtyCounter.Load(),
		LastSave:    time.Unix(0, e.lastSaveTime.Load()),
	}
	if e.queue != nil {
		s.PendingWrites = e.queue.pending.Load()
	}
	if size, err := e.AOF.Size(); err == nil {
		s.AOFSize = size
	}
	return s
}
