package engine

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/metrics"
)

// writeQueue applies logged mutations in the background. Mutations of the
// same (source, graph) pair always go to the same worker, so they are applied
// in acceptance order.
type writeQueue struct {
	lanes   []chan queued
	apply   func(core.Mutation)
	pending atomic.Int64
	wg      sync.WaitGroup
}

type queued struct {
	m core.Mutation
	// barrier, when set, is closed by the worker instead of applying m.
	barrier chan struct{}
}

func newWriteQueue(workers, size int, apply func(core.Mutation)) *writeQueue {
	q := &writeQueue{
		lanes: make([]chan queued, workers),
		apply: apply,
	}
	per := size / workers
	if per < 1 {
		per = 1
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan queued, per)
		q.wg.Add(1)
		go q.worker(q.lanes[i])
	}
	return q
}

func (q *writeQueue) worker(lane <-chan queued) {
	defer q.wg.Done()
	for item := range lane {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		q.apply(item.m)
		q.pending.Add(-1)
		metrics.WriteQueueDepth.Dec()
	}
}

func (q *writeQueue) lane(m core.Mutation) chan queued {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(m.Edge.SourceID))
	d := xxhash.New()
	d.Write(buf[:])
	d.WriteString(m.Edge.Graph)
	return q.lanes[d.Sum64()%uint64(len(q.lanes))]
}

// enqueue blocks while the lane is full.
func (q *writeQueue) enqueue(ctx context.Context, m core.Mutation) error {
	q.pending.Add(1)
	metrics.WriteQueueDepth.Inc()
	select {
	case q.lane(m) <- queued{m: m}:
		return nil
	case <-ctx.Done():
		q.pending.Add(-1)
		metrics.WriteQueueDepth.Dec()
		return ctx.Err()
	}
}

// drain waits until every mutation enqueued before the call is applied.
func (q *writeQueue) drain(ctx context.Context) error {
	barriers := make([]chan struct{}, 0, len(q.lanes))
	for _, lane := range q.lanes {
		b := make(chan struct{})
		select {
		case lane <- queued{barrier: b}:
			barriers = append(barriers, b)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// close applies everything still queued and stops the workers.
// No enqueue may run concurrently with or after close.
func (q *writeQueue) close() {
	for _, lane := range q.lanes {
		close(lane)
	}
	q.wg.Wait()
}
