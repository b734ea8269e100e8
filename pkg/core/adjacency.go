package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/btree"
)

// orderKey positions a peer inside an adjacency list.
// Lists are ordered newest first: higher position, then higher peer id.
type orderKey struct {
	pos  int64
	peer int64
}

func orderLess(a, b orderKey) bool {
	if a.pos != b.pos {
		return a.pos > b.pos
	}
	return a.peer > b.peer
}

func (k orderKey) cursor() string {
	return strconv.FormatInt(k.pos, 10) + ":" + strconv.FormatInt(k.peer, 10)
}

func parseCursor(c string) (orderKey, error) {
	pos, peer, ok := strings.Cut(c, ":")
	if !ok {
		return orderKey{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidQuery, c)
	}
	p, err := strconv.ParseInt(pos, 10, 64)
	if err != nil {
		return orderKey{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidQuery, c)
	}
	id, err := strconv.ParseInt(peer, 10, 64)
	if err != nil {
		return orderKey{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidQuery, c)
	}
	return orderKey{pos: p, peer: id}, nil
}

// row is one direction of an edge. Removed rows are kept as tombstones
// until vacuumed so that stale writes cannot bring them back.
type row struct {
	pos   int64
	state State
	at    int64
}

// wins reports whether a write (state, at) replaces a row last written at
// prevAt with prevState. Removals win ties.
func wins(state State, at int64, prevState State, prevAt int64) bool {
	if at != prevAt {
		return at > prevAt
	}
	return state == StateRemoved && prevState != StateRemoved
}

// adjacency is the edge list of one (node, graph) in one direction.
// The pair lifecycle fields are only meaningful on forward lists.
type adjacency struct {
	rows  map[int64]*row
	order *btree.BTreeG[orderKey]
	live  int

	tracked   bool
	state     State
	stateAt   int64
	updatedAt int64
}

func newAdjacency() *adjacency {
	return &adjacency{
		rows:  make(map[int64]*row),
		order: btree.NewBTreeG[orderKey](orderLess),
	}
}

// apply writes (state, at) to the row for peer under last-writer-wins.
// It returns the change in live rows, the previous state of the row and
// whether the write was accepted.
func (a *adjacency) apply(peer int64, state State, at int64) (int, State, bool) {
	r, ok := a.rows[peer]
	if !ok {
		// A missing row behaves like a tombstone stamped at the beginning of time.
		r = &row{pos: at, state: StateRemoved}
		a.rows[peer] = r
		a.order.Set(orderKey{pos: r.pos, peer: peer})
	} else if !wins(state, at, r.state, r.at) {
		return 0, r.state, false
	} else if r.state == StateRemoved && state != StateRemoved {
		// re-added edges move to the front of the list
		a.order.Delete(orderKey{pos: r.pos, peer: peer})
		r.pos = at
		a.order.Set(orderKey{pos: r.pos, peer: peer})
	}

	prev := r.state
	delta := 0
	if prev == StateNormal {
		delta--
	}
	if state == StateNormal {
		delta++
	}
	r.state = state
	r.at = at
	a.live += delta
	return delta, prev, true
}

// transition moves the row for peer from one live state to another, used by
// archive and unarchive. Rows in any other state, or written after at, are
// left alone.
func (a *adjacency) transition(peer int64, from, to State, at int64) int {
	r, ok := a.rows[peer]
	if !ok || r.state != from || r.at > at {
		return 0
	}
	delta := 0
	if from == StateNormal {
		delta--
	}
	if to == StateNormal {
		delta++
	}
	r.state = to
	r.at = at
	a.live += delta
	return delta
}

// mirror copies a transition already applied to the forward row onto the
// backward row, creating it at the forward position if the edge's own
// backward write has not landed yet. Rows written after at are kept.
func (a *adjacency) mirror(peer, pos int64, state State, at int64) {
	r, ok := a.rows[peer]
	if ok && r.at > at {
		return
	}
	if !ok {
		r = &row{pos: pos, state: StateRemoved}
		a.rows[peer] = r
		a.order.Set(orderKey{pos: pos, peer: peer})
	} else if r.pos != pos {
		a.order.Delete(orderKey{pos: r.pos, peer: peer})
		r.pos = pos
		a.order.Set(orderKey{pos: pos, peer: peer})
	}
	if r.state == StateNormal {
		a.live--
	}
	if state == StateNormal {
		a.live++
	}
	r.state = state
	r.at = at
}

// restore inserts a row verbatim, bypassing last-writer-wins. Used when
// loading snapshots into an empty store.
func (a *adjacency) restore(peer int64, pos int64, state State, at int64) {
	if old, ok := a.rows[peer]; ok {
		a.order.Delete(orderKey{pos: old.pos, peer: peer})
		if old.state == StateNormal {
			a.live--
		}
	}
	a.rows[peer] = &row{pos: pos, state: state, at: at}
	a.order.Set(orderKey{pos: pos, peer: peer})
	if state == StateNormal {
		a.live++
	}
}

func (a *adjacency) touch(at int64) {
	a.tracked = true
	if at > a.updatedAt {
		a.updatedAt = at
	}
}

// scan visits live peers in list order, starting strictly after the cursor
// key when one is given. It stops when fn returns false.
func (a *adjacency) scan(after *orderKey, fn func(k orderKey) bool) {
	iter := func(k orderKey) bool {
		if after != nil && k == *after {
			return true
		}
		if r := a.rows[k.peer]; r == nil || r.state != StateNormal {
			return true
		}
		return fn(k)
	}
	if after != nil {
		a.order.Ascend(*after, iter)
		return
	}
	a.order.Scan(iter)
}

// vacuum drops tombstones written before the given stamp.
func (a *adjacency) vacuum(before int64) int {
	purged := 0
	for peer, r := range a.rows {
		if r.state == StateRemoved && r.at < before {
			a.order.Delete(orderKey{pos: r.pos, peer: peer})
			delete(a.rows, peer)
			purged++
		}
	}
	return purged
}

func (a *adjacency) empty() bool {
	return len(a.rows) == 0 && !a.tracked
}
