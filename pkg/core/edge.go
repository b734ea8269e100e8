package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidQuery is returned for queries that wildcard both endpoints or
	// omit the graph name.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNotFound is returned when metadata is requested for a (source, graph)
	// pair that has never been written.
	ErrNotFound = errors.New("not found")
	// ErrUnknownGraph is returned when a graph allowlist is configured and the
	// requested graph is not part of it.
	ErrUnknownGraph = errors.New("unknown graph")
)

// State is the lifecycle marker of an edge row or of a (source, graph) pair.
// The ordinals are part of the wire format and must not be reordered.
type State uint8

const (
	StateNormal State = iota
	StateRemoved
	StateArchived
	StateNegative
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateRemoved:
		return "removed"
	case StateArchived:
		return "archived"
	case StateNegative:
		return "negative"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseState accepts either the name ("archived") or the ordinal ("2").
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "0":
		return StateNormal, nil
	case "removed", "1":
		return StateRemoved, nil
	case "archived", "2":
		return StateArchived, nil
	case "negative", "3":
		return StateNegative, nil
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Edge is a directed relation instance (source, graph, destination).
type Edge struct {
	SourceID      int64  `json:"source_id"`
	Graph         string `json:"graph"`
	DestinationID int64  `json:"destination_id"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d -[%s]-> %d", e.SourceID, e.Graph, e.DestinationID)
}

// Metadata aggregates the edge set of a (source, graph) pair.
type Metadata struct {
	SourceID  int64     `json:"source_id"`
	Graph     string    `json:"graph"`
	State     State     `json:"state_id"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Query selects edges of one graph. A nil endpoint is a wildcard.
type Query struct {
	Source      *int64 `json:"source_id"`
	Graph       string `json:"graph"`
	Destination *int64 `json:"destination_id"`
}

// ID returns a pointer to v, for building queries inline.
func ID(v int64) *int64 {
	return &v
}

// Validate rejects queries without a graph or with both endpoints wildcarded.
func (q Query) Validate() error {
	if q.Graph == "" {
		return fmt.Errorf("%w: graph name is required", ErrInvalidQuery)
	}
	if q.Source == nil && q.Destination == nil {
		return fmt.Errorf("%w: source and destination cannot both be wildcards", ErrInvalidQuery)
	}
	return nil
}

func (q Query) String() string {
	end := func(p *int64) string {
		if p == nil {
			return "*"
		}
		return strconv.FormatInt(*p, 10)
	}
	return fmt.Sprintf("(%s, %s, %s)", end(q.Source), q.Graph, end(q.Destination))
}

// Op identifies a mutation kind.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpRemove
	OpArchive
	OpUnarchive
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpArchive:
		return "archive"
	case OpUnarchive:
		return "unarchive"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Mutation is a stamped write. For OpArchive and OpUnarchive only
// Edge.SourceID and Edge.Graph are meaningful.
type Mutation struct {
	Op   Op
	Edge Edge
	// At is the write stamp in unix nanoseconds. Later stamps win.
	At int64
}

// Page bounds a Select call. A zero Limit means no limit.
type Page struct {
	Cursor string
	Limit  int
}

// Result is one page of node ids. NextCursor is empty on the last page.
type Result struct {
	IDs        []int64 `json:"ids"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Row is a forward edge row as stored in snapshots.
type Row struct {
	Edge     Edge
	Position int64
	State    State
	At       int64
}

// PairState is the persisted lifecycle of a tracked (source, graph) pair.
type PairState struct {
	SourceID  int64
	Graph     string
	State     State
	StateAt   int64
	UpdatedAt int64
}
