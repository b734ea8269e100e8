package server

import (
	"time"

	"github.com/sanonone/flockstore/pkg/core"
)

// EdgeRequest is the body of POST and DELETE /edges.
type EdgeRequest struct {
	SourceID      *int64 `json:"source_id"`
	Graph         string `json:"graph"`
	DestinationID *int64 `json:"destination_id"`
	// UpdatedAt optionally stamps the write (RFC 3339). Retries with the
	// same stamp are idempotent and older stamps lose to newer ones.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (r EdgeRequest) edge() (core.Edge, error) {
	if r.SourceID == nil || r.DestinationID == nil || r.Graph == "" {
		return core.Edge{}, core.ErrInvalidQuery
	}
	return core.Edge{SourceID: *r.SourceID, Graph: r.Graph, DestinationID: *r.DestinationID}, nil
}

// QueryRequest is one element of a batch. A null endpoint is a wildcard.
type QueryRequest struct {
	SourceID      *int64 `json:"source_id"`
	Graph         string `json:"graph"`
	DestinationID *int64 `json:"destination_id"`
}

func (q QueryRequest) query() core.Query {
	return core.Query{Source: q.SourceID, Graph: q.Graph, Destination: q.DestinationID}
}

// BatchQueryRequest is the body of POST /edges/query.
type BatchQueryRequest struct {
	Queries []QueryRequest `json:"queries"`
}

// BatchQueryResponse holds one id list per query, in request order.
type BatchQueryResponse struct {
	Results [][]int64 `json:"results"`
}

// CountResponse is returned by the count route.
type CountResponse struct {
	Count int `json:"count"`
}

// MetadataResponse is returned by the metadata route.
type MetadataResponse struct {
	SourceID  int64     `json:"source_id"`
	Graph     string    `json:"graph"`
	StateID   uint8     `json:"state_id"`
	State     string    `json:"state"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newMetadataResponse(m core.Metadata) MetadataResponse {
	return MetadataResponse{
		SourceID:  m.SourceID,
		Graph:     m.Graph,
		StateID:   uint8(m.State),
		State:     m.State.String(),
		Count:     m.Count,
		UpdatedAt: m.UpdatedAt,
	}
}

// TaskResponse is returned when a maintenance task is started.
type TaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
