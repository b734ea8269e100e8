package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/engine"
)

const defaultLimit = 100

type Service struct {
	engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// --- Tool Handlers ---

func (s *Service) AddEdge(ctx context.Context, req *mcp.CallToolRequest, args EdgeArgs) (*mcp.CallToolResult, EdgeWriteResult, error) {
	if err := s.engine.Add(ctx, args.SourceID, args.Graph, args.DestinationID); err != nil {
		return nil, EdgeWriteResult{}, err
	}
	return nil, EdgeWriteResult{Status: "added"}, nil
}

func (s *Service) RemoveEdge(ctx context.Context, req *mcp.CallToolRequest, args EdgeArgs) (*mcp.CallToolResult, EdgeWriteResult, error) {
	if err := s.engine.Remove(ctx, args.SourceID, args.Graph, args.DestinationID); err != nil {
		return nil, EdgeWriteResult{}, err
	}
	return nil, EdgeWriteResult{Status: "removed"}, nil
}

func (s *Service) GetEdges(ctx context.Context, req *mcp.CallToolRequest, args GetEdgesArgs) (*mcp.CallToolResult, GetEdgesResult, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	q := core.Query{Source: args.SourceID, Graph: args.Graph, Destination: args.DestinationID}
	res, err := s.engine.Select(ctx, q, core.Page{Cursor: args.Cursor, Limit: limit})
	if err != nil {
		return nil, GetEdgesResult{}, err
	}
	return nil, GetEdgesResult{IDs: res.IDs, NextCursor: res.NextCursor}, nil
}

func (s *Service) GetMetadata(ctx context.Context, req *mcp.CallToolRequest, args NodeArgs) (*mcp.CallToolResult, MetadataResult, error) {
	meta, err := s.engine.GetMetadata(ctx, args.SourceID, args.Graph)
	if err != nil {
		return nil, MetadataResult{}, err
	}
	return nil, MetadataResult{
		State:     meta.State.String(),
		Count:     meta.Count,
		UpdatedAt: meta.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *Service) CountEdges(ctx context.Context, req *mcp.CallToolRequest, args CountArgs) (*mcp.CallToolResult, CountResult, error) {
	id := args.NodeID
	var q core.Query
	switch args.Direction {
	case "", "out":
		q = core.Query{Source: &id, Graph: args.Graph}
	case "in":
		q = core.Query{Graph: args.Graph, Destination: &id}
	default:
		return nil, CountResult{}, fmt.Errorf("direction must be 'out' or 'in', got %q", args.Direction)
	}
	n, err := s.engine.Count(ctx, q)
	if err != nil {
		return nil, CountResult{}, err
	}
	return nil, CountResult{Count: n}, nil
}

func (s *Service) ArchiveNode(ctx context.Context, req *mcp.CallToolRequest, args NodeArgs) (*mcp.CallToolResult, EdgeWriteResult, error) {
	if err := s.engine.Archive(ctx, args.SourceID, args.Graph); err != nil {
		return nil, EdgeWriteResult{}, err
	}
	return nil, EdgeWriteResult{Status: "archived"}, nil
}

func (s *Service) UnarchiveNode(ctx context.Context, req *mcp.CallToolRequest, args NodeArgs) (*mcp.CallToolResult, EdgeWriteResult, error) {
	if err := s.engine.Unarchive(ctx, args.SourceID, args.Graph); err != nil {
		return nil, EdgeWriteResult{}, err
	}
	return nil, EdgeWriteResult{Status: "unarchived"}, nil
}
