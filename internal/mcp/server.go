// Package mcp exposes the edge store as Model Context Protocol tools.
package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/flockstore/pkg/engine"
)

func NewMCPServer(eng *engine.Engine) *mcp.Server {
	service := NewService(eng)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "flockstore",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "add_edge",
		Description: "Record a directed edge source_id -> destination_id in a graph. Adding an existing edge is a no-op.",
	}, service.AddEdge)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "remove_edge",
		Description: "Delete a directed edge. Removing a missing edge is a no-op.",
	}, service.RemoveEdge)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_edges",
		Description: "Look up edges. Give both ids to test one edge, or one id to list the other side newest first, with paging.",
	}, service.GetEdges)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_metadata",
		Description: "Return the state, live edge count and last update time of a source node in a graph.",
	}, service.GetMetadata)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "count_edges",
		Description: "Count the live outgoing or incoming edges of a node.",
	}, service.CountEdges)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "archive_node",
		Description: "Hide every outgoing edge of a source node in a graph without deleting it.",
	}, service.ArchiveNode)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "unarchive_node",
		Description: "Restore the edges hidden by archive_node.",
	}, service.UnarchiveNode)

	return s
}

// NewHandler serves the tools over streamable HTTP.
func NewHandler(eng *engine.Engine) http.Handler {
	s := NewMCPServer(eng)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
}
