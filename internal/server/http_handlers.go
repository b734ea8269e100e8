package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/engine"
)

// maxBodyBytes bounds request bodies; batch queries are the largest.
const maxBodyBytes = 4 << 20

// registerHTTPHandlers sets up the REST routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	// --- Edges ---
	mux.HandleFunc("POST /edges", s.withRateLimit(s.limiter, s.handleEdgeAdd))
	mux.HandleFunc("DELETE /edges", s.withRateLimit(s.limiter, s.handleEdgeRemove))
	mux.HandleFunc("GET /edges", s.handleEdgeGet)
	mux.HandleFunc("POST /edges/query", s.handleEdgeQuery)

	// --- Per-node aggregates and lifecycle ---
	mux.HandleFunc("GET /graphs/{graph}/nodes/{id}/metadata", s.handleMetadata)
	mux.HandleFunc("GET /graphs/{graph}/nodes/{id}/count", s.handleCount)
	mux.HandleFunc("POST /graphs/{graph}/nodes/{id}/archive", s.withRateLimit(s.limiter, s.handleArchive))
	mux.HandleFunc("POST /graphs/{graph}/nodes/{id}/unarchive", s.withRateLimit(s.limiter, s.handleUnarchive))

	// --- System ---
	mux.HandleFunc("POST /system/converge", s.handleConverge)
	mux.HandleFunc("POST /system/save", s.handleSave)
	mux.HandleFunc("POST /system/aof-rewrite", s.handleAOFRewrite)
	mux.HandleFunc("POST /system/vacuum", s.handleVacuum)
	mux.HandleFunc("GET /system/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /system/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	// --- Debug ---
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
}

// --- Edge handlers ---

func (s *Server) handleEdgeAdd(w http.ResponseWriter, r *http.Request) {
	s.handleEdgeWrite(w, r, core.OpAdd)
}

func (s *Server) handleEdgeRemove(w http.ResponseWriter, r *http.Request) {
	s.handleEdgeWrite(w, r, core.OpRemove)
}

func (s *Server) handleEdgeWrite(w http.ResponseWriter, r *http.Request, op core.Op) {
	var req EdgeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	edge, err := req.edge()
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "source_id, graph and destination_id are required")
		return
	}

	m := core.Mutation{Op: op, Edge: edge}
	if req.UpdatedAt != nil {
		m.At = req.UpdatedAt.UnixNano()
	}
	if err := s.Engine.Write(r.Context(), m); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleEdgeGet serves point checks and paged enumerations. A missing or
// "null" source_id/destination_id is a wildcard.
func (s *Server) handleEdgeGet(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	src, err := optionalID(params.Get("source_id"))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid source_id: "+err.Error())
		return
	}
	dst, err := optionalID(params.Get("destination_id"))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid destination_id: "+err.Error())
		return
	}

	page := core.Page{Cursor: params.Get("cursor")}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeHTTPError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		page.Limit = limit
	}

	q := core.Query{Source: src, Graph: params.Get("graph"), Destination: dst}
	res, err := s.Engine.Select(r.Context(), q, page)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, res)
}

func (s *Server) handleEdgeQuery(w http.ResponseWriter, r *http.Request) {
	var req BatchQueryRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	queries := make([]core.Query, len(req.Queries))
	for i, q := range req.Queries {
		queries[i] = q.query()
	}
	results, err := s.Engine.GetAll(r.Context(), queries)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, BatchQueryResponse{Results: results})
}

// --- Node handlers ---

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	graph, id, ok := s.nodePath(w, r)
	if !ok {
		return
	}
	meta, err := s.Engine.GetMetadata(r.Context(), id, graph)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, newMetadataResponse(meta))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	graph, id, ok := s.nodePath(w, r)
	if !ok {
		return
	}
	q := core.Query{Source: &id, Graph: graph}
	switch r.URL.Query().Get("direction") {
	case "", "out":
	case "in":
		q = core.Query{Graph: graph, Destination: &id}
	default:
		s.writeHTTPError(w, http.StatusBadRequest, "direction must be 'out' or 'in'")
		return
	}
	n, err := s.Engine.Count(r.Context(), q)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	graph, id, ok := s.nodePath(w, r)
	if !ok {
		return
	}
	if err := s.Engine.Archive(r.Context(), id, graph); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	graph, id, ok := s.nodePath(w, r)
	if !ok {
		return
	}
	if err := s.Engine.Unarchive(r.Context(), id, graph); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

// --- System handlers ---

func (s *Server) handleConverge(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Converge(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	task := s.taskManager.Run("snapshot", s.Engine.SaveSnapshot)
	s.writeHTTPResponse(w, http.StatusAccepted, TaskResponse{TaskID: task.ID(), Status: string(TaskStatusStarted)})
}

func (s *Server) handleAOFRewrite(w http.ResponseWriter, r *http.Request) {
	task := s.taskManager.Run("aof-rewrite", s.Engine.RewriteAOF)
	s.writeHTTPResponse(w, http.StatusAccepted, TaskResponse{TaskID: task.ID(), Status: string(TaskStatusStarted)})
}

func (s *Server) handleVacuum(w http.ResponseWriter, r *http.Request) {
	purged := s.Engine.Vacuum()
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"purged": purged})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, found := s.taskManager.GetTask(r.PathValue("id"))
	if !found {
		s.writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.View())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.Engine.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

// nodePath extracts {graph} and {id} from the route.
func (s *Server) nodePath(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("invalid node id %q", r.PathValue("id")))
		return "", 0, false
	}
	return r.PathValue("graph"), id, true
}

func optionalID(v string) (*int64, error) {
	if v == "" || v == "null" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeEngineError maps engine and store errors to status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidQuery), errors.Is(err, core.ErrUnknownGraph):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrConvergenceTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeHTTPError(w, status, err.Error())
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
