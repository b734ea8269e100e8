// Package client provides a Go client for the flockstore HTTP API.
//
// It covers the whole edge API:
//   - Writes (Add, Remove, Archive, Unarchive), optionally stamped.
//   - Reads (Get, Select, GetAll, Count, GetMetadata).
//   - System administration (Converge, Save, RewriteAOF, task status).
//
// The client handles HTTP communication, JSON serialization/deserialization, and
// standardized error handling. Errors returned by the server are *APIError;
// anything else is a transport error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Custom Errors ---

// APIError represents an error returned by the flockstore API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server, e.g. metadata of
// an untracked node.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsInvalidQuery reports whether the server rejected the request as malformed.
func IsInvalidQuery(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest
}

// --- JSON Structs ---

// Page is one page of node ids. NextCursor is empty on the last page.
type Page struct {
	IDs        []int64 `json:"ids"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Query selects edges. A nil endpoint is a wildcard; at most one may be nil.
type Query struct {
	SourceID      *int64 `json:"source_id"`
	Graph         string `json:"graph"`
	DestinationID *int64 `json:"destination_id"`
}

// Metadata is the aggregate of a (source, graph) pair.
type Metadata struct {
	SourceID  int64     `json:"source_id"`
	Graph     string    `json:"graph"`
	StateID   int       `json:"state_id"`
	State     string    `json:"state"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

type edgeBody struct {
	SourceID      int64      `json:"source_id"`
	Graph         string     `json:"graph"`
	DestinationID int64      `json:"destination_id"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Task represents an asynchronous operation on the flockstore server.
type Task struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	client *Client // Reference to the client for polling.
}

// ID returns a pointer to v, for building queries.
func ID(v int64) *int64 {
	return &v
}

// --- Client ---

// Client is the Go client for interacting with flockstore.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client for the server at host:port.
func New(host string, port int) *Client {
	return NewWithURL(fmt.Sprintf("http://%s:%d", host, port))
}

// NewWithURL creates a client for a full base URL such as "http://db:7915".
func NewWithURL(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes a request and decodes the JSON response into out
// (which may be nil).
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil && errResp["error"] != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// --- Edge Methods ---

// Add records source -> destination in graph.
func (c *Client) Add(ctx context.Context, source int64, graph string, destination int64) error {
	return c.jsonRequest(ctx, http.MethodPost, "/edges", edgeBody{SourceID: source, Graph: graph, DestinationID: destination}, nil)
}

// AddAt is Add with an explicit write stamp; retries with the same stamp are idempotent.
func (c *Client) AddAt(ctx context.Context, source int64, graph string, destination int64, at time.Time) error {
	return c.jsonRequest(ctx, http.MethodPost, "/edges", edgeBody{SourceID: source, Graph: graph, DestinationID: destination, UpdatedAt: &at}, nil)
}

// Remove deletes source -> destination from graph.
func (c *Client) Remove(ctx context.Context, source int64, graph string, destination int64) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/edges", edgeBody{SourceID: source, Graph: graph, DestinationID: destination}, nil)
}

// RemoveAt is Remove with an explicit write stamp.
func (c *Client) RemoveAt(ctx context.Context, source int64, graph string, destination int64, at time.Time) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/edges", edgeBody{SourceID: source, Graph: graph, DestinationID: destination, UpdatedAt: &at}, nil)
}

// Get returns every id matching (source, graph, destination), newest first.
// Pass nil for the wildcard side, or both ids for an existence check.
func (c *Client) Get(ctx context.Context, source *int64, graph string, destination *int64) ([]int64, error) {
	var all []int64
	cursor := ""
	for {
		page, err := c.Select(ctx, Query{SourceID: source, Graph: graph, DestinationID: destination}, cursor, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, page.IDs...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if all == nil {
		all = []int64{}
	}
	return all, nil
}

// Select returns one page of ids. A zero limit returns everything.
func (c *Client) Select(ctx context.Context, q Query, cursor string, limit int) (Page, error) {
	params := url.Values{}
	params.Set("graph", q.Graph)
	if q.SourceID != nil {
		params.Set("source_id", strconv.FormatInt(*q.SourceID, 10))
	}
	if q.DestinationID != nil {
		params.Set("destination_id", strconv.FormatInt(*q.DestinationID, 10))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var page Page
	err := c.jsonRequest(ctx, http.MethodGet, "/edges?"+params.Encode(), nil, &page)
	return page, err
}

// GetAll runs several queries in one round trip. Result i answers query i.
func (c *Client) GetAll(ctx context.Context, queries []Query) ([][]int64, error) {
	var resp struct {
		Results [][]int64 `json:"results"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/edges/query", map[string]any{"queries": queries}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Count returns the live out-degree of node in graph, or its in-degree when
// incoming is true.
func (c *Client) Count(ctx context.Context, node int64, graph string, incoming bool) (int, error) {
	direction := "out"
	if incoming {
		direction = "in"
	}
	var resp struct {
		Count int `json:"count"`
	}
	endpoint := fmt.Sprintf("/graphs/%s/nodes/%d/count?direction=%s", url.PathEscape(graph), node, direction)
	err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Count, err
}

// GetMetadata returns the aggregate of (source, graph). Untracked pairs
// return an error for which IsNotFound is true.
func (c *Client) GetMetadata(ctx context.Context, source int64, graph string) (Metadata, error) {
	var meta Metadata
	endpoint := fmt.Sprintf("/graphs/%s/nodes/%d/metadata", url.PathEscape(graph), source)
	err := c.jsonRequest(ctx, http.MethodGet, endpoint, nil, &meta)
	return meta, err
}

// Archive hides all edges of (source, graph).
func (c *Client) Archive(ctx context.Context, source int64, graph string) error {
	endpoint := fmt.Sprintf("/graphs/%s/nodes/%d/archive", url.PathEscape(graph), source)
	return c.jsonRequest(ctx, http.MethodPost, endpoint, nil, nil)
}

// Unarchive restores the edges hidden by Archive.
func (c *Client) Unarchive(ctx context.Context, source int64, graph string) error {
	endpoint := fmt.Sprintf("/graphs/%s/nodes/%d/unarchive", url.PathEscape(graph), source)
	return c.jsonRequest(ctx, http.MethodPost, endpoint, nil, nil)
}

// --- System Methods ---

// Converge blocks until every write acknowledged so far is visible.
func (c *Client) Converge(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/system/converge", nil, nil)
}

// Save starts a snapshot in the background.
func (c *Client) Save(ctx context.Context) (*Task, error) {
	return c.startTask(ctx, "/system/save")
}

// RewriteAOF starts a log compaction in the background.
func (c *Client) RewriteAOF(ctx context.Context) (*Task, error) {
	return c.startTask(ctx, "/system/aof-rewrite")
}

func (c *Client) startTask(ctx context.Context, endpoint string) (*Task, error) {
	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &Task{ID: resp.TaskID, Status: resp.Status, client: c}, nil
}

// GetTaskStatus fetches the current state of a task.
func (c *Client) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.jsonRequest(ctx, http.MethodGet, "/system/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	task.client = c
	return &task, nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updated, err := t.client.GetTaskStatus(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Status = updated.Status
	t.Kind = updated.Kind
	t.Error = updated.Error
	return nil
}

// Wait blocks until the task is completed, checking its status at regular intervals.
func (t *Task) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for task %s: %w", t.ID, ctx.Err())
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
			case "running", "started":
				// Continue waiting.
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}
