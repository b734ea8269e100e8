package mcp

// --- Tool Arguments ---

type EdgeArgs struct {
	SourceID      int64  `json:"source_id" jsonschema:"Node id at the tail of the edge"`
	Graph         string `json:"graph" jsonschema:"Graph (relation) name, e.g. 'follow'"`
	DestinationID int64  `json:"destination_id" jsonschema:"Node id at the head of the edge"`
}

type EdgeWriteResult struct {
	Status string `json:"status"`
}

type GetEdgesArgs struct {
	SourceID      *int64 `json:"source_id,omitempty" jsonschema:"Source node id. Omit to find every source pointing at destination_id"`
	Graph         string `json:"graph" jsonschema:"Graph (relation) name"`
	DestinationID *int64 `json:"destination_id,omitempty" jsonschema:"Destination node id. Omit to list every destination of source_id"`
	Cursor        string `json:"cursor,omitempty" jsonschema:"Opaque cursor returned by a previous call"`
	Limit         int    `json:"limit,omitempty" jsonschema:"Max number of ids (default 100)"`
}

type GetEdgesResult struct {
	IDs        []int64 `json:"ids"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

type NodeArgs struct {
	SourceID int64  `json:"source_id" jsonschema:"Node id"`
	Graph    string `json:"graph" jsonschema:"Graph (relation) name"`
}

type MetadataResult struct {
	State     string `json:"state"`
	Count     int    `json:"count"`
	UpdatedAt string `json:"updated_at"`
}

type CountArgs struct {
	NodeID    int64  `json:"node_id" jsonschema:"Node id"`
	Graph     string `json:"graph" jsonschema:"Graph (relation) name"`
	Direction string `json:"direction,omitempty" jsonschema:"'out' counts outgoing edges, 'in' incoming. Default 'out'"`
}

type CountResult struct {
	Count int `json:"count"`
}
