package model

// LoadCommand reads one entity, optionally as a diff against Version.
type LoadCommand struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorldID    int64  `json:"worldId"`
	Version    int64  `json:"version,omitempty"`
}

// SaveCommand applies a partial write to one entity.
type SaveCommand struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	WorldID    int64          `json:"worldId"`
	Attributes map[string]any `json:"attributes"`
	IsCreate   bool           `json:"isCreate,omitempty"`
	IsDelete   bool           `json:"isDelete,omitempty"`
}

// SendCommand appends a message to an entity's stream.
type SendCommand struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorldID    int64  `json:"worldId"`
	Message    any    `json:"message"`
}

// RecvCommand reads an entity's stream from Timestamp (ms, 0 = beginning).
type RecvCommand struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorldID    int64  `json:"worldId"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Count      int64  `json:"count,omitempty"`
}

// SearchCommand finds entities by case-insensitive name containment.
type SearchCommand struct {
	EntityType  string `json:"entityType"`
	WorldID     int64  `json:"worldId"`
	NamePattern string `json:"namePattern"`
	Limit       int    `json:"limit,omitempty"`
}

// RankCommand computes one entity's position for a rank key.
type RankCommand struct {
	EntityType string `json:"entityType"`
	WorldID    int64  `json:"worldId"`
	EntityID   string `json:"entityId"`
	RankKey    string `json:"rankKey"`
}

// TopCommand returns the leaderboard for a rank key.
type TopCommand struct {
	EntityType string `json:"entityType"`
	WorldID    int64  `json:"worldId"`
	RankKey    string `json:"rankKey"`
	SortOrder  string `json:"sortOrder,omitempty"` // ASC or DESC (default)
	Limit      int    `json:"limit,omitempty"`
}

// CommandBatch is the closed set of per-type command arrays in one request.
type CommandBatch struct {
	Load   []LoadCommand   `json:"load,omitempty"`
	Save   []SaveCommand   `json:"save,omitempty"`
	Send   []SendCommand   `json:"send,omitempty"`
	Recv   []RecvCommand   `json:"recv,omitempty"`
	Search []SearchCommand `json:"search,omitempty"`
	Rank   []RankCommand   `json:"rank,omitempty"`
	Top    []TopCommand    `json:"top,omitempty"`
}

// IsEmpty reports whether the batch contains no commands.
func (b *CommandBatch) IsEmpty() bool {
	return len(b.Load) == 0 && len(b.Save) == 0 && len(b.Send) == 0 &&
		len(b.Recv) == 0 && len(b.Search) == 0 && len(b.Rank) == 0 && len(b.Top) == 0
}

// GatewayRequest is the authenticated batch envelope.
type GatewayRequest struct {
	Auth            string       `json:"auth"`
	Encrypted       string       `json:"encrypted"`
	Nonce           string       `json:"nonce"`
	WorldInstanceID string       `json:"worldInstanceId"`
	Commands        CommandBatch `json:"commands"`
}

// StreamEntry is one stream log record as returned to clients.
type StreamEntry struct {
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// SaveResult is the per-command outcome of a save. Version is set for
// ephemeral-tier saves; durable-tier saves are accepted fire-and-forget.
type SaveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Version int64  `json:"version,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// SendResult is the per-command outcome of a stream append.
type SendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecvResult is the per-command outcome of a stream pull.
type RecvResult struct {
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	WorldInstanceID string        `json:"worldInstanceId"`
	Data            []StreamEntry `json:"data"`
}

// SearchResult carries the entities matched by one search command.
type SearchResult struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Entities []*Entity `json:"entities"`
}

// RankResult carries one entity's computed rank. Score and Rank are nil when
// the entity does not hold the rank key.
type RankResult struct {
	Success       bool     `json:"success"`
	Error         string   `json:"error,omitempty"`
	Score         *float64 `json:"score"`
	Rank          *int64   `json:"rank"`
	TotalEntities int64    `json:"totalEntities"`
}

// TopResult carries one leaderboard query's entities in rank order.
type TopResult struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Entities []*Entity `json:"entities"`
}

// GatewayResponse mirrors the request: each array is index-aligned with the
// corresponding command array.
type GatewayResponse struct {
	Load   []*Entity      `json:"load,omitempty"`
	Save   []SaveResult   `json:"save,omitempty"`
	Send   []SendResult   `json:"send,omitempty"`
	Recv   []RecvResult   `json:"recv,omitempty"`
	Search []SearchResult `json:"search,omitempty"`
	Rank   []RankResult   `json:"rank,omitempty"`
	Top    []TopResult    `json:"top,omitempty"`
}
