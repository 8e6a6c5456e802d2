package domain

// SourceStatus is the outcome of one adapter call within a run
type SourceStatus string

const (
	SourceOK          SourceStatus = "ok"
	SourceUnavailable SourceStatus = "unavailable"
)

// SourceOutcome reports how one adapter fared in a run
type SourceOutcome struct {
	Source     string       `json:"source"`
	Kind       SourceKind   `json:"kind"`
	Status     SourceStatus `json:"status"`
	Evidence   int          `json:"evidence"`
	Candidates int          `json:"candidates"`
	Error      string       `json:"error,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

// SearchResult is the full report of one aggregation run
type SearchResult struct {
	RunID    string          `json:"run_id"`
	Query    Query           `json:"query"`
	Records  []MergedRecord  `json:"records"`
	Sources  []SourceOutcome `json:"sources"`
	Inserted int             `json:"inserted"`
	Updated  int             `json:"updated"`
	Backend  string          `json:"backend"`
}
