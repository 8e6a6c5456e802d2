package domain

import (
	"strings"
	"time"
)

// Role classifies an organization relative to the ingredient
type Role string

const (
	// RoleBuyer is a finished-dosage manufacturer that buys the API
	RoleBuyer Role = "buyer"
	// RoleManufacturer produces and supplies the API itself
	RoleManufacturer Role = "manufacturer"
)

// Roles lists every role in storage order
var Roles = []Role{RoleBuyer, RoleManufacturer}

// ParseRole maps user input to a Role. Empty input yields an empty role (both).
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "buyer", "buyers":
		return RoleBuyer, true
	case "manufacturer", "manufacturers", "supplier", "suppliers":
		return RoleManufacturer, true
	default:
		return "", false
	}
}

// Includes reports whether a query for r covers other. Empty r covers both.
func (r Role) Includes(other Role) bool {
	return r == "" || r == other
}

// SourceKind identifies the payload shape an adapter produces
type SourceKind string

const (
	KindCatalogRow    SourceKind = "catalog_row"
	KindLLMTable      SourceKind = "llm_table"
	KindSearchSnippet SourceKind = "search_snippet"
)

// Query is one aggregation request
type Query struct {
	API     string `json:"api_name"`
	Country string `json:"country,omitempty"`
	Role    Role   `json:"role,omitempty"`
}

// Roles expands the query role into the concrete roles it covers
func (q Query) Roles() []Role {
	if q.Role == "" {
		return Roles
	}
	return []Role{q.Role}
}

// RawEvidence is one source's unprocessed answer to one query.
// Text carries free-form payloads (LLM answers), Fields carries structured ones
// (catalog rows, search hits).
type RawEvidence struct {
	Source     string            `json:"source"`
	Kind       SourceKind        `json:"kind"`
	Role       Role              `json:"role,omitempty"`
	API        string            `json:"api"`
	Country    string            `json:"country,omitempty"`
	Text       string            `json:"text,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	URL        string            `json:"url,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Field returns a structured payload value, trimmed
func (e RawEvidence) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return strings.TrimSpace(e.Fields[name])
}
