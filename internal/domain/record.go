package domain

import (
	"sort"
	"strings"
	"time"
)

// Attributes are the optional descriptive fields of a candidate or record
type Attributes struct {
	Form               string `json:"form,omitempty"`
	Strength           string `json:"strength,omitempty"`
	ProductName        string `json:"product_name,omitempty"`
	USDMF              string `json:"usdmf,omitempty"`
	CEP                string `json:"cep,omitempty"`
	AdditionalInfo     string `json:"additional_info,omitempty"`
	VerificationSource string `json:"verification_source,omitempty"`
}

// FillFrom copies every field of other into a that a leaves empty.
// Populated fields of a are never overwritten.
func (a Attributes) FillFrom(other Attributes) Attributes {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&a.Form, other.Form)
	fill(&a.Strength, other.Strength)
	fill(&a.ProductName, other.ProductName)
	fill(&a.USDMF, other.USDMF)
	fill(&a.CEP, other.CEP)
	fill(&a.AdditionalInfo, other.AdditionalInfo)
	fill(&a.VerificationSource, other.VerificationSource)
	return a
}

// HasRegistration reports whether a USDMF or CEP reference is known
func (a Attributes) HasRegistration() bool {
	return a.USDMF != "" || a.CEP != ""
}

// Candidate is a normalized, source-attributed claim about one organization
type Candidate struct {
	Role               Role       `json:"role"`
	API                string     `json:"api"`
	Country            string     `json:"country"`
	Company            string     `json:"company"`
	Attributes         Attributes `json:"attributes"`
	SourceName         string     `json:"source_name"`
	SourceKind         SourceKind `json:"source_kind"`
	SourceURL          string     `json:"source_url,omitempty"`
	SourceFile         string     `json:"source_file,omitempty"`
	ReportedConfidence int        `json:"reported_confidence,omitempty"`
	Excerpt            string     `json:"excerpt,omitempty"`
	ObservedAt         time.Time  `json:"observed_at"`
}

// CompanyKey is the identity form of the company name
func (c Candidate) CompanyKey() string {
	return EntityKey(c.Company)
}

// Identity is the merge key of the candidate
func (c Candidate) Identity() Identity {
	return Identity{Role: c.Role, API: c.API, Country: c.Country, CompanyKey: c.CompanyKey()}
}

// ScoredCandidate is a candidate with its confidence contribution and score
type ScoredCandidate struct {
	Candidate
	Contribution int `json:"contribution"`
	Score        int `json:"score"`
}

// SourceRef is one contributing source of a merged record
type SourceRef struct {
	Name         string     `json:"name"`
	Kind         SourceKind `json:"kind"`
	URL          string     `json:"url,omitempty"`
	Contribution int        `json:"contribution"`
}

// Identity is the uniqueness key of a merged record: role plus the identity
// triple (api, country, company).
type Identity struct {
	Role       Role
	API        string
	Country    string
	CompanyKey string
}

// String renders the identity for map keys and logs
func (id Identity) String() string {
	return string(id.Role) + "|" + id.API + "|" + id.Country + "|" + id.CompanyKey
}

// MergedRecord is the persisted unit of truth for one identity triple
type MergedRecord struct {
	Role       Role        `json:"role"`
	API        string      `json:"api"`
	Country    string      `json:"country"`
	Company    string      `json:"company"`
	CompanyKey string      `json:"-"`
	Confidence int         `json:"confidence"`
	Sources    []SourceRef `json:"sources"`
	Attributes Attributes  `json:"attributes"`
	URL        string      `json:"url,omitempty"`
	SourceFile string      `json:"source_file,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Identity returns the record's uniqueness key
func (r MergedRecord) Identity() Identity {
	key := r.CompanyKey
	if key == "" {
		key = EntityKey(r.Company)
	}
	return Identity{Role: r.Role, API: r.API, Country: r.Country, CompanyKey: key}
}

// SourceNames returns the sorted names of contributing sources
func (r MergedRecord) SourceNames() []string {
	names := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// SortRecords orders records the way the store returns them: confidence
// descending, then company key, then country.
func SortRecords(records []MergedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Confidence != records[j].Confidence {
			return records[i].Confidence > records[j].Confidence
		}
		ki, kj := records[i].Identity().CompanyKey, records[j].Identity().CompanyKey
		if ki != kj {
			return ki < kj
		}
		return records[i].Country < records[j].Country
	})
}

// DisplayName trims and collapses internal whitespace, keeping casing
func DisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EntityKey is the case-insensitive, whitespace-normalized identity of a name.
// No fuzzy matching: "Acme Corp" and "Acme Corporation" stay distinct.
func EntityKey(s string) string {
	return strings.ToLower(DisplayName(s))
}

// ScopeKey normalizes an API or country value for storage and lookup
func ScopeKey(s string) string {
	return strings.ToLower(DisplayName(s))
}
