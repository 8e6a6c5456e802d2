package usecase

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/pharmalens/backend/internal/domain"
)

// Scoring bonuses
const (
	maxConfidence      = 100
	registrationBonus  = 5  // USDMF or CEP reference present
	trustedDomainBonus = 5  // source URL on a regulator or pharma directory
	reportedHighBonus  = 5  // source itself reports >= reportedHighCutoff
	apiMentionBonus    = 5  // excerpt names the ingredient
	maxSignalBonus     = 15 // signals add at most this much on top of the tier base
	reportedHighCutoff = 90
	defaultIncrement   = 10
)

// trustedDomains are regulators and pharmaceutical directories
var trustedDomains = []string{
	"1mg.com", "netmeds.com", "apollo247.com", "drugs.com", "goodrx.com",
	"fda.gov", "cdsco.gov.in", "ema.europa.eu", "edqm.eu", "pharmacompass.com",
	"pharmaoffer.com", "medindia.net", "tabletwise.net", "pharmeasy.in",
	"medplusmart.com", "apteka.ru", "zdravcity.ru", "piluli.ru",
}

// TierTable is the source reliability configuration.
// Sources map a source name to a tier; unknown sources fall back to the
// default tier of their kind.
type TierTable struct {
	Increment   int               `toml:"increment"`
	Tiers       map[string]int    `toml:"tiers"`
	DefaultTier map[string]string `toml:"default_tier"`
	Sources     map[string]string `toml:"sources"`
}

// DefaultTierTable ranks catalog > language model > search snippet
func DefaultTierTable() TierTable {
	return TierTable{
		Increment: defaultIncrement,
		Tiers: map[string]int{
			"catalog": 70,
			"llm":     50,
			"search":  35,
		},
		DefaultTier: map[string]string{
			string(domain.KindCatalogRow):    "catalog",
			string(domain.KindLLMTable):      "llm",
			string(domain.KindSearchSnippet): "search",
		},
		Sources: map[string]string{},
	}
}

// LoadTierTable reads a TOML tier table and overlays it on the defaults
func LoadTierTable(path string) (TierTable, error) {
	table := DefaultTierTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("read tier table: %w", err)
	}

	var file TierTable
	if err := toml.Unmarshal(data, &file); err != nil {
		return table, fmt.Errorf("parse tier table %s: %w", path, err)
	}

	if file.Increment > 0 {
		table.Increment = file.Increment
	}
	for k, v := range file.Tiers {
		if v < 0 || v > maxConfidence {
			return table, fmt.Errorf("tier %q base %d outside 0-100", k, v)
		}
		table.Tiers[k] = v
	}
	for k, v := range file.DefaultTier {
		table.DefaultTier[k] = v
	}
	for k, v := range file.Sources {
		table.Sources[k] = v
	}

	for name, tier := range table.Sources {
		if _, ok := table.Tiers[tier]; !ok {
			return table, fmt.Errorf("source %q references unknown tier %q", name, tier)
		}
	}
	return table, nil
}

// Scorer assigns confidence to candidates
type Scorer struct {
	table TierTable
}

// NewScorer creates a scorer. A positive increment overrides the table's.
func NewScorer(table TierTable, increment int) *Scorer {
	if increment > 0 {
		table.Increment = increment
	}
	if table.Increment <= 0 {
		table.Increment = defaultIncrement
	}
	return &Scorer{table: table}
}

// Increment is the corroboration step
func (s *Scorer) Increment() int {
	return s.table.Increment
}

// Base returns the tier base score of a source
func (s *Scorer) Base(source string, kind domain.SourceKind) int {
	if tier, ok := s.table.Sources[source]; ok {
		return s.table.Tiers[tier]
	}
	if tier, ok := s.table.DefaultTier[string(kind)]; ok {
		return s.table.Tiers[tier]
	}
	return 0
}

// Contribution is one source's standalone confidence for a candidate:
// tier base plus textual signal bonus, capped at 100.
func (s *Scorer) Contribution(c domain.Candidate) int {
	bonus := 0
	if c.Attributes.HasRegistration() {
		bonus += registrationBonus
	}
	if isTrustedURL(c.SourceURL) {
		bonus += trustedDomainBonus
	}
	if c.ReportedConfidence >= reportedHighCutoff {
		bonus += reportedHighBonus
	}
	if c.API != "" && strings.Contains(strings.ToLower(c.Excerpt), c.API) {
		bonus += apiMentionBonus
	}
	if bonus > maxSignalBonus {
		bonus = maxSignalBonus
	}
	return capConfidence(s.Base(c.SourceName, c.SourceKind) + bonus)
}

// Combine is the corroboration rule: the strongest contribution plus a fixed
// increment for each further independent source, capped at 100.
func (s *Scorer) Combine(maxContribution, sources int) int {
	if sources < 1 {
		sources = 1
	}
	return capConfidence(maxContribution + s.table.Increment*(sources-1))
}

// Score scores a candidate seen by corroboration independent sources
func (s *Scorer) Score(c domain.Candidate, corroboration int) domain.ScoredCandidate {
	contribution := s.Contribution(c)
	return domain.ScoredCandidate{
		Candidate:    c,
		Contribution: contribution,
		Score:        s.Combine(contribution, corroboration),
	}
}

// ScoreBatch scores a merge batch. Corroboration counts distinct source names
// per identity triple within the batch.
func (s *Scorer) ScoreBatch(candidates []domain.Candidate) []domain.ScoredCandidate {
	sources := make(map[string]map[string]struct{})
	for _, c := range candidates {
		key := c.Identity().String()
		if sources[key] == nil {
			sources[key] = make(map[string]struct{})
		}
		sources[key][c.SourceName] = struct{}{}
	}

	out := make([]domain.ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, s.Score(c, len(sources[c.Identity().String()])))
	}
	return out
}

func isTrustedURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range trustedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func capConfidence(v int) int {
	if v > maxConfidence {
		return maxConfidence
	}
	if v < 0 {
		return 0
	}
	return v
}
