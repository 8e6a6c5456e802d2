package usecase

import (
	"fmt"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// countryAliases maps common abbreviations to the stored country name
var countryAliases = map[string]string{
	"us":     "united states",
	"usa":    "united states",
	"u.s.":   "united states",
	"u.s.a.": "united states",
	"uk":     "united kingdom",
	"u.k.":   "united kingdom",
	"uae":    "united arab emirates",
	"prc":    "china",
}

// QueryPreprocessor cleans user input into a normalized domain.Query
type QueryPreprocessor struct {
	log *logger.Logger
}

// NewQueryPreprocessor creates a new query preprocessor
func NewQueryPreprocessor(log *logger.Logger) *QueryPreprocessor {
	return &QueryPreprocessor{log: log}
}

// Prepare validates and normalizes a query. The API name is required.
func (p *QueryPreprocessor) Prepare(api, country string, role domain.Role) (domain.Query, error) {
	cleaned := p.CleanAPI(api)
	if cleaned == "" {
		return domain.Query{}, fmt.Errorf("%w: api name is required", domain.ErrInvalidRequest)
	}

	q := domain.Query{
		API:     cleaned,
		Country: NormalizeCountry(country),
		Role:    role,
	}
	if p.log != nil && cleaned != domain.ScopeKey(api) {
		p.log.Debug("query preprocessed", "input", api, "api", q.API, "country", q.Country)
	}
	return q, nil
}

// CleanAPI strips strengths, grades and dosage words from an ingredient name
func (p *QueryPreprocessor) CleanAPI(api string) string {
	return domain.APIKey(api)
}

// NormalizeCountry lowercases and collapses a country and resolves aliases.
// Empty input means "any country".
func NormalizeCountry(country string) string {
	key := domain.ScopeKey(country)
	if alias, ok := countryAliases[key]; ok {
		return alias
	}
	return key
}
