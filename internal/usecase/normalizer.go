package usecase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// Attribute patterns
var (
	// "USDMF No. 12345", "US DMF #21034", "DMF 18573"
	usdmfPattern = regexp.MustCompile(`(?i)\b(?:us\s*)?dmf\s*(?:no\.?|number|#)?\s*:?\s*(\d{3,6})\b`)

	// "R1-CEP 2010-123-Rev 02", "CEP 2004-041"
	cepPattern = regexp.MustCompile(`(?i)\b((?:R\d+-)?CEP\s*\d{4}-\d{1,4}(?:-Rev\s*\d+)?)`)

	formPattern = regexp.MustCompile(`(?i)\b(film[- ]coated tablets?|tablets?|capsules?|injections?|injectables?|syrups?|suspensions?|creams?|gels?|ointments?|sachets?|infusions?|oral solutions?|drops)\b`)

	strengthPattern = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|iu)(?:\s*/\s*\d*\s*(?:ml|g))?\b|\b\d+(?:\.\d+)?\s?%`)

	// Trailing corporate designator on a title segment
	corporateSuffixPattern = regexp.MustCompile(`(?i)\b(pharma|pharmaceuticals?|labs|laboratories|limited|ltd\.?|pvt\.?\s*ltd\.?|inc\.?|corp\.?|corporation|gmbh|s\.a\.|s\.p\.a\.|healthcare|drugs|lifesciences|life sciences|chemicals|industries)$`)

	titleSeparatorPattern = regexp.MustCompile(`\s+[-|–—:·]\s+|\s*\|\s*`)

	confidencePattern = regexp.MustCompile(`^(\d{1,3})(?:\.\d+)?\s*%?$`)
)

// apiOnlyKeywords mark suppliers of the raw ingredient rather than its buyers
var apiOnlyKeywords = []string{
	"api manufacturer", "api supplier", "bulk drug", "raw material", "intermediate",
	"active ingredient", "pharmaceutical ingredient", "chemical supplier", "bulk supplier",
	"api only", "raw api", "bulk api", "chemical manufacturer", "ingredient supplier",
}

// distributorPattern marks importers and traders, which are not manufacturers
var distributorPattern = regexp.MustCompile(`(?i)\b(importers?|importing|imports?|distributors?|distribution|trading|traders?|wholesale|wholesalers?|exporters?|export)\b`)

// manufacturerSignalPattern in free text points to an API supplier
var manufacturerSignalPattern = regexp.MustCompile(`(?i)\b(us\s*dmf|usdmf|dmf|r\d+-cep|cep|api manufacturers?|api suppliers?|api producers?|bulk drugs?|active pharmaceutical ingredients?)\b`)

// buyerSignalPattern in free text points to a finished-dosage manufacturer
var buyerSignalPattern = regexp.MustCompile(`(?i)\b(tablets?|capsules?|injections?|syrups?|finished dosage|formulations?|fdf)\b`)

// parseFunc turns one kind of raw evidence into candidates
type parseFunc func(ev domain.RawEvidence) ([]domain.Candidate, error)

// Normalizer converts raw evidence into candidates
type Normalizer struct {
	minReportedConfidence int
	parsers               map[domain.SourceKind]parseFunc
	log                   *logger.Logger
}

// NewNormalizer creates a normalizer. Buyer rows whose reported confidence is
// below minReportedConfidence are discarded.
func NewNormalizer(minReportedConfidence int, log *logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Nop()
	}
	n := &Normalizer{
		minReportedConfidence: minReportedConfidence,
		log:                   log.With("component", "normalizer"),
	}
	n.parsers = map[domain.SourceKind]parseFunc{
		domain.KindCatalogRow:    n.parseCatalogRow,
		domain.KindLLMTable:      n.parseLLMTable,
		domain.KindSearchSnippet: n.parseSearchSnippet,
	}
	return n
}

// Normalize never fails: unparseable evidence yields no candidates
func (n *Normalizer) Normalize(ev domain.RawEvidence) []domain.Candidate {
	parse, ok := n.parsers[ev.Kind]
	if !ok {
		n.log.Debug("evidence dropped", "source", ev.Source, "reason",
			fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedEvidence, ev.Kind))
		return nil
	}
	if domain.APIKey(ev.API) == "" {
		n.log.Debug("evidence dropped", "source", ev.Source, "reason",
			fmt.Errorf("%w: missing api", domain.ErrMalformedEvidence))
		return nil
	}

	candidates, err := parse(ev)
	if err != nil {
		n.log.Debug("evidence dropped", "source", ev.Source, "kind", ev.Kind, "reason", err)
		return nil
	}
	return candidates
}

// NormalizeAll normalizes a batch, preserving evidence order
func (n *Normalizer) NormalizeAll(evidence []domain.RawEvidence) []domain.Candidate {
	var out []domain.Candidate
	for _, ev := range evidence {
		out = append(out, n.Normalize(ev)...)
	}
	return out
}

func (n *Normalizer) parseCatalogRow(ev domain.RawEvidence) ([]domain.Candidate, error) {
	company := domain.DisplayName(ev.Field("manufacturer"))
	if company == "" {
		return nil, fmt.Errorf("%w: catalog row without manufacturer", domain.ErrMalformedEvidence)
	}

	country := NormalizeCountry(ev.Field("country"))
	if country == "" {
		country = NormalizeCountry(ev.Country)
	}

	return []domain.Candidate{{
		Role:    domain.RoleManufacturer,
		API:     domain.APIKey(ev.API),
		Country: country,
		Company: company,
		Attributes: domain.Attributes{
			USDMF: registrationValue(ev.Field("usdmf"), usdmfPattern),
			CEP:   registrationValue(ev.Field("cep"), cepPattern),
		},
		SourceName: ev.Source,
		SourceKind: ev.Kind,
		SourceURL:  ev.URL,
		SourceFile: ev.Field("source_file"),
		ObservedAt: ev.ObservedAt,
	}}, nil
}

func (n *Normalizer) parseLLMTable(ev domain.RawEvidence) ([]domain.Candidate, error) {
	table, ok := parseMarkdownTable(ev.Text)
	if !ok {
		return nil, fmt.Errorf("%w: no markdown table in answer", domain.ErrMalformedEvidence)
	}
	if !table.has(colCompany) {
		return nil, fmt.Errorf("%w: table without company column", domain.ErrMalformedEvidence)
	}

	role := ev.Role
	if role == "" {
		switch {
		case table.has(colUSDMF) || table.has(colCEP):
			role = domain.RoleManufacturer
		case table.has(colForm) || table.has(colStrength) || table.has(colProductName):
			role = domain.RoleBuyer
		default:
			return nil, fmt.Errorf("%w: cannot classify table role", domain.ErrMalformedEvidence)
		}
	}

	api := domain.APIKey(ev.API)
	queryCountry := NormalizeCountry(ev.Country)

	var out []domain.Candidate
	for i, row := range table.rows {
		company := domain.DisplayName(row[colCompany])
		if isBlank(company) {
			n.log.Debug("row rejected", "source", ev.Source, "row", i, "reason", "missing company")
			continue
		}

		country, inScope := rowCountry(row[colCountry], queryCountry)
		if !inScope {
			n.log.Debug("row rejected", "source", ev.Source, "row", i, "company", company, "reason", "outside country scope")
			continue
		}

		reported, hasReported := parseConfidence(row[colConfidence])
		if table.has(colConfidence) && (!hasReported || reported < n.minReportedConfidence) {
			n.log.Debug("row rejected", "source", ev.Source, "row", i, "company", company, "reason", "low reported confidence")
			continue
		}

		url := clean(row[colURL])

		c := domain.Candidate{
			Role:               role,
			API:                api,
			Country:            country,
			Company:            company,
			SourceName:         ev.Source,
			SourceKind:         ev.Kind,
			SourceURL:          httpURL(url),
			ReportedConfidence: reported,
			Excerpt:            rowExcerpt(row),
			ObservedAt:         ev.ObservedAt,
		}

		if role == domain.RoleBuyer {
			if reason := rejectBuyerRow(row, api, url); reason != "" {
				n.log.Debug("row rejected", "source", ev.Source, "row", i, "company", company, "reason", reason)
				continue
			}
			c.Attributes = domain.Attributes{
				Form:               clean(row[colForm]),
				Strength:           clean(row[colStrength]),
				ProductName:        clean(row[colProductName]),
				AdditionalInfo:     clean(row[colAdditionalInfo]),
				VerificationSource: clean(row[colVerification]),
			}
		} else {
			c.Attributes = domain.Attributes{
				USDMF:              registrationValue(row[colUSDMF], usdmfPattern),
				CEP:                registrationValue(row[colCEP], cepPattern),
				AdditionalInfo:     clean(row[colAdditionalInfo]),
				VerificationSource: clean(row[colVerification]),
			}
		}
		c.Attributes = c.Attributes.FillFrom(extractAttributes(c.Excerpt))
		out = append(out, c)
	}

	return out, nil
}

func (n *Normalizer) parseSearchSnippet(ev domain.RawEvidence) ([]domain.Candidate, error) {
	title := ev.Field("title")
	content := ev.Field("content")
	if title == "" && content == "" {
		return nil, fmt.Errorf("%w: empty search hit", domain.ErrMalformedEvidence)
	}

	api := domain.APIKey(ev.API)
	text := strings.ToLower(title + " " + content)
	if !strings.Contains(text, api) {
		return nil, fmt.Errorf("%w: search hit does not mention %q", domain.ErrMalformedEvidence, api)
	}

	company := companyFromTitle(title, api)
	if company == "" {
		return nil, fmt.Errorf("%w: no company in search title", domain.ErrMalformedEvidence)
	}

	role := ev.Role
	if role == "" {
		switch {
		case manufacturerSignalPattern.MatchString(text):
			role = domain.RoleManufacturer
		case buyerSignalPattern.MatchString(text):
			role = domain.RoleBuyer
		default:
			return nil, fmt.Errorf("%w: cannot classify search hit role", domain.ErrMalformedEvidence)
		}
	}
	if role == domain.RoleBuyer && distributorPattern.MatchString(company) {
		return nil, fmt.Errorf("%w: distributor in search title", domain.ErrMalformedEvidence)
	}

	excerpt := domain.DisplayName(title + " " + content)
	attrs := extractAttributes(excerpt)
	if role == domain.RoleBuyer {
		attrs.USDMF, attrs.CEP = "", ""
	} else {
		attrs.Form, attrs.Strength = "", ""
	}
	attrs.VerificationSource = domain.DisplayName(title)

	return []domain.Candidate{{
		Role:       role,
		API:        api,
		Country:    NormalizeCountry(ev.Country),
		Company:    company,
		Attributes: attrs,
		SourceName: ev.Source,
		SourceKind: ev.Kind,
		SourceURL:  ev.URL,
		Excerpt:    excerpt,
		ObservedAt: ev.ObservedAt,
	}}, nil
}

// rejectBuyerRow applies the finished-dosage filters. It returns the reason a
// row is rejected, or "" when the row is kept.
func rejectBuyerRow(row map[string]string, api, url string) string {
	combined := strings.ToLower(strings.Join([]string{
		row[colCompany], row[colAdditionalInfo], row[colVerification],
	}, " "))
	if containsAny(combined, apiOnlyKeywords) {
		return "api-only supplier"
	}
	if distributorPattern.MatchString(combined) {
		return "importer or distributor"
	}
	if loc := strings.ToLower(row[colCountry]); strings.Contains(loc, "import") {
		return "imported product"
	}

	product := strings.ToLower(strings.Join([]string{
		row[colProductName], row[colForm], row[colStrength], row[colVerification], row[colAdditionalInfo],
	}, " "))
	if !strings.Contains(product, api) {
		return "api not mentioned in product details"
	}

	if url != "" && httpURL(url) == "" {
		return "invalid url"
	}
	return ""
}

// httpURL returns u when it is an absolute http(s) URL, otherwise ""
func httpURL(u string) string {
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return u
	}
	return ""
}

// rowCountry resolves the country of a table row against the query scope.
// With a query country the row must agree with it (or leave it blank).
func rowCountry(location, queryCountry string) (string, bool) {
	location = clean(location)
	if queryCountry == "" {
		return countryFromLocation(location), true
	}
	if location == "" {
		return queryCountry, true
	}
	loc := domain.ScopeKey(location)
	if strings.Contains(loc, queryCountry) || countryFromLocation(location) == queryCountry {
		return queryCountry, true
	}
	return "", false
}

// countryFromLocation takes "Mumbai, India" to "india"
func countryFromLocation(location string) string {
	if location == "" {
		return ""
	}
	parts := strings.Split(location, ",")
	return NormalizeCountry(parts[len(parts)-1])
}

// companyFromTitle picks the title segment that ends in a corporate designator
func companyFromTitle(title, api string) string {
	for _, segment := range titleSeparatorPattern.Split(title, -1) {
		segment = domain.DisplayName(strings.Trim(segment, " .,;"))
		if segment == "" || len(segment) > 80 {
			continue
		}
		lower := strings.ToLower(segment)
		if strings.HasPrefix(lower, api) {
			continue
		}
		if corporateSuffixPattern.MatchString(segment) {
			return segment
		}
	}
	return ""
}

// extractAttributes finds registration ids, dosage forms and strengths in text
func extractAttributes(text string) domain.Attributes {
	var attrs domain.Attributes
	if m := usdmfPattern.FindStringSubmatch(text); m != nil {
		attrs.USDMF = m[1]
	}
	if m := cepPattern.FindStringSubmatch(text); m != nil {
		attrs.CEP = domain.DisplayName(m[1])
	}
	if m := formPattern.FindString(text); m != "" {
		attrs.Form = strings.ToLower(m)
	}
	if m := strengthPattern.FindString(text); m != "" {
		attrs.Strength = m
	}
	return attrs
}

// registrationValue maps a USDMF/CEP cell to "Yes", an id, or empty
func registrationValue(cell string, pattern *regexp.Regexp) string {
	cell = clean(cell)
	switch strings.ToLower(cell) {
	case "":
		return ""
	case "yes", "y", "t", "true", "available", "filed":
		return "Yes"
	case "f", "false":
		return ""
	}
	if m := pattern.FindStringSubmatch(cell); m != nil {
		return domain.DisplayName(m[1])
	}
	return cell
}

// parseConfidence reads "95", "95%" or "95.0 %"
func parseConfidence(cell string) (int, bool) {
	m := confidencePattern.FindStringSubmatch(strings.TrimSpace(cell))
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

func rowExcerpt(row map[string]string) string {
	parts := make([]string, 0, 5)
	for _, col := range []string{colProductName, colForm, colStrength, colAdditionalInfo, colVerification} {
		if v := clean(row[col]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "; ")
}

// clean collapses whitespace and blanks placeholder cells
func clean(s string) string {
	s = domain.DisplayName(s)
	if isBlank(s) {
		return ""
	}
	return s
}

func isBlank(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "-", "--", "n/a", "na", "none", "no", "null", "unknown", "not available":
		return true
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
