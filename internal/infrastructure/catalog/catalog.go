package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

const sourceName = "catalog"

// ErrUnsupportedFormat is returned for files that are neither CSV nor YAML
var ErrUnsupportedFormat = errors.New("unsupported catalog format")

// Entry is one manufacturer row of a catalog file
type Entry struct {
	API          string `yaml:"api_name"`
	Manufacturer string `yaml:"manufacturer"`
	Country      string `yaml:"country"`
	USDMF        string `yaml:"usdmf"`
	CEP          string `yaml:"cep"`
	SourceURL    string `yaml:"source_url"`
}

// headerAliases maps normalized CSV headers to Entry fields
var headerAliases = map[string]string{
	"api name":                      "api_name",
	"apiname":                       "api_name",
	"api":                           "api_name",
	"api_name":                      "api_name",
	"manufacturers (api suppliers)": "manufacturer",
	"manufacturer":                  "manufacturer",
	"manufacturers":                 "manufacturer",
	"company":                       "manufacturer",
	"country":                       "country",
	"country name":                  "country",
	"region":                        "country",
	"usdmf":                         "usdmf",
	"us dmf":                        "usdmf",
	"cep":                           "cep",
	"source url":                    "source_url",
	"source_url":                    "source_url",
	"url":                           "source_url",
}

var requiredColumns = []string{"api_name", "manufacturer", "country"}

// Catalog is a static manufacturer list loaded once from disk
type Catalog struct {
	file     string
	entries  []Entry
	loadedAt time.Time
	log      *logger.Logger
}

// Load reads a .csv, .yaml or .yml catalog. Rows without an API or
// manufacturer are skipped and duplicate (api, manufacturer, country) rows
// are collapsed.
func Load(path string, log *logger.Logger) (*Catalog, error) {
	if log == nil {
		log = logger.Nop()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var entries []Entry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		entries, err = readCSV(f)
	case ".yaml", ".yml":
		entries, err = readYAML(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	c := &Catalog{
		file:     filepath.Base(path),
		entries:  dedupe(entries),
		loadedAt: time.Now().UTC(),
		log:      log.With("source", sourceName),
	}
	c.log.Info("catalog loaded", "file", c.file, "entries", len(c.entries), "rows", len(entries))
	return c, nil
}

func readCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(domain.DisplayName(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := headerAliases[key]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	cell := func(row []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []Entry
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			API:          cell(row, "api_name"),
			Manufacturer: cell(row, "manufacturer"),
			Country:      cell(row, "country"),
			USDMF:        cell(row, "usdmf"),
			CEP:          cell(row, "cep"),
			SourceURL:    cell(row, "source_url"),
		})
	}
	return entries, nil
}

// readYAML accepts either a top-level list or {manufacturers: [...]}
func readYAML(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Manufacturers []Entry `yaml:"manufacturers"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Manufacturers) > 0 {
		return doc.Manufacturers, nil
	}

	var list []Entry
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[[3]string]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.API = domain.DisplayName(e.API)
		e.Manufacturer = domain.DisplayName(e.Manufacturer)
		e.Country = domain.DisplayName(e.Country)
		if domain.APIKey(e.API) == "" || e.Manufacturer == "" {
			continue
		}
		k := [3]string{domain.APIKey(e.API), domain.EntityKey(e.Manufacturer), domain.ScopeKey(e.Country)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

func (c *Catalog) Name() string            { return sourceName }
func (c *Catalog) Kind() domain.SourceKind { return domain.KindCatalogRow }

// Len is the number of distinct catalog entries
func (c *Catalog) Len() int { return len(c.entries) }

// Fetch returns the rows for the queried API, compared in canonical form so
// graded names like "Ibuprofen USP" match. Country aliases are resolved by the
// normalizer, so rows are not filtered by country here.
func (c *Catalog) Fetch(ctx context.Context, q domain.Query) ([]domain.RawEvidence, error) {
	if !q.Role.Includes(domain.RoleManufacturer) {
		return nil, nil
	}
	api := domain.APIKey(q.API)

	var out []domain.RawEvidence
	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if domain.APIKey(e.API) != api {
			continue
		}
		out = append(out, c.evidence(e))
	}
	return out, nil
}

// Evidence returns every entry as catalog_row evidence, for bulk import
func (c *Catalog) Evidence() []domain.RawEvidence {
	out := make([]domain.RawEvidence, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, c.evidence(e))
	}
	return out
}

func (c *Catalog) evidence(e Entry) domain.RawEvidence {
	return domain.RawEvidence{
		Source: sourceName,
		Kind:   domain.KindCatalogRow,
		Role:   domain.RoleManufacturer,
		API:    e.API,
		Fields: map[string]string{
			"manufacturer": e.Manufacturer,
			"country":      e.Country,
			"usdmf":        e.USDMF,
			"cep":          e.CEP,
			"source_file":  c.file,
		},
		URL:        e.SourceURL,
		ObservedAt: c.loadedAt,
	}
}
