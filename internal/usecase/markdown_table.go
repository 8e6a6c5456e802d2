package usecase

import (
	"strings"
)

// markdownTable is a parsed pipe table with canonical column names
type markdownTable struct {
	columns []string
	rows    []map[string]string
}

// has reports whether the table carries a canonical column
func (t markdownTable) has(column string) bool {
	for _, c := range t.columns {
		if c == column {
			return true
		}
	}
	return false
}

// columnAliases maps lowercased header text to canonical column names.
// Covers the buyer, manufacturer and search-analysis table layouts models return.
var columnAliases = map[string]string{
	"company":                colCompany,
	"company name":           colCompany,
	"companies":              colCompany,
	"manufacturer":           colCompany,
	"manufacturers":          colCompany,
	"fdf manufacturer":       colCompany,
	"api manufacturer":       colCompany,
	"supplier":               colCompany,
	"product name":           colProductName,
	"product":                colProductName,
	"brand":                  colProductName,
	"brand name":             colProductName,
	"form":                   colForm,
	"product form":           colForm,
	"dosage form":            colForm,
	"strength":               colStrength,
	"manufacturing location": colCountry,
	"location":               colCountry,
	"country":                colCountry,
	"verification source":    colVerification,
	"evidence":               colVerification,
	"source":                 colVerification,
	"confidence":             colConfidence,
	"confidence (%)":         colConfidence,
	"confidence %":           colConfidence,
	"url":                    colURL,
	"source url":             colURL,
	"link":                   colURL,
	"additional info":        colAdditionalInfo,
	"additional information": colAdditionalInfo,
	"notes":                  colAdditionalInfo,
	"usdmf":                  colUSDMF,
	"us dmf":                 colUSDMF,
	"dmf":                    colUSDMF,
	"cep":                    colCEP,
	"cos":                    colCEP,
	"api name":               colAPI,
	"api":                    colAPI,
}

const (
	colCompany        = "company"
	colProductName    = "product_name"
	colForm           = "form"
	colStrength       = "strength"
	colCountry        = "country"
	colVerification   = "verification_source"
	colConfidence     = "confidence"
	colURL            = "url"
	colAdditionalInfo = "additional_info"
	colUSDMF          = "usdmf"
	colCEP            = "cep"
	colAPI            = "api"
)

// parseMarkdownTable extracts the first pipe table from free text.
// Rows whose cell count differs from the header are skipped. ok is false when
// no header plus at least one data row was found.
func parseMarkdownTable(text string) (markdownTable, bool) {
	var lines []string
	inTable := false
scan:
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "```"):
			continue
		case strings.Contains(line, "|"):
			lines = append(lines, line)
			inTable = true
		case inTable && line == "":
			continue
		case inTable:
			break scan
		}
	}
	if len(lines) < 2 {
		return markdownTable{}, false
	}

	headers := splitRow(lines[0])
	table := markdownTable{columns: make([]string, len(headers))}
	for i, h := range headers {
		key := strings.ToLower(strings.Trim(h, "* "))
		if canonical, ok := columnAliases[key]; ok {
			table.columns[i] = canonical
		} else {
			table.columns[i] = key
		}
	}

	for _, line := range lines[1:] {
		if isSeparatorRow(line) {
			continue
		}
		cells := splitRow(line)
		if len(cells) != len(headers) {
			continue
		}
		row := make(map[string]string, len(cells))
		empty := true
		for i, cell := range cells {
			cell = strings.Trim(cell, "* ")
			if cell != "" {
				empty = false
			}
			if _, dup := row[table.columns[i]]; dup && cell == "" {
				continue
			}
			row[table.columns[i]] = cell
		}
		if !empty {
			table.rows = append(table.rows, row)
		}
	}

	return table, len(table.rows) > 0
}

// splitRow splits "| a | b |" into ["a", "b"]
func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// isSeparatorRow matches "|---|:---:|" lines
func isSeparatorRow(line string) bool {
	trimmed := strings.Trim(line, "|-: \t")
	return trimmed == "" && strings.Contains(line, "-")
}
