package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxAPILength caps the length of a canonical ingredient name, in bytes
const MaxAPILength = 100

var (
	// Matches strengths like "400 mg", "0.5mg/ml", "10%"
	apiStrengthPattern = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(mg|mcg|µg|g|kg|ml|iu|%)(\s*/\s*\d*\s*(ml|g|tab))?\b|\d+(\.\d+)?\s*%`)

	// Quality grades appended to ingredient names ("USP", "EP", "BP", "IP")
	apiGradePattern = regexp.MustCompile(`(?i)\b(usp|ep|bp|ip|jp|ph\.?\s*eur\.?)\b`)

	// Characters that break provider queries
	apiPunctuationPattern = regexp.MustCompile(`[#%+@!^*=\[\]{}<>|\\~` + "`" + `"]`)
)

// apiNoiseWords are dosage and trade words added to an ingredient name
var apiNoiseWords = map[string]bool{
	"api": true, "apis": true, "bulk": true, "drug": true, "powder": true,
	"tablet": true, "tablets": true, "capsule": true, "capsules": true,
	"injection": true, "syrup": true, "suspension": true,
	"manufacturer": true, "manufacturers": true, "supplier": true, "suppliers": true,
	"buyer": true, "buyers": true,
}

// APIKey is the canonical form of an ingredient name. Queries, catalog rows
// and stored records all key on it, so "Ibuprofen USP 400 mg" and "ibuprofen"
// address the same scope.
func APIKey(api string) string {
	if strings.TrimSpace(api) == "" {
		return ""
	}

	cleaned := apiStrengthPattern.ReplaceAllString(api, " ")
	cleaned = apiGradePattern.ReplaceAllString(cleaned, " ")
	cleaned = apiPunctuationPattern.ReplaceAllString(cleaned, " ")
	cleaned = removeNoiseWords(cleaned)
	cleaned = strings.Trim(cleaned, " ,;:-")

	return truncateAPI(cleaned)
}

// truncateAPI shortens s to MaxAPILength bytes on a rune boundary, preferring
// a word boundary in the second half
func truncateAPI(s string) string {
	if len(s) <= MaxAPILength {
		return s
	}
	cut := MaxAPILength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	if lastSpace := strings.LastIndex(s, " "); lastSpace > MaxAPILength/2 {
		s = s[:lastSpace]
	}
	return strings.TrimRight(s, " ,;:-")
}

// removeNoiseWords drops noise words, lowercasing and collapsing whitespace
func removeNoiseWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if !apiNoiseWords[strings.Trim(word, ",.;:-'")] {
			kept = append(kept, word)
		}
	}
	return strings.Join(kept, " ")
}
