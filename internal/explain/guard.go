package explain

import (
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// Grounded reports whether every number cited in text also appears in one of the sources.
// Thousands separators are ignored and numerically equal spellings match ("1,234.50" and "1234.5").
func Grounded(text string, sources ...string) bool {
	allowed := map[string]struct{}{}
	for _, source := range sources {
		for _, number := range Numbers(source) {
			allowed[number] = struct{}{}
		}
	}
	for _, number := range Numbers(text) {
		if _, ok := allowed[number]; !ok {
			return false
		}
	}
	return true
}

// Numbers extracts the numeric literals of text in canonical form.
func Numbers(text string) []string {
	matches := numberPattern.FindAllString(text, -1)
	numbers := make([]string, 0, len(matches))
	for _, match := range matches {
		if canonical, ok := canonicalNumber(match); ok {
			numbers = append(numbers, canonical)
		}
	}
	return numbers
}

func canonicalNumber(raw string) (string, bool) {
	cleaned := strings.TrimRight(strings.ReplaceAll(raw, ",", ""), ".")
	if cleaned == "" || cleaned == "-" {
		return "", false
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", false
	}
	if value < 0 {
		value = -value
	}
	return strconv.FormatFloat(value, 'f', -1, 64), true
}
