package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

// Matches amounts like "50,000", "2.5M", "$150k", "1000000".
var amountRegex = regexp.MustCompile(`(?i)\d[\d,]*(?:\.\d+)?\s*[km]?\b`)

// parseAmount extracts minimum and maximum funding bounds from free text.
// Currency symbols and thousands separators are stripped; trailing k/K means
// x1,000 and m/M means x1,000,000. Text with no parseable number yields
// (nil, nil) — never an error. When only one bound is present the other stays
// nil; "up to"/"maximum" phrasing pins the single value as the maximum,
// "minimum"/"at least" as the minimum.
func parseAmount(text string) (*float64, *float64) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	textLower := strings.ToLower(text)

	var amounts []float64
	for _, m := range amountRegex.FindAllString(text, -1) {
		m = strings.TrimSpace(m)

		multiplier := 1.0
		switch {
		case strings.HasSuffix(strings.ToLower(m), "k"):
			multiplier = 1_000
			m = m[:len(m)-1]
		case strings.HasSuffix(strings.ToLower(m), "m"):
			multiplier = 1_000_000
			m = m[:len(m)-1]
		}

		clean := strings.ReplaceAll(strings.TrimSpace(m), ",", "")
		val, err := strconv.ParseFloat(clean, 64)
		if err != nil || val <= 0 {
			continue
		}
		amounts = append(amounts, val*multiplier)
	}

	if len(amounts) == 0 {
		return nil, nil
	}

	if len(amounts) == 1 {
		v := amounts[0]
		if strings.Contains(textLower, "minimum") || strings.Contains(textLower, "at least") {
			return &v, nil
		}
		// "up to", "maximum", or an unqualified single figure: treat as the
		// ceiling, never assume min == max.
		return nil, &v
	}

	min, max := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a < min {
			min = a
		}
		if a > max {
			max = a
		}
	}
	return &min, &max
}

// currencyAmountRegex anchors on a currency symbol so prose extraction does
// not mistake dates or counts for dollar figures.
var currencyAmountRegex = regexp.MustCompile(`(?i)[$€£]\s*\d[\d,]*(?:\.\d+)?\s*[km]?\b`)

// amountFromText extracts funding bounds from prose, accepting only figures
// marked with a currency symbol.
func amountFromText(text string) (*float64, *float64) {
	matches := currencyAmountRegex.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	joined := strings.Join(matches, " ")
	// Carry the qualifier so a single figure keeps its meaning.
	lower := strings.ToLower(text)
	if strings.Contains(lower, "minimum") || strings.Contains(lower, "at least") {
		joined = "at least " + joined
	}
	return parseAmount(joined)
}

// parseAmountValue handles amounts that arrive as JSON numbers or numeric
// strings rather than descriptive text.
func parseAmountValue(v interface{}) (*float64, *float64) {
	switch typed := v.(type) {
	case float64:
		if typed > 0 {
			return nil, &typed
		}
		return nil, nil
	case int:
		if typed > 0 {
			f := float64(typed)
			return nil, &f
		}
		return nil, nil
	case string:
		return parseAmount(typed)
	default:
		return nil, nil
	}
}
