package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeLenient extracts the first JSON object or array from a model answer
// and unmarshals it into v. Models wrap answers in prose and code fences;
// unknown fields are dropped, missing fields keep zero values.
func DecodeLenient(answer string, v any) error {
	payload := extractJSON(answer)
	if payload == "" {
		return fmt.Errorf("llm: no JSON in answer")
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("llm: decode answer: %w", err)
	}
	return nil
}

func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// entityTypeAliases maps the synonym strings models emit onto the canonical
// entity type names.
var entityTypeAliases = map[string]string{
	"PERSON":          "PERSON",
	"PEOPLE":          "PERSON",
	"INDIVIDUAL":      "PERSON",
	"ORGANIZATION":    "ORGANIZATION",
	"ORGANISATION":    "ORGANIZATION",
	"COMPANY":         "ORGANIZATION",
	"CORPORATION":     "ORGANIZATION",
	"EXCHANGE":        "ORGANIZATION",
	"LOCATION":        "LOCATION",
	"CITY":            "LOCATION",
	"PLACE":           "LOCATION",
	"REGION":          "LOCATION",
	"COUNTRY":         "COUNTRY",
	"NATION":          "COUNTRY",
	"TOKEN":           "TOKEN",
	"CRYPTOCURRENCY":  "TOKEN",
	"CRYPTO":          "TOKEN",
	"COIN":            "TOKEN",
	"CURRENCY":        "TOKEN",
	"PROTOCOL":        "PROTOCOL",
	"BLOCKCHAIN":      "PROTOCOL",
	"NETWORK":         "PROTOCOL",
	"GOVERNMENT_BODY": "GOVERNMENT_BODY",
	"GOVERNMENT":      "GOVERNMENT_BODY",
	"AGENCY":          "GOVERNMENT_BODY",
	"REGULATOR":       "GOVERNMENT_BODY",
	"CENTRAL_BANK":    "GOVERNMENT_BODY",
	"EVENT":           "EVENT",
	"AMOUNT":          "AMOUNT",
	"MONEY":           "AMOUNT",
	"PRICE":           "AMOUNT",
	"DATE":            "DATE",
	"TIME":            "DATE",
}

// CanonicalEntityType normalizes a model-emitted entity type through the
// alias table. The second return is false for types with no canonical form.
func CanonicalEntityType(s string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	canonical, ok := entityTypeAliases[key]
	return canonical, ok
}
