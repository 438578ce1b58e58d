// Package cluster implements story-cluster assignment and merging, the core
// of the news pipeline.
package cluster

import (
	"regexp"
	"strings"
	"unicode"
)

const maxTopicKeyLen = 180

// Generic topic phrases that carry no story identity. A topic containing
// any of these fails validation.
var genericTopicPhrases = []string{
	"market update",
	"market news",
	"crypto news",
	"daily roundup",
	"weekly roundup",
	"breaking news",
	"latest news",
	"news update",
	"price analysis",
	"top stories",
	"what you need to know",
	"everything you need",
	"things to watch",
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// ValidateTopic enforces topic quality: at least 5 characters, at least 3
// words, at least one proper-noun-like token, and no generic phrases.
// Articles whose topic fails are dropped from clustering.
func ValidateTopic(topic string) bool {
	topic = strings.TrimSpace(topic)
	if len(topic) < 5 {
		return false
	}
	words := strings.Fields(topic)
	if len(words) < 3 {
		return false
	}
	lower := strings.ToLower(topic)
	for _, phrase := range genericTopicPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, w := range words {
		if isProperNounLike(w) {
			return true
		}
	}
	return false
}

// isProperNounLike accepts TitleCase words and short all-caps tickers.
func isProperNounLike(w string) bool {
	w = strings.Trim(w, ".,!?\"'()[]{}:;")
	r := []rune(w)
	if len(r) < 2 {
		return false
	}
	if !unicode.IsUpper(r[0]) {
		return false
	}
	allUpper := true
	for _, c := range r {
		if unicode.IsLetter(c) && !unicode.IsUpper(c) {
			allUpper = false
			break
		}
	}
	if allUpper {
		return len(r) <= 6
	}
	return true
}

// TopicKey slugs a topic into the deterministic cluster lookup key.
func TopicKey(topic string) string {
	s := strings.ToLower(strings.TrimSpace(topic))
	s = slugStrip.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxTopicKeyLen {
		s = s[:maxTopicKeyLen]
		s = strings.TrimRight(s, "_")
	}
	return s
}

// FormatTopic renders a topic for display: trimmed, sentence-cased, inner
// whitespace collapsed.
func FormatTopic(topic string) string {
	words := strings.Fields(strings.TrimSpace(topic))
	if len(words) == 0 {
		return ""
	}
	out := strings.Join(words, " ")
	r := []rune(out)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// longWords returns lowercased words longer than three characters.
func longWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?\"'()[]{}:;")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}
