package collector

import (
	"strings"
)

const (
	// MaxTermLength is the longest query string the provider accepts, in characters.
	MaxTermLength = 70
	// DefaultAnchor biases the provider toward the trading-card meaning of a name.
	DefaultAnchor = "pokemon card"
)

// BuildTerm assembles the deterministic query for an item: name, number, set
// name and anchor, single-space separated, capped at MaxTermLength runes.
func BuildTerm(item CatalogItem, anchor string) string {
	parts := make([]string, 0, 4)
	for _, field := range []string{item.Name, item.Number, item.SetName, anchor} {
		if normalized := normalizeField(field); normalized != "" {
			parts = append(parts, normalized)
		}
	}
	return truncate(strings.Join(parts, " "), MaxTermLength)
}

// BuildTerms maps items to terms, skipping items without an id and repeated ids.
func BuildTerms(items []CatalogItem, anchor string) []Term {
	terms := make([]Term, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		terms = append(terms, Term{ItemID: id, Query: BuildTerm(item, anchor)})
	}
	return terms
}

func normalizeField(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimRight(string(runes[:limit]), " ")
}
