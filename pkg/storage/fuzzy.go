package storage

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/orneryd/remdb/pkg/entity"
)

// sortScoredRefs orders fuzzy hits by score descending, then label, table
// and id so equal scores come back in a stable order.
func sortScoredRefs(refs []entity.ScoredRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Score != refs[j].Score {
			return refs[i].Score > refs[j].Score
		}
		if refs[i].Label != refs[j].Label {
			return refs[i].Label < refs[j].Label
		}
		if refs[i].Table != refs[j].Table {
			return refs[i].Table < refs[j].Table
		}
		return refs[i].ID < refs[j].ID
	})
}

// labelSimilarity scores how closely a query matches an indexed label, in
// [0, 1]. This is the unified scoring rule for the embedded adapters
// (memory, badger); the SQL backends use their native trigram/FTS scores
// instead.
//
// The base score is normalized Levenshtein similarity (1 - distance/maxlen)
// over case-folded strings. Containment gets a floor so that "sarah"
// matching "sarah-chen" ranks usefully even though half the characters
// differ: prefix matches score at least 0.9, substring matches at least
// 0.75. Exact matches after folding are always 1.
func labelSimilarity(query, label string) float64 {
	q := entity.NormalizeLabel(query)
	l := entity.NormalizeLabel(label)
	if q == "" || l == "" {
		return 0
	}
	if q == l {
		return 1
	}

	maxLen := len(q)
	if len(l) > maxLen {
		maxLen = len(l)
	}
	dist := levenshtein.ComputeDistance(q, l)
	score := 1.0 - float64(dist)/float64(maxLen)

	if strings.HasPrefix(l, q) || strings.HasPrefix(q, l) {
		if score < 0.9 {
			score = 0.9
		}
	} else if strings.Contains(l, q) || strings.Contains(q, l) {
		if score < 0.75 {
			score = 0.75
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}
