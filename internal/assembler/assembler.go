// Package assembler turns retrieved chunks into a prompt: rank orders the
// candidates, fit selects a subset inside the token budget, render fills
// the localized template. All three are pure functions of their inputs so
// the whole pipeline is deterministic and trivially testable.
package assembler

import (
	"sort"

	"github.com/samber/lo"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
)

// Budget controls fit. The retrieval context defaults to 3000 tokens of a
// 4096 window, leaving at least 1000 for boilerplate, question, and
// generation.
type Budget struct {
	// ContextTokens is the ceiling for selected chunk tokens.
	ContextTokens int
	// Floor stops selection once the remaining budget drops below it.
	Floor int
}

// DefaultBudget derives the retrieval budget from the model window.
func DefaultBudget(contextWindow int) Budget {
	reserve := contextWindow / 4
	if reserve < 1000 {
		reserve = 1000
	}
	ctx := contextWindow - reserve
	if ctx < 0 {
		ctx = 0
	}
	return Budget{ContextTokens: ctx, Floor: 50}
}

// Rank orders chunks by descending similarity score. The sort is stable;
// when a subject filter was applied upstream every candidate already
// matches it, but mixed result sets keep filter-matching chunks first via
// the matchesFilter flag on the candidate.
func Rank(chunks []Candidate) []Candidate {
	out := make([]Candidate, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatchesFilter != out[j].MatchesFilter {
			return out[i].MatchesFilter
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Candidate is one ranked retrieval hit.
type Candidate struct {
	vectorstore.Result
	// BookTitle resolves the source tag in the rendered context block.
	BookTitle string
	// MatchesFilter marks chunks from the requested subject when a filter
	// was present.
	MatchesFilter bool
}

// Fit greedily selects ranked chunks into the budget: take the
// highest-ranked chunk that fits the remaining budget, skip chunks that do
// not fit, stop when the budget falls below the floor or nothing remaining
// fits. An empty selection signals the fallback prompt branch.
func Fit(ranked []Candidate, budget Budget) []Candidate {
	remaining := budget.ContextTokens
	var selected []Candidate
	for _, c := range ranked {
		if remaining < budget.Floor {
			break
		}
		if c.TokenCount > remaining {
			continue
		}
		selected = append(selected, c)
		remaining -= c.TokenCount
	}
	return selected
}

// SelectedTokens sums the token counts of a selection.
func SelectedTokens(selected []Candidate) int {
	return lo.SumBy(selected, func(c Candidate) int { return c.TokenCount })
}
