package assembler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
)

func cand(score float64, tokens, ordinal int, text string) Candidate {
	return Candidate{
		Result: vectorstore.Result{
			ChunkID:    text,
			Text:       text,
			Ordinal:    ordinal,
			TokenCount: tokens,
			Score:      score,
		},
		BookTitle:     "Fisika X",
		MatchesFilter: true,
	}
}

func TestRankOrdersByScoreDescending(t *testing.T) {
	ranked := Rank([]Candidate{
		cand(0.2, 10, 1, "low"),
		cand(0.9, 10, 2, "high"),
		cand(0.5, 10, 3, "mid"),
	})
	assert.Equal(t, []string{"high", "mid", "low"},
		[]string{ranked[0].Text, ranked[1].Text, ranked[2].Text})
}

func TestRankKeepsFilterMatchesFirst(t *testing.T) {
	off := cand(0.9, 10, 1, "other-subject")
	off.MatchesFilter = false
	ranked := Rank([]Candidate{off, cand(0.3, 10, 2, "on-subject")})
	assert.Equal(t, "on-subject", ranked[0].Text)
}

func TestFitSkipsOversizedAndContinues(t *testing.T) {
	budget := Budget{ContextTokens: 300, Floor: 50}
	selected := Fit([]Candidate{
		cand(0.9, 200, 1, "a"),
		cand(0.8, 500, 2, "too-big"),
		cand(0.7, 90, 3, "b"),
	}, budget)

	require.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].Text)
	assert.Equal(t, "b", selected[1].Text)
	assert.Equal(t, 290, SelectedTokens(selected))
}

func TestFitStopsAtFloor(t *testing.T) {
	budget := Budget{ContextTokens: 100, Floor: 50}
	selected := Fit([]Candidate{
		cand(0.9, 60, 1, "a"),
		cand(0.8, 30, 2, "would-fit-but-floor"),
	}, budget)
	// 100-60=40 remaining < floor 50: selection stops.
	require.Len(t, selected, 1)
}

func TestFitEmptyInput(t *testing.T) {
	assert.Empty(t, Fit(nil, DefaultBudget(4096)))
}

func TestDefaultBudgetReservesQuarter(t *testing.T) {
	b := DefaultBudget(4096)
	assert.Equal(t, 3072, b.ContextTokens)

	small := DefaultBudget(1024)
	assert.Equal(t, 24, small.ContextTokens, "reserve floor of 1000 applies")
}

func TestRenderThreeRegions(t *testing.T) {
	p := Render([]Candidate{cand(0.9, 50, 7, "Hukum Newton pertama")}, "Apa itu inersia?", "id")
	require.False(t, p.Fallback)
	assert.Contains(t, p.Text, "=== MATERI PELAJARAN ===")
	assert.Contains(t, p.Text, "[source: Fisika X, 7]")
	assert.Contains(t, p.Text, "=== PERTANYAAN ===")
	assert.Contains(t, p.Text, "Apa itu inersia?")
	// System instructions precede the context region.
	assert.Less(t,
		strings.Index(p.Text, "asisten belajar"),
		strings.Index(p.Text, "=== MATERI PELAJARAN ==="))
}

func TestRenderFallbackVariant(t *testing.T) {
	p := Render(nil, "Siapa presiden pertama?", "id")
	require.True(t, p.Fallback)
	assert.Contains(t, p.Text, NoMaterialMessage("id"))
	assert.NotContains(t, p.Text, "=== MATERI PELAJARAN ===")
}

func TestRenderUnknownLangFallsBackToIndonesian(t *testing.T) {
	p := Render(nil, "q", "fr")
	assert.Contains(t, p.Text, NoMaterialMessage("id"))
}

func TestRenderEnglishLocale(t *testing.T) {
	p := Render([]Candidate{cand(0.5, 10, 1, "Newton's first law")}, "What is inertia?", "en")
	assert.Contains(t, p.Text, "=== COURSE MATERIAL ===")
}
