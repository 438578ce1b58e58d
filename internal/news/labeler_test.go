package news

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/news/model"
)

type scriptedLLM struct {
	answer string
	err    error
}

func (s scriptedLLM) Available() bool { return true }

func (s scriptedLLM) Complete(context.Context, string) (string, error) {
	return s.answer, s.err
}

func (s scriptedLLM) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("no embeddings")
}

func TestLabelParsesLLMAnswer(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{answer: `{
		"topic": "Coinbase Faces SEC Enforcement Action",
		"keywords": ["coinbase", "sec", "enforcement"],
		"trend_direction": "DOWN",
		"urgency": "HIGH"
	}`})

	label, err := l.Label(context.Background(), model.Article{Title: "irrelevant"})
	require.NoError(t, err)
	assert.Equal(t, "Coinbase Faces SEC Enforcement Action", label.Topic)
	assert.Equal(t, model.TrendDown, label.TrendDirection)
	assert.Equal(t, model.UrgencyHigh, label.Urgency)
}

func TestLabelNormalizesInvalidEnums(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{answer: `{"topic": "Some Valid Story Topic", "trend_direction": "SIDEWAYS", "urgency": "EXTREME"}`})

	label, err := l.Label(context.Background(), model.Article{})
	require.NoError(t, err)
	assert.Equal(t, model.TrendNeutral, label.TrendDirection)
	assert.Equal(t, model.UrgencyMedium, label.Urgency)
}

func TestLabelFallsBackToTitleWhenLLMFails(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{err: errors.New("timeout")})

	a := model.Article{Title: "Ethereum Validators Exit Queue Hits Record Length"}
	label, err := l.Label(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, a.Title, label.Topic)
	assert.Contains(t, label.Keywords, "ethereum")
	assert.Equal(t, model.TrendNeutral, label.TrendDirection)
}

func TestHeuristicUrgency(t *testing.T) {
	high := model.Article{Title: "BREAKING: Exchange Halts All Withdrawals"}
	assert.Equal(t, model.UrgencyHigh, heuristicUrgency(high))

	calm := model.Article{Title: "Quarterly Report Shows Steady User Growth"}
	assert.Equal(t, model.UrgencyMedium, heuristicUrgency(calm))
}

func TestCategorizeIntersectsWithAllowed(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{answer: `{"categories": ["Crypto", "sports", "macro"]}`})

	cats, err := l.Categorize(context.Background(), model.Article{}, []string{"crypto", "macro"})
	require.NoError(t, err)
	assert.Equal(t, []string{"crypto", "macro"}, cats)
}

func TestCategorizeHeuristicFallback(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{err: errors.New("down")})

	a := model.Article{Title: "Bitcoin ETF inflows surge as spot exchange volumes climb before Fed decision"}
	cats, err := l.Categorize(context.Background(), a, []string{"crypto", "macro", "technology"})
	require.NoError(t, err)
	require.NotEmpty(t, cats)
	assert.Equal(t, "crypto", cats[0], "most keyword hits wins the primary slot")
	assert.Contains(t, cats, "macro")
}

func TestQualityDefaultsToKeepOnGarbage(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{answer: "not json at all"})

	keep, err := l.Quality(context.Background(), model.Article{Title: "t"})
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestQualityRejects(t *testing.T) {
	l := NewLLMLabeler(scriptedLLM{answer: `{"keep": false}`})

	keep, err := l.Quality(context.Background(), model.Article{Title: "t"})
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestTitleKeywords(t *testing.T) {
	kw := titleKeywords("The Bitcoin Rally That Could Reshape Treasury Markets", 4)
	assert.Equal(t, []string{"bitcoin", "rally", "reshape", "treasury"}, kw)
}
