package news

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/bus"
	"polyflux/internal/llm"
	"polyflux/internal/net/circuit"
	"polyflux/internal/news/entities"
	"polyflux/internal/news/model"
	"polyflux/internal/news/similarity"
	"polyflux/internal/news/store"
	"polyflux/internal/vector"
)

type fakeSource struct {
	mu        sync.Mutex
	articles  []model.Article
	searchErr error
	scrapeErr error
	searched  []string
}

func (f *fakeSource) Search(_ context.Context, category string, _ int) ([]model.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, category)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []model.Article
	for _, a := range f.articles {
		if len(a.Categories) == 0 || strings.EqualFold(a.Categories[0], category) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeSource) Scrape(_ context.Context, in []model.Article) ([]model.Article, error) {
	if f.scrapeErr != nil {
		return nil, f.scrapeErr
	}
	return in, nil
}

func testArticle(id, title, category string) model.Article {
	return model.Article{
		ID:    id,
		URL:   "https://news.example.com/" + id,
		Title: title,
		Content: strings.Repeat(title+" ", 8) +
			"Reporting with enough substance to clear the minimum content gate for clustering.",
		Source:     "example",
		Language:   "en",
		Categories: []string{category},
	}
}

func newTestOrchestrator(t *testing.T, src Source, cfg Config) (*Orchestrator, store.Store, *bus.MemoryBus) {
	t.Helper()
	extractor, err := entities.New(llm.Disabled{})
	require.NoError(t, err)
	sim, err := similarity.NewService(llm.Disabled{})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus()
	o := NewOrchestrator(cfg, Deps{
		Source:    src,
		Labeler:   NewLLMLabeler(llm.Disabled{}),
		Extractor: extractor,
		Sim:       sim,
		Store:     st,
		Vectors:   vector.NewMemoryStore(),
		Breakers:  circuit.NewRegistry(circuit.DefaultConfig()),
		Bus:       mb,
	})
	return o, st, mb
}

func TestRunCycleEndToEnd(t *testing.T) {
	src := &fakeSource{articles: []model.Article{
		testArticle("a1", "Bitcoin Surges Past Record High After ETF Approval", "crypto"),
		testArticle("a2", "Federal Reserve Signals Rate Cut At September Meeting", "macro"),
	}}
	o, st, mb := newTestOrchestrator(t, src, Config{
		Categories:         []string{"crypto", "macro"},
		EnhancedClustering: true,
	})

	var published []bus.Message
	var mu sync.Mutex
	_, err := mb.Subscribe(context.Background(), bus.TopicNewsClustered, func(_ context.Context, m bus.Message) error {
		mu.Lock()
		published = append(published, m)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	res := o.RunCycle(context.Background())

	assert.Equal(t, StepCycleComplete, res.Step)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Unique)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 2, res.Clustered)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Fallbacks)

	clusters, err := st.RecentClusters(context.Background(), "crypto", res.StartedAt.Add(-1), 10)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 1, clusters[0].ArticleCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, published, 1)

	status := o.Status()
	assert.Equal(t, StepCycleComplete, status.CurrentStep)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Equal(t, 1, status.CyclesRun)
}

func TestRunCycleNoArticlesFound(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeSource{}, Config{Categories: []string{"crypto"}})

	res := o.RunCycle(context.Background())

	assert.Equal(t, StepNoArticlesFound, res.Step)
	assert.Zero(t, o.Status().ConsecutiveErrors)
}

func TestSearchFailureUsesFallback(t *testing.T) {
	src := &fakeSource{searchErr: errors.New("upstream 503")}
	o, _, _ := newTestOrchestrator(t, src, Config{Categories: []string{"crypto"}})

	res := o.RunCycle(context.Background())

	assert.Equal(t, StepNoArticlesFound, res.Step)
	assert.Contains(t, res.Fallbacks, "SEARCH_FALLBACK")
	assert.NotEmpty(t, res.Err)
	assert.Equal(t, 1, o.Status().ConsecutiveErrors)
}

func TestExecutionBreakerSkipsCycles(t *testing.T) {
	src := &fakeSource{searchErr: errors.New("upstream down")}
	o, _, _ := newTestOrchestrator(t, src, Config{Categories: []string{"crypto"}})

	for i := 0; i < maxConsecutiveErrs; i++ {
		o.RunCycle(context.Background())
	}
	require.Equal(t, maxConsecutiveErrs, o.Status().ConsecutiveErrors)

	res := o.RunCycle(context.Background())
	assert.Equal(t, StepSkippedCircuitBreaker, res.Step)
}

func TestRotationModeOneCategoryPerCycle(t *testing.T) {
	src := &fakeSource{}
	o, _, _ := newTestOrchestrator(t, src, Config{
		Categories:   []string{"crypto", "macro", "regulation"},
		RotationMode: true,
	})

	for i := 0; i < 4; i++ {
		res := o.RunCycle(context.Background())
		require.Len(t, res.Categories, 1)
	}
	assert.Equal(t, []string{"crypto", "macro", "regulation", "crypto"}, src.searched)
}

func TestRedundancyDropsStoredAndDuplicateTitles(t *testing.T) {
	a := testArticle("a1", "Bitcoin Surges Past Record High After ETF Approval", "crypto")
	dup := testArticle("a2", "Bitcoin Surges Past Record High After ETF Approval!", "crypto")
	src := &fakeSource{articles: []model.Article{a, dup}}
	o, _, _ := newTestOrchestrator(t, src, Config{Categories: []string{"crypto"}, EnhancedClustering: true})

	res := o.RunCycle(context.Background())
	assert.Equal(t, StepCycleComplete, res.Step)
	assert.Equal(t, 1, res.Unique, "fingerprint duplicate dropped in-batch")

	// second cycle sees the same URLs already stored
	res = o.RunCycle(context.Background())
	assert.Equal(t, StepNoUniqueArticles, res.Step)
}

func TestClusterAccumulatesAcrossCycles(t *testing.T) {
	first := testArticle("a1", "Bitcoin Surges Past Record High After ETF Approval", "crypto")
	o, st, _ := newTestOrchestrator(t, &fakeSource{articles: []model.Article{first}},
		Config{Categories: []string{"crypto"}, EnhancedClustering: true})

	res := o.RunCycle(context.Background())
	require.Equal(t, StepCycleComplete, res.Step)
	require.Equal(t, 1, res.Created)

	// a rephrased follow-up with the same topic key joins the cluster
	o.source = &fakeSource{articles: []model.Article{
		testArticle("a9", "Bitcoin Surges Past Record High After ETF Approval", "crypto"),
	}}
	res = o.RunCycle(context.Background())
	require.Equal(t, StepCycleComplete, res.Step)
	assert.Equal(t, 1, res.Clustered)
	assert.Zero(t, res.Created)

	clusters, err := st.RecentClusters(context.Background(), "crypto", res.StartedAt.Add(-1), 10)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].ArticleCount)
	assert.Equal(t, 1, clusters[0].UniqueTitleCount)
}

func TestForEachLimitPropagatesError(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	err := forEachLimit(context.Background(), 3, 10, func(i int) error {
		mu.Lock()
		ran++
		mu.Unlock()
		if i == 4 {
			return errors.New("boom")
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 10, ran)
}
