package news

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyflux/internal/bus"
	"polyflux/internal/net/circuit"
	"polyflux/internal/news/cluster"
	"polyflux/internal/news/entities"
	"polyflux/internal/news/heat"
	"polyflux/internal/news/ingest"
	"polyflux/internal/news/model"
	"polyflux/internal/news/similarity"
	"polyflux/internal/news/store"
	"polyflux/internal/vector"
)

// Cycle steps. A cycle ends on exactly one of these; the exit markers
// short-circuit the remaining stages.
const (
	StepCycleComplete         = "CYCLE_COMPLETE"
	StepNoArticlesFound       = "NO_ARTICLES_FOUND"
	StepNoArticlesScraped     = "NO_ARTICLES_SCRAPED"
	StepNoArticlesQuality     = "NO_ARTICLES_PASSED_QUALITY"
	StepNoArticlesCategorized = "NO_ARTICLES_CATEGORIZED"
	StepNoUniqueArticles      = "NO_UNIQUE_ARTICLES"
	StepSkippedCircuitBreaker = "SKIPPED_CIRCUIT_BREAKER"
	StepClusterFallbackFailed = "CLUSTER_FALLBACK_FAILED"
	StepError                 = "ERROR"
)

// Per-stage breaker names under the shared registry. The execution breaker
// gates whole cycles once consecutive failures pile up.
const (
	breakerSearch     = "news-search"
	breakerScrape     = "news-scrape"
	breakerQuality    = "news-quality"
	breakerCategorize = "news-categorize"
	breakerTopic      = "news-topic"
	breakerRedundancy = "news-redundancy"
	breakerStore      = "news-store"
	breakerCluster    = "news-cluster"
	breakerCleanup    = "news-cleanup"
	breakerExecution  = "news-execution"
)

const (
	defaultWorkers      = 5
	maxConsecutiveErrs  = 5
	hotClusterCount     = 5
	heatRetentionWindow = 24 * time.Hour
)

// Source is the external search/scrape collaborator.
type Source interface {
	// Search returns candidate articles for a category: title, url,
	// source, publishedAt filled; content usually empty.
	Search(ctx context.Context, category string, limit int) ([]model.Article, error)
	// Scrape fetches full content for the candidates, dropping the ones
	// that cannot be fetched.
	Scrape(ctx context.Context, articles []model.Article) ([]model.Article, error)
}

// Config tunes the orchestrator loop.
type Config struct {
	Categories            []string
	RotationMode          bool
	QueriesPerCategory    int
	Workers               int
	EnhancedClustering    bool
	MergeWindow           time.Duration
	DecrementUniqueTitles bool
}

// CycleResult summarizes one pipeline cycle.
type CycleResult struct {
	CycleID    string    `json:"cycle_id"`
	Step       string    `json:"step"`
	Categories []string  `json:"categories"`
	Fallbacks  []string  `json:"fallbacks,omitempty"`
	Found      int       `json:"found"`
	Scraped    int       `json:"scraped"`
	Quality    int       `json:"quality"`
	Categorize int       `json:"categorized"`
	Unique     int       `json:"unique"`
	Stored     int       `json:"stored"`
	Clustered  int       `json:"clustered"`
	Created    int       `json:"clusters_created"`
	Merged     int       `json:"merged"`
	Anomalies  int       `json:"anomalies"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        string    `json:"error,omitempty"`
}

// Status is the orchestrator's externally visible state.
type Status struct {
	CurrentStep       string      `json:"current_step"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	CyclesRun         int         `json:"cycles_run"`
	LastCycle         CycleResult `json:"last_cycle"`
}

// Orchestrator sequences the news pipeline: search, scrape, quality,
// categorize, topic, redundancy, store, cluster, cleanup. Every stage runs
// behind its own breaker with a stage-typed fallback; a stage failure
// degrades the cycle instead of aborting it.
type Orchestrator struct {
	cfg       Config
	source    Source
	gate      *ingest.Gate
	labeler   Labeler
	extractor *entities.Extractor
	enhanced  *cluster.Engine
	standard  *cluster.Engine
	merger    *cluster.Merger
	detector  *heat.Detector
	predictor *heat.Predictor
	store     store.Store
	breakers  *circuit.Registry
	bus       bus.Bus

	mu          sync.Mutex
	consecutive int
	cyclesRun   int
	rotationIdx int
	currentStep string
	lastCycle   CycleResult

	now func() time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Source    Source
	Labeler   Labeler
	Extractor *entities.Extractor
	Sim       *similarity.Service
	Store     store.Store
	Vectors   vector.Store
	Breakers  *circuit.Registry
	Bus       bus.Bus
}

func NewOrchestrator(cfg Config, d Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueriesPerCategory <= 0 {
		cfg.QueriesPerCategory = 3
	}
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = 48 * time.Hour
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"crypto", "macro", "regulation"}
	}

	engCfg := cluster.DefaultEngineConfig()
	engCfg.MergeWindow = cfg.MergeWindow
	enhanced := cluster.NewEngine(d.Store, d.Vectors, d.Sim, engCfg)

	// The standard variant skips the vector and semantic tiers: topic-key
	// match, keyword Jaccard, or create.
	stdCfg := engCfg
	stdCfg.Enhanced = false
	standard := cluster.NewEngine(d.Store, nil, d.Sim, stdCfg)

	return &Orchestrator{
		cfg:       cfg,
		source:    d.Source,
		gate:      ingest.NewGate(),
		labeler:   d.Labeler,
		extractor: d.Extractor,
		enhanced:  enhanced,
		standard:  standard,
		merger: cluster.NewMerger(d.Store, d.Vectors, cluster.MergerConfig{
			Window:                cfg.MergeWindow,
			DecrementUniqueTitles: cfg.DecrementUniqueTitles,
		}),
		detector:  heat.NewDetector(),
		predictor: heat.NewPredictor(),
		store:     d.Store,
		breakers:  d.Breakers,
		bus:       d.Bus,
		now:       time.Now,
	}
}

// Run executes cycles on the given interval until ctx is cancelled. The
// first cycle runs immediately.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		CurrentStep:       o.currentStep,
		ConsecutiveErrors: o.consecutive,
		CyclesRun:         o.cyclesRun,
		LastCycle:         o.lastCycle,
	}
}

// RunCycle executes one full pipeline cycle and records its result.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{
		CycleID:    uuid.NewString(),
		Categories: o.categoriesForCycle(),
		StartedAt:  o.now(),
	}

	if !o.breakers.Allow(breakerExecution) {
		res.Step = StepSkippedCircuitBreaker
		log.Warn().Str("cycle", res.CycleID).Msg("news cycle skipped, execution breaker open")
		return o.finish(res)
	}

	res = o.runStages(ctx, res)

	if res.Err != "" || res.Step == StepClusterFallbackFailed {
		o.recordCycleError(res)
	} else {
		o.recordCycleSuccess()
	}
	return o.finish(res)
}

func (o *Orchestrator) runStages(ctx context.Context, res CycleResult) CycleResult {
	// search
	found := o.searchStage(ctx, &res)
	res.Found = len(found)
	if len(found) == 0 {
		res.Step = StepNoArticlesFound
		return res
	}

	// scrape + inline language/length gates
	scraped := o.scrapeStage(ctx, found, &res)
	res.Scraped = len(scraped)
	if len(scraped) == 0 {
		res.Step = StepNoArticlesScraped
		return res
	}

	// quality (LLM)
	kept := o.qualityStage(ctx, scraped, &res)
	res.Quality = len(kept)
	if len(kept) == 0 {
		res.Step = StepNoArticlesQuality
		return res
	}

	// categorize
	categorized := o.categorizeStage(ctx, kept, &res)
	res.Categorize = len(categorized)
	if len(categorized) == 0 {
		res.Step = StepNoArticlesCategorized
		return res
	}

	// topic generation + validation
	labeled := o.topicStage(ctx, categorized, &res)

	// redundancy
	unique := o.redundancyStage(ctx, labeled, &res)
	res.Unique = len(unique)
	if len(unique) == 0 {
		res.Step = StepNoUniqueArticles
		return res
	}

	// store
	res.Stored = o.storeStage(ctx, unique, &res)

	// cluster
	if !o.clusterStage(ctx, unique, &res) {
		res.Step = StepClusterFallbackFailed
		return res
	}

	// cleanup: heat pruning, anomaly sweep, hot-cluster publication
	o.cleanupStage(ctx, &res)

	res.Step = StepCycleComplete
	return res
}

// labeledArticle carries an article through the back half of the pipeline.
type labeledArticle struct {
	article  model.Article
	label    model.AILabel
	entities []model.ExtractedEntity
}

func (o *Orchestrator) searchStage(ctx context.Context, res *CycleResult) []model.Article {
	v, _ := o.safeExecute(breakerSearch, "SEARCH_FALLBACK", res,
		func() (any, error) {
			var all []model.Article
			for _, cat := range res.Categories {
				found, err := o.source.Search(ctx, cat, o.cfg.QueriesPerCategory)
				if err != nil {
					return nil, fmt.Errorf("search %s: %w", cat, err)
				}
				all = append(all, found...)
			}
			return all, nil
		},
		func() any { return []model.Article(nil) })
	arts, _ := v.([]model.Article)
	return arts
}

func (o *Orchestrator) scrapeStage(ctx context.Context, found []model.Article, res *CycleResult) []model.Article {
	v, _ := o.safeExecute(breakerScrape, "SCRAPE_FALLBACK", res,
		func() (any, error) {
			scraped, err := o.source.Scrape(ctx, found)
			if err != nil {
				return nil, err
			}
			return o.gate.Filter(scraped), nil
		},
		func() any { return []model.Article(nil) })
	arts, _ := v.([]model.Article)
	return arts
}

func (o *Orchestrator) qualityStage(ctx context.Context, in []model.Article, res *CycleResult) []model.Article {
	v, _ := o.safeExecute(breakerQuality, "QUALITY_FALLBACK", res,
		func() (any, error) {
			keep := make([]bool, len(in))
			err := forEachLimit(ctx, o.cfg.Workers, len(in), func(i int) error {
				ok, err := o.labeler.Quality(ctx, in[i])
				keep[i] = ok
				return err
			})
			if err != nil {
				return nil, err
			}
			var out []model.Article
			for i, a := range in {
				if keep[i] {
					out = append(out, a)
				}
			}
			return out, nil
		},
		// fallback keeps everything the gate already passed
		func() any { return in })
	arts, _ := v.([]model.Article)
	return arts
}

func (o *Orchestrator) categorizeStage(ctx context.Context, in []model.Article, res *CycleResult) []model.Article {
	v, _ := o.safeExecute(breakerCategorize, "CATEGORIZE_FALLBACK", res,
		func() (any, error) {
			out := make([]model.Article, len(in))
			copy(out, in)
			err := forEachLimit(ctx, o.cfg.Workers, len(out), func(i int) error {
				cats, err := o.labeler.Categorize(ctx, out[i], o.cfg.Categories)
				if err != nil {
					return err
				}
				out[i].Categories = cats
				return nil
			})
			if err != nil {
				return nil, err
			}
			return dropUncategorized(out), nil
		},
		func() any {
			out := make([]model.Article, len(in))
			copy(out, in)
			for i := range out {
				out[i].Categories = heuristicCategories(out[i], o.cfg.Categories)
			}
			return dropUncategorized(out)
		})
	arts, _ := v.([]model.Article)
	return arts
}

func dropUncategorized(in []model.Article) []model.Article {
	var out []model.Article
	for _, a := range in {
		if len(a.Categories) > 0 {
			out = append(out, a)
		}
	}
	return out
}

func (o *Orchestrator) topicStage(ctx context.Context, in []model.Article, res *CycleResult) []labeledArticle {
	label := func(useLLM bool) ([]labeledArticle, error) {
		out := make([]labeledArticle, len(in))
		err := forEachLimit(ctx, o.cfg.Workers, len(in), func(i int) error {
			out[i].article = in[i]
			if useLLM {
				l, err := o.labeler.Label(ctx, in[i])
				if err != nil {
					return err
				}
				out[i].label = l
			} else {
				out[i].label = HeuristicLabel(in[i])
			}
			ex := o.extractor.Extract(ctx, in[i].Title, in[i].Content)
			out[i].entities = ex.Entities
			return nil
		})
		return out, err
	}

	v, _ := o.safeExecute(breakerTopic, "TOPIC_FALLBACK", res,
		func() (any, error) { return label(true) },
		func() any {
			out, err := label(false)
			if err != nil {
				return []labeledArticle(nil)
			}
			return out
		})
	labeled, _ := v.([]labeledArticle)
	return labeled
}

// redundancyStage drops articles already stored (by URL) and in-batch title
// duplicates.
func (o *Orchestrator) redundancyStage(ctx context.Context, in []labeledArticle, res *CycleResult) []labeledArticle {
	v, _ := o.safeExecute(breakerRedundancy, "REDUNDANCY_FALLBACK", res,
		func() (any, error) {
			seen := map[string]bool{}
			var out []labeledArticle
			for _, la := range in {
				fp := model.TitleFingerprint(la.article.Title)
				if seen[fp] {
					continue
				}
				dup, err := o.store.HasArticleURL(ctx, la.article.URL)
				if err != nil {
					return nil, err
				}
				if dup {
					continue
				}
				seen[fp] = true
				out = append(out, la)
			}
			return out, nil
		},
		// store unreachable: dedupe within the batch only
		func() any {
			seen := map[string]bool{}
			var out []labeledArticle
			for _, la := range in {
				fp := model.TitleFingerprint(la.article.Title)
				if seen[fp] {
					continue
				}
				seen[fp] = true
				out = append(out, la)
			}
			return out
		})
	out, _ := v.([]labeledArticle)
	return out
}

func (o *Orchestrator) storeStage(ctx context.Context, in []labeledArticle, res *CycleResult) int {
	v, _ := o.safeExecute(breakerStore, "STORE_FALLBACK", res,
		func() (any, error) {
			stored := 0
			for _, la := range in {
				if err := o.store.SaveArticle(ctx, la.article); err != nil {
					return stored, err
				}
				stored++
			}
			return stored, nil
		},
		func() any { return 0 })
	n, _ := v.(int)
	return n
}

// clusterStage runs enhanced assignment plus merging; on enhanced failure it
// retries once with the standard engine. Returns false only when both fail.
func (o *Orchestrator) clusterStage(ctx context.Context, in []labeledArticle, res *CycleResult) bool {
	inputs := make([]cluster.Input, 0, len(in))
	for _, la := range in {
		inputs = append(inputs, cluster.Input{
			Article:  la.article,
			Label:    la.label,
			Entities: la.entities,
		})
	}

	run := func(eng *cluster.Engine, merge bool) (int, int, int, error) {
		assignments := eng.AssignBatch(ctx, inputs)
		clustered, created, failed := 0, 0, 0
		for _, a := range assignments {
			if a.Err != nil {
				failed++
				continue
			}
			clustered++
			if a.Created {
				created++
			}
		}
		if clustered == 0 && failed > 0 {
			return 0, 0, 0, fmt.Errorf("all %d assignments failed", failed)
		}
		merges := 0
		if merge {
			results, err := o.merger.Run(ctx, res.Categories)
			if err != nil {
				return clustered, created, 0, err
			}
			merges = len(results)
		}
		return clustered, created, merges, nil
	}

	mode := "standard"
	if o.cfg.EnhancedClustering {
		mode = "enhanced"
	}
	v, usedFallback := o.safeExecute(breakerCluster, "CLUSTER_FALLBACK", res,
		func() (any, error) {
			if o.cfg.EnhancedClustering {
				clustered, created, merges, err := run(o.enhanced, true)
				return [3]int{clustered, created, merges}, err
			}
			clustered, created, _, err := run(o.standard, false)
			return [3]int{clustered, created, 0}, err
		},
		func() any {
			if !o.cfg.EnhancedClustering {
				return nil
			}
			log.Warn().Str("cycle", res.CycleID).Msg("enhanced clustering failed, retrying standard")
			clustered, created, _, err := run(o.standard, false)
			if err != nil {
				return nil
			}
			return [3]int{clustered, created, 0}
		})
	counts, recovered := v.([3]int)
	if usedFallback && !recovered {
		return false
	}
	res.Clustered, res.Created, res.Merged = counts[0], counts[1], counts[2]
	if usedFallback {
		mode = "standard"
	}
	log.Info().
		Str("cycle", res.CycleID).
		Str("mode", mode).
		Int("clustered", res.Clustered).
		Int("created", res.Created).
		Int("merged", res.Merged).
		Msg("cluster stage done")
	return true
}

func (o *Orchestrator) cleanupStage(ctx context.Context, res *CycleResult) {
	o.safeExecute(breakerCleanup, "CLEANUP_FALLBACK", res,
		func() (any, error) {
			if _, err := o.store.PruneHeatBefore(ctx, o.now().Add(-heatRetentionWindow)); err != nil {
				return nil, err
			}

			since := o.now().Add(-o.cfg.MergeWindow)
			var active []model.StoryCluster
			for _, cat := range res.Categories {
				clusters, err := o.store.RecentClusters(ctx, cat, since, 100)
				if err != nil {
					return nil, err
				}
				active = append(active, clusters...)
			}

			anomalies := o.detector.DetectCrossSyndication(active)
			for _, c := range active {
				history, err := o.store.HeatHistory(ctx, c.ID, 50)
				if err != nil {
					continue
				}
				anomalies = append(anomalies, o.detector.Detect(c.ID, history)...)
			}
			for _, a := range anomalies {
				o.publish(ctx, bus.TopicNewsAnomaly, a)
			}
			res.Anomalies = len(anomalies)

			o.publishHotClusters(ctx, res.Categories)
			o.publish(ctx, bus.TopicNewsClustered, *res)
			return nil, nil
		},
		func() any { return nil })
}

func (o *Orchestrator) publishHotClusters(ctx context.Context, categories []string) {
	since := o.now().Add(-o.cfg.MergeWindow)
	for _, cat := range categories {
		hot, err := o.store.TopClusters(ctx, cat, since, hotClusterCount)
		if err != nil || len(hot) == 0 {
			continue
		}
		o.publish(ctx, bus.TopicNewsHotClusters, hot)
		for _, c := range hot {
			history, err := o.store.HeatHistory(ctx, c.ID, 50)
			if err != nil {
				continue
			}
			pred, err := o.predictor.Predict(c.ID, history)
			if err != nil {
				continue
			}
			o.publish(ctx, bus.TopicNewsPrediction, pred)
		}
	}
}

// safeExecute runs fn under the named stage breaker. On failure (or an open
// breaker) the fallback result is used and the stage marker recorded.
func (o *Orchestrator) safeExecute(name, marker string, res *CycleResult, fn func() (any, error), fallback func() any) (any, bool) {
	v, err := o.breakers.Execute(name, fn, nil)
	if err == nil {
		return v, false
	}
	log.Warn().Err(err).Str("stage", name).Str("cycle", res.CycleID).Msg("stage failed, using fallback")
	res.Fallbacks = append(res.Fallbacks, marker)
	if res.Err == "" {
		res.Err = err.Error()
	}
	return fallback(), true
}

func (o *Orchestrator) categoriesForCycle() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cfg.RotationMode || len(o.cfg.Categories) == 0 {
		return append([]string(nil), o.cfg.Categories...)
	}
	cat := o.cfg.Categories[o.rotationIdx%len(o.cfg.Categories)]
	o.rotationIdx++
	return []string{cat}
}

func (o *Orchestrator) recordCycleError(res CycleResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutive++
	if o.consecutive >= maxConsecutiveErrs {
		o.breakers.Open(breakerExecution)
		log.Error().
			Int("consecutive_errors", o.consecutive).
			Str("cycle", res.CycleID).
			Msg("news execution breaker opened")
	}
}

func (o *Orchestrator) recordCycleSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.consecutive > 0 {
		o.breakers.Reset(breakerExecution)
	}
	o.consecutive = 0
}

func (o *Orchestrator) finish(res CycleResult) CycleResult {
	res.FinishedAt = o.now()

	o.mu.Lock()
	o.cyclesRun++
	o.currentStep = res.Step
	o.lastCycle = res
	o.mu.Unlock()

	log.Info().
		Str("cycle", res.CycleID).
		Str("step", res.Step).
		Strs("categories", res.Categories).
		Int("found", res.Found).
		Int("unique", res.Unique).
		Int("clustered", res.Clustered).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("news cycle finished")
	return res
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

// forEachLimit runs fn(i) for i in [0, n) with at most limit goroutines.
// The first error wins; remaining items still run.
func forEachLimit(ctx context.Context, limit, n int, fn func(i int) error) error {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
