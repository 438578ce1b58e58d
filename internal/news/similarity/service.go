// Package similarity scores article pairs from four channels: embedding
// cosine, entity overlap, topic tokens and keywords, with an optional
// language-model channel blended in when available.
package similarity

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"polyflux/internal/llm"
	"polyflux/internal/news/model"
	"polyflux/internal/vector"
)

const (
	embedDim       = 128
	embedCacheSize = 1000
	batchWindow    = 10
)

// entityTypeWeights bias the overlap channel toward tradeable subjects.
var entityTypeWeights = map[model.EntityType]float64{
	model.EntityToken:          1.0,
	model.EntityOrganization:   1.0,
	model.EntityGovernmentBody: 1.0,
	model.EntityProtocol:       0.9,
	model.EntityPerson:         0.8,
	model.EntityEvent:          0.8,
	model.EntityCountry:        0.7,
	model.EntityLocation:       0.5,
	model.EntityAmount:         0.3,
	model.EntityDate:           0.3,
}

// Features is the per-article vector the service compares.
type Features struct {
	ArticleID string
	Embedding []float64
	Entities  []model.ExtractedEntity
	Topic     string
	Keywords  []string
}

// Score is a similarity result with the method that produced it.
type Score struct {
	Score  float64
	Method string // "hybrid" when the LLM channel contributed, else "cosine"
}

// Ranked pairs a candidate index with its score.
type Ranked struct {
	Index int
	Score Score
}

// Service computes weighted pairwise similarity.
type Service struct {
	llm        llm.Client
	embedCache *lru.Cache[string, []float64]
}

func NewService(client llm.Client) (*Service, error) {
	cache, err := lru.New[string, []float64](embedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{llm: client, embedCache: cache}, nil
}

// Embed returns the article's embedding, served from the id-keyed cache.
// Without an LLM endpoint it falls back to a deterministic hashed
// bag-of-words vector so vector search still functions offline.
func (s *Service) Embed(ctx context.Context, articleID, text string) []float64 {
	if emb, ok := s.embedCache.Get(articleID); ok {
		return emb
	}
	var emb []float64
	if s.llm.Available() {
		var err error
		emb, err = s.llm.Embed(ctx, text)
		if err != nil {
			log.Debug().Err(err).Str("article", articleID).Msg("Embedding fell back to hashed vector")
			emb = nil
		}
	}
	if emb == nil {
		emb = HashEmbedding(text, embedDim)
	}
	s.embedCache.Add(articleID, emb)
	return emb
}

// Similarity scores a pair of feature vectors.
func (s *Service) Similarity(ctx context.Context, a, b Features) Score {
	cos := vector.CosineSimilarity(a.Embedding, b.Embedding)
	entity := entitySimilarity(a.Entities, b.Entities)
	topic := tokenJaccard(a.Topic, b.Topic)
	keyword := setJaccard(a.Keywords, b.Keywords)

	if s.llm.Available() {
		llmScore, err := s.llmSimilarity(ctx, a, b)
		if err == nil {
			score := 0.25*cos + 0.30*entity + 0.20*topic + 0.10*keyword + 0.15*llmScore
			return Score{Score: clip01(score), Method: "hybrid"}
		}
		log.Debug().Err(err).Msg("LLM similarity channel skipped")
	}
	score := 0.35*cos + 0.35*entity + 0.20*topic + 0.10*keyword
	return Score{Score: clip01(score), Method: "cosine"}
}

// BatchSimilarity scores the target against every candidate, in windows of
// ten to bound LLM pressure between context checks.
func (s *Service) BatchSimilarity(ctx context.Context, target Features, candidates []Features) []Score {
	out := make([]Score, len(candidates))
	for start := 0; start < len(candidates); start += batchWindow {
		if ctx.Err() != nil {
			break
		}
		end := start + batchWindow
		if end > len(candidates) {
			end = len(candidates)
		}
		for i := start; i < end; i++ {
			out[i] = s.Similarity(ctx, target, candidates[i])
		}
	}
	return out
}

// FindMostSimilar returns up to topK candidates scoring at or above the
// threshold, best first.
func (s *Service) FindMostSimilar(ctx context.Context, target Features, candidates []Features, topK int, threshold float64) []Ranked {
	scores := s.BatchSimilarity(ctx, target, candidates)
	ranked := make([]Ranked, 0, len(scores))
	for i, sc := range scores {
		if sc.Score >= threshold {
			ranked = append(ranked, Ranked{Index: i, Score: sc})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score.Score > ranked[j].Score.Score })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

type llmSimilarityAnswer struct {
	Similarity float64 `json:"similarity"`
}

const similarityPrompt = `Rate how likely these two news topics describe the same underlying story, from 0.0 to 1.0.
Respond with JSON only: {"similarity": <number>}.

A: %s
B: %s`

func (s *Service) llmSimilarity(ctx context.Context, a, b Features) (float64, error) {
	answer, err := s.llm.Complete(ctx, fmt.Sprintf(similarityPrompt, a.Topic, b.Topic))
	if err != nil {
		return 0, err
	}
	var parsed llmSimilarityAnswer
	if err := llm.DecodeLenient(answer, &parsed); err != nil {
		return 0, err
	}
	return clip01(parsed.Similarity), nil
}

// entitySimilarity is a per-type-weighted overlap. For each entity in A a
// match is looked up in B by normalized name or case-insensitive name; the
// sum of weight·min(conf) pairs is normalized by total weight and damped by
// the set-size imbalance.
func entitySimilarity(a, b []model.ExtractedEntity) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	byNorm := make(map[string]model.ExtractedEntity, len(b))
	for _, ent := range b {
		byNorm[ent.Normalized] = ent
		byNorm[strings.ToLower(ent.Name)] = ent
	}

	var sum, totalWeight float64
	for _, ent := range a {
		w := entityTypeWeights[ent.Type]
		if w == 0 {
			w = 0.5
		}
		totalWeight += w
		match, ok := byNorm[ent.Normalized]
		if !ok {
			match, ok = byNorm[strings.ToLower(ent.Name)]
		}
		if ok {
			sum += w * math.Min(ent.Confidence, match.Confidence)
		}
	}
	if totalWeight == 0 {
		return 0
	}
	small, large := float64(len(a)), float64(len(b))
	if small > large {
		small, large = large, small
	}
	balance := 0.7 + 0.3*small/large
	return clip01(sum / totalWeight * balance)
}

func tokenJaccard(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func setJaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[strings.ToLower(s)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[strings.ToLower(s)] = true
	}
	return jaccard(setA, setB)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// HashEmbedding maps text to a deterministic unit-length bag-of-words
// vector. Quality is far below a learned embedding but distances remain
// meaningful for near-duplicate text.
func HashEmbedding(text string, dim int) []float64 {
	vec := make([]float64, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?—\"'()[]{}:;")
		if len(tok) < 3 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(dim))
		sign := 1.0
		if sum&0x80000000 != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
