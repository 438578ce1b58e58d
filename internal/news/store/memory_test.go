package store

import (
	"context"
	"testing"
	"time"

	"polyflux/internal/news/model"
)

func newCluster(topicKey, category string, heat float64) *model.StoryCluster {
	return &model.StoryCluster{
		Topic:            topicKey,
		TopicKey:         topicKey,
		Category:         category,
		HeatScore:        heat,
		ArticleCount:     1,
		UniqueTitleCount: 1,
	}
}

func TestCreateClusterFindOrCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, created, err := m.CreateCluster(ctx, newCluster("fed_raises_rates", "STOCKS", 10))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := m.CreateCluster(ctx, newCluster("fed_raises_rates", "STOCKS", 99))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate (topicKey, category) should not create")
	}
	if second.ID != first.ID {
		t.Errorf("find-or-create returned different ids: %s vs %s", second.ID, first.ID)
	}

	// same topicKey in another category is a distinct cluster
	_, created, _ = m.CreateCluster(ctx, newCluster("fed_raises_rates", "CRYPTO", 5))
	if !created {
		t.Error("same topicKey in another category should create")
	}
}

func TestTopicKeyLookupCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c, _, _ := m.CreateCluster(ctx, newCluster("btc_etf_approved", "CRYPTO", 1))

	got, err := m.FindClusterByTopicKey(ctx, "BTC_ETF_Approved", "crypto")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("got %s, want %s", got.ID, c.ID)
	}
}

func TestLinksDedupByArticle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c, _, _ := m.CreateCluster(ctx, newCluster("k", "CRYPTO", 1))

	link := model.ClusterArticleLink{ClusterID: c.ID, ArticleID: "a1", TitleFingerprint: "fp1"}
	m.AddLink(ctx, link)
	m.AddLink(ctx, link)

	links, _ := m.LinksForCluster(ctx, c.ID)
	if len(links) != 1 {
		t.Errorf("links = %d, want 1 (idempotent add)", len(links))
	}
}

func TestMoveLinksSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, _, _ := m.CreateCluster(ctx, newCluster("a", "CRYPTO", 2))
	b, _, _ := m.CreateCluster(ctx, newCluster("b", "CRYPTO", 1))

	m.AddLink(ctx, model.ClusterArticleLink{ClusterID: a.ID, ArticleID: "shared"})
	m.AddLink(ctx, model.ClusterArticleLink{ClusterID: b.ID, ArticleID: "shared"})
	m.AddLink(ctx, model.ClusterArticleLink{ClusterID: b.ID, ArticleID: "only-b"})

	moved, err := m.MoveLinks(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 2 {
		t.Errorf("moved = %d, want 2", len(moved))
	}
	links, _ := m.LinksForCluster(ctx, a.ID)
	if len(links) != 2 {
		t.Errorf("target links = %d, want 2 (shared not duplicated)", len(links))
	}
	leftover, _ := m.LinksForCluster(ctx, b.ID)
	if len(leftover) != 0 {
		t.Errorf("source retained %d links", len(leftover))
	}
}

func TestHeatHistoryNewestFirstAndPrune(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.AppendHeatSample(ctx, model.HeatSample{
			ClusterID: "c1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			HeatScore: float64(i),
		})
	}

	hist, _ := m.HeatHistory(ctx, "c1", 3)
	if len(hist) != 3 {
		t.Fatalf("history = %d, want 3", len(hist))
	}
	if hist[0].HeatScore != 4 || hist[2].HeatScore != 2 {
		t.Errorf("history not newest-first: %+v", hist)
	}

	pruned, _ := m.PruneHeatBefore(ctx, base.Add(2*time.Hour))
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}
}

func TestDeleteClusterFreesTopicKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c, _, _ := m.CreateCluster(ctx, newCluster("k", "CRYPTO", 1))
	if err := m.DeleteCluster(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetCluster(ctx, c.ID); err != ErrNotFound {
		t.Error("deleted cluster still readable")
	}
	_, created, _ := m.CreateCluster(ctx, newCluster("k", "CRYPTO", 1))
	if !created {
		t.Error("topicKey not freed after delete")
	}
}

func TestCrossRefsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	ref := model.CrossRef{ClusterA: "a", ClusterB: "b", Relation: model.RelationMergedInto, Score: 0.9}
	m.AddCrossRef(ctx, ref)
	m.AddCrossRef(ctx, ref)

	refs, _ := m.CrossRefs(ctx, "b")
	if len(refs) != 1 {
		t.Errorf("refs = %d, want 1", len(refs))
	}
}

func TestFindOrCreateEntityAndHeat(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	e1, _ := m.FindOrCreateEntity(ctx, "Bitcoin", "bitcoin", model.EntityToken)
	e2, _ := m.FindOrCreateEntity(ctx, "BITCOIN", "bitcoin", model.EntityToken)
	if e1.ID != e2.ID {
		t.Error("same (type, normalized) should resolve to one entity")
	}

	m.AddEntityClusterHeat(ctx, e1.ID, "c1", 1.5)
	m.AddEntityClusterHeat(ctx, e1.ID, "c1", 0.5)
	heat, _ := m.EntityClusterHeat(ctx, e1.ID, "c1")
	if heat != 2.0 {
		t.Errorf("entity cluster heat = %v, want 2.0", heat)
	}
}

func TestTopClustersRanksByHeat(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.CreateCluster(ctx, newCluster("cold", "CRYPTO", 5))
	m.CreateCluster(ctx, newCluster("hot", "CRYPTO", 50))
	m.CreateCluster(ctx, newCluster("other-cat", "STOCKS", 100))

	top, _ := m.TopClusters(ctx, "CRYPTO", time.Time{}, 10)
	if len(top) != 2 || top[0].TopicKey != "hot" {
		t.Errorf("top = %+v", top)
	}
}
