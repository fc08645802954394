package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReplaceProductsClearsPreviousSet(t *testing.T) {
	store := newTestStore(t)
	today := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	first := []Product{
		{ID: 1, StyleNo: "A-1", Title: "old", Keywords: []string{"alpha"}, RefreshedOn: today},
		{ID: 2, StyleNo: "A-2", Title: "old two", Keywords: []string{"beta"}, RefreshedOn: today},
	}
	if err := store.ReplaceProducts(first); err != nil {
		t.Fatalf("ReplaceProducts returned error: %v", err)
	}

	second := []Product{
		{ID: 3, StyleNo: "B-1", Title: "new", Keywords: []string{"gamma"}, RefreshedOn: today},
	}
	if err := store.ReplaceProducts(second); err != nil {
		t.Fatalf("ReplaceProducts returned error: %v", err)
	}

	products, err := store.AllProducts()
	if err != nil {
		t.Fatalf("AllProducts returned error: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product after replace, got %d", len(products))
	}
	if products[0].ID != 3 {
		t.Errorf("expected product 3 to survive, got %d", products[0].ID)
	}
}

func TestUpsertKeywordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	promoted := true
	kw := &Keyword{
		Value:         "usb cable",
		CompanyCount:  42,
		ShowcaseCount: 7,
		Volume:        SearchVolume{ThisMonth: 1200, LastMonth1: 1100},
		Promoted:      &promoted,
		RefreshedAt:   time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC),
	}

	for i := 0; i < 3; i++ {
		if err := store.UpsertKeyword(kw); err != nil {
			t.Fatalf("UpsertKeyword pass %d returned error: %v", i, err)
		}
	}

	all, err := store.AllKeywords()
	if err != nil {
		t.Fatalf("AllKeywords returned error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 keyword row, got %d", len(all))
	}
	got := all[0]
	if got.CompanyCount != 42 || got.Volume.ThisMonth != 1200 {
		t.Errorf("keyword fields not preserved: %+v", got)
	}
	if got.Promoted == nil || !*got.Promoted {
		t.Errorf("expected promoted=true, got %v", got.Promoted)
	}
}

func TestUpsertKeywordPreservesTriStatePromoted(t *testing.T) {
	store := newTestStore(t)
	kw := &Keyword{Value: "hdmi cable", RefreshedAt: time.Now()}
	if err := store.UpsertKeyword(kw); err != nil {
		t.Fatalf("UpsertKeyword returned error: %v", err)
	}
	got, err := store.QueryKeyword("hdmi cable")
	if err != nil {
		t.Fatalf("QueryKeyword returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected keyword record, got nil")
	}
	if got.Promoted != nil {
		t.Errorf("expected promoted to stay unknown, got %v", *got.Promoted)
	}
}

func TestKeywordStatUpsertKeepsCategories(t *testing.T) {
	store := newTestStore(t)
	kw := &Keyword{Value: "power bank", RefreshedAt: time.Now()}
	if err := store.UpsertKeyword(kw); err != nil {
		t.Fatalf("UpsertKeyword returned error: %v", err)
	}
	if err := store.UpdateKeywordCategories("power bank", []string{"Consumer Electronics"}); err != nil {
		t.Fatalf("UpdateKeywordCategories returned error: %v", err)
	}

	// A later stat refresh must not wipe the category labels.
	kw.CompanyCount = 9
	if err := store.UpsertKeyword(kw); err != nil {
		t.Fatalf("UpsertKeyword returned error: %v", err)
	}

	got, err := store.QueryKeyword("power bank")
	if err != nil {
		t.Fatalf("QueryKeyword returned error: %v", err)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "Consumer Electronics" {
		t.Errorf("categories lost across stat upsert: %v", got.Categories)
	}
	if got.CompanyCount != 9 {
		t.Errorf("stat update lost: company_cnt = %d", got.CompanyCount)
	}
}

func TestEmptyRankDistinctFromAbsent(t *testing.T) {
	store := newTestStore(t)
	today := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	absent, err := store.QueryRank("no such keyword")
	if err != nil {
		t.Fatalf("QueryRank returned error: %v", err)
	}
	if absent != nil {
		t.Fatal("expected nil for absent rank record")
	}

	empty := &Rank{Keyword: "usb cable", Entries: nil, RefreshedOn: today}
	if err := store.UpsertRank(empty); err != nil {
		t.Fatalf("UpsertRank returned error: %v", err)
	}

	got, err := store.QueryRank("usb cable")
	if err != nil {
		t.Fatalf("QueryRank returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected rank record with empty entries, got nil")
	}
	if len(got.Entries) != 0 {
		t.Errorf("expected empty entries, got %v", got.Entries)
	}

	stale, err := store.IsStale(KindRank, "usb cable", today)
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if stale {
		t.Error("rank refreshed today should not be stale")
	}
}

func TestRankStaleAfterDayBoundary(t *testing.T) {
	store := newTestStore(t)
	yesterday := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	today := time.Date(2026, 8, 31, 0, 1, 0, 0, time.UTC)

	r := &Rank{
		Keyword:     "usb cable",
		Entries:     []RankEntry{{ProductID: 101, Position: 1.03}},
		RefreshedOn: yesterday,
	}
	if err := store.UpsertRank(r); err != nil {
		t.Fatalf("UpsertRank returned error: %v", err)
	}

	stale, err := store.IsStale(KindRank, "usb cable", today)
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if !stale {
		t.Error("rank refreshed yesterday should be stale today")
	}
}

func TestKeywordStaleAfterOneMonth(t *testing.T) {
	store := newTestStore(t)
	refreshed := time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)

	kw := &Keyword{Value: "usb cable", RefreshedAt: refreshed}
	if err := store.UpsertKeyword(kw); err != nil {
		t.Fatalf("UpsertKeyword returned error: %v", err)
	}

	fresh, err := store.IsStale(KindKeyword, "usb cable", time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if fresh {
		t.Error("keyword refreshed under a month ago should not be stale")
	}

	stale, err := store.IsStale(KindKeyword, "usb cable", time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if !stale {
		t.Error("keyword refreshed over a month ago should be stale")
	}
}

func TestProductStalenessCoversWholeSet(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	stale, err := store.IsStale(KindProduct, "", now)
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if !stale {
		t.Error("empty product table should be stale")
	}

	products := []Product{
		{ID: 1, RefreshedOn: now},
		{ID: 2, RefreshedOn: now.AddDate(0, 0, -1)},
	}
	if err := store.ReplaceProducts(products); err != nil {
		t.Fatalf("ReplaceProducts returned error: %v", err)
	}

	stale, err = store.IsStale(KindProduct, "", now)
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if !stale {
		t.Error("one outdated product should make the whole set stale")
	}

	products[1].RefreshedOn = now
	if err := store.ReplaceProducts(products); err != nil {
		t.Fatalf("ReplaceProducts returned error: %v", err)
	}
	stale, err = store.IsStale(KindProduct, "", now)
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if stale {
		t.Error("fully refreshed product set should not be stale")
	}
}

func TestPromotedKeywordsReplacedWholesale(t *testing.T) {
	store := newTestStore(t)

	first := []PromotedKeyword{
		{Keyword: "usb cable", QualityScore: 4, Active: true},
		{Keyword: "hdmi cable", QualityScore: 3, Active: false, Tag: "low"},
	}
	if err := store.InsertPromotedKeywords(first); err != nil {
		t.Fatalf("InsertPromotedKeywords returned error: %v", err)
	}

	if err := store.ClearPromotedKeywords(); err != nil {
		t.Fatalf("ClearPromotedKeywords returned error: %v", err)
	}
	second := []PromotedKeyword{{Keyword: "power bank", QualityScore: 5, Active: true}}
	if err := store.InsertPromotedKeywords(second); err != nil {
		t.Fatalf("InsertPromotedKeywords returned error: %v", err)
	}

	all, err := store.AllPromotedKeywords()
	if err != nil {
		t.Fatalf("AllPromotedKeywords returned error: %v", err)
	}
	if len(all) != 1 || all[0].Keyword != "power bank" {
		t.Fatalf("expected only the refetched set, got %+v", all)
	}
}

func TestProductKeywordsDeduplicated(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	products := []Product{
		{ID: 1, Keywords: []string{"usb cable", "charging cable"}, RefreshedOn: now},
		{ID: 2, Keywords: []string{"usb cable", "data cable"}, RefreshedOn: now},
	}
	if err := store.ReplaceProducts(products); err != nil {
		t.Fatalf("ReplaceProducts returned error: %v", err)
	}

	keywords, err := store.ProductKeywords()
	if err != nil {
		t.Fatalf("ProductKeywords returned error: %v", err)
	}
	if len(keywords) != 3 {
		t.Fatalf("expected 3 distinct keywords, got %v", keywords)
	}
}
