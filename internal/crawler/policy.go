package crawler

import (
	"fmt"
	"time"

	"github.com/dgjiede/alispider/internal/storage"
)

// The platform computes monthly keyword statistics against this timezone, so
// keyword freshness is judged in it regardless of where the crawl runs.
const referenceTimezone = "US/Pacific"

// Policy answers whether stored records still cover the current crawl, so the
// orchestrator can skip the network for fresh keys.
type Policy struct {
	store *storage.Store
	loc   *time.Location
	now   func() time.Time
}

// NewPolicy builds the staleness policy around the store.
func NewPolicy(store *storage.Store) (*Policy, error) {
	loc, err := time.LoadLocation(referenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference timezone: %w", err)
	}
	return &Policy{store: store, loc: loc, now: time.Now}, nil
}

// NeedsProducts reports whether the product catalog must be recrawled: it is
// empty or any record predates today.
func (p *Policy) NeedsProducts() (bool, error) {
	return p.store.IsStale(storage.KindProduct, "", p.now())
}

// NeedsKeyword reports whether the keyword's statistics are missing or older
// than one month in the reference timezone.
func (p *Policy) NeedsKeyword(keyword string) (bool, error) {
	return p.store.IsStale(storage.KindKeyword, Normalize(keyword), p.now().In(p.loc))
}

// NeedsRank reports whether the keyword's rank snapshot is missing or
// predates today.
func (p *Policy) NeedsRank(keyword string) (bool, error) {
	return p.store.IsStale(storage.KindRank, Normalize(keyword), p.now())
}

// NeedsCategory reports whether the keyword has no category labels yet.
func (p *Policy) NeedsCategory(keyword string) (bool, error) {
	return p.store.IsStale(storage.KindCategory, Normalize(keyword), p.now())
}

// QuotaReset returns the instant the platform's daily query quota opens
// again: the start of the next local day. Surfaced in the abort message when
// a run hits the rate limit.
func (p *Policy) QuotaReset() time.Time {
	now := p.now()
	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location())
}
