package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dgjiede/alispider/internal/metrics"
	"github.com/dgjiede/alispider/internal/storage"
)

// Token extraction patterns for the pages that embed them.
const (
	csrfTokenPattern    = `\{'_csrf_token_':'(\w+)'\}`
	p4pTokenPattern     = `'_csrf_token_': '(\w+)'`
	dmtrackPageIDRegexp = `dmtrack_pageid='(\w+)'`
)

// runState names the orchestrator's position in the per-kind crawl loop.
type runState int

const (
	stateIdle runState = iota
	stateAwaitingPage
	stateParsing
	statePersisting
	stateAdvancingCursor
	stateExhausted
	stateFailed
)

// PageFetcher dispatches one prepared request and returns the raw response.
type PageFetcher interface {
	Fetch(req *Request) (*FetchResult, error)
}

// TokenSource supplies session-bound tokens and can rebuild the session when
// the platform stops accepting it.
type TokenSource interface {
	AntiForgeryToken(ctx context.Context, pageURL, pattern string) (string, error)
	CToken() (string, error)
	Invalidate(ctx context.Context) error
}

// Crawler walks each record kind through fetch, parse, persist and cursor
// advancement. Strictly one request in flight; every persisted unit commits
// before the next request goes out.
type Crawler struct {
	store      *storage.Store
	fetcher    PageFetcher
	session    TokenSource
	policy     *Policy
	tracker    *metrics.Tracker
	checkpoint *Checkpoint
	resume     map[storage.EntityKind]CheckpointRecord
	now        func() time.Time
}

// NewCrawler wires the orchestrator. resume carries positions loaded from a
// previous run's checkpoint file, empty for a fresh run.
func NewCrawler(store *storage.Store, fetcher PageFetcher, session TokenSource,
	policy *Policy, tracker *metrics.Tracker, checkpoint *Checkpoint,
	resume map[storage.EntityKind]CheckpointRecord) *Crawler {
	return &Crawler{
		store:      store,
		fetcher:    fetcher,
		session:    session,
		policy:     policy,
		tracker:    tracker,
		checkpoint: checkpoint,
		resume:     resume,
		now:        time.Now,
	}
}

// kindDescriptor parameterizes the crawl loop for one record kind.
type kindDescriptor struct {
	kind storage.EntityKind
	// keys enumerates the cursor for keyed kinds; empty means one unkeyed
	// cursor (products, promoted keywords).
	keys    []string
	prepare func(ctx context.Context) error
	stale   func(key string) (bool, error)
	build   func(key string, page int) (*Request, error)
	// rebuild marks kinds whose table is cleared in prepare. A checkpoint
	// resume position would skip pages the clear already dropped, so the
	// crawl always restarts at page 1.
	rebuild bool
	// handle parses and persists one page, returning the next page number
	// (0 when the key is exhausted) and how many records were persisted.
	handle func(key string, page int, body []byte) (int, int, error)
}

// RunAll crawls every kind in dependency order: products feed the keyword
// list, keywords feed categories and ranks. The checkpoint file is removed
// only when the whole run completes.
func (c *Crawler) RunAll(ctx context.Context, baseFile, extendFile, negativeFile string) error {
	if err := c.CrawlProducts(ctx); err != nil {
		return err
	}

	keywords, err := c.BuildKeywordList(baseFile, extendFile, negativeFile)
	if err != nil {
		return err
	}
	logrus.WithField("keywords", len(keywords)).Info("Keyword list assembled")

	if err := c.CrawlKeywords(ctx, keywords); err != nil {
		return err
	}
	if err := c.CrawlCategories(ctx); err != nil {
		return err
	}
	if err := c.CrawlRanks(ctx, keywords); err != nil {
		return err
	}
	if err := c.CrawlPromotedKeywords(ctx); err != nil {
		return err
	}

	if c.checkpoint != nil {
		if err := c.checkpoint.Remove(); err != nil {
			return fmt.Errorf("run finished but checkpoint cleanup failed: %w", err)
		}
	}
	return nil
}

// BuildKeywordList merges the base file, stored product keywords and the
// extend file into the sorted crawl list, minus negative rules.
func (c *Crawler) BuildKeywordList(baseFile, extendFile, negativeFile string) ([]string, error) {
	base, err := LoadKeywordFile(baseFile)
	if err != nil {
		return nil, err
	}
	extend, err := LoadKeywordFile(extendFile)
	if err != nil {
		return nil, err
	}
	negativeLines, err := LoadKeywordFile(negativeFile)
	if err != nil {
		return nil, err
	}
	rules, err := ParseNegativeRules(negativeLines)
	if err != nil {
		return nil, fmt.Errorf("bad negative keyword rules: %w", err)
	}
	productKeywords, err := c.store.ProductKeywords()
	if err != nil {
		return nil, err
	}

	return EnumerateKeywords([][]string{base, productKeywords, extend}, rules), nil
}

// CrawlProducts rebuilds the product catalog when any of it predates today.
func (c *Crawler) CrawlProducts(ctx context.Context) error {
	stale, err := c.policy.NeedsProducts()
	if err != nil {
		return err
	}
	if !stale {
		logrus.Info("Product catalog is fresh, skipping")
		c.tracker.IncrementKeysSkippedFresh()
		return nil
	}

	var token string
	return c.runKind(ctx, kindDescriptor{
		kind:    storage.KindProduct,
		rebuild: true,
		prepare: func(ctx context.Context) error {
			t, err := c.session.AntiForgeryToken(ctx, productManageURL, csrfTokenPattern)
			if err != nil {
				return err
			}
			token = t
			return c.store.ClearProducts()
		},
		stale: func(string) (bool, error) { return true, nil },
		build: func(_ string, page int) (*Request, error) {
			return NewProductPageRequest(token, page), nil
		},
		handle: func(_ string, page int, body []byte) (int, int, error) {
			products, next, err := ParseProductPage(body, c.now())
			if err != nil {
				return 0, 0, err
			}
			if err := c.store.AppendProducts(products); err != nil {
				return 0, 0, err
			}
			return next, len(products), nil
		},
	})
}

// CrawlKeywords refreshes search-volume statistics for every stale keyword in
// the list. Each keyword expands into related keywords page by page until the
// platform reports the result set exhausted.
func (c *Crawler) CrawlKeywords(ctx context.Context, keywords []string) error {
	return c.runKind(ctx, kindDescriptor{
		kind:  storage.KindKeyword,
		keys:  keywords,
		stale: c.policy.NeedsKeyword,
		build: func(key string, page int) (*Request, error) {
			return NewKeywordQueryRequest(key, page), nil
		},
		handle: func(key string, page int, body []byte) (int, int, error) {
			records, next, err := ParseKeywordPage(body, page)
			if err != nil {
				return 0, 0, err
			}
			for _, kw := range records {
				if err := c.store.UpsertKeyword(kw); err != nil {
					return 0, 0, err
				}
			}
			return next, len(records), nil
		},
	})
}

// CrawlCategories looks up recommended posting categories for every stored
// keyword that has none yet.
func (c *Crawler) CrawlCategories(ctx context.Context) error {
	stored, err := c.store.AllKeywords()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stored))
	for _, kw := range stored {
		keys = append(keys, kw.Value)
	}

	var token string
	return c.runKind(ctx, kindDescriptor{
		kind: storage.KindCategory,
		keys: keys,
		prepare: func(ctx context.Context) error {
			t, err := c.session.AntiForgeryToken(ctx, postingURL, csrfTokenPattern)
			if err != nil {
				return err
			}
			token = t
			return nil
		},
		stale: c.policy.NeedsCategory,
		build: func(key string, _ int) (*Request, error) {
			return NewCategoryLookupRequest(key, token, c.now().UnixMilli()), nil
		},
		handle: func(key string, _ int, body []byte) (int, int, error) {
			categories, err := ParseCategoryResponse(body, key)
			if err != nil {
				return 0, 0, err
			}
			if err := c.store.UpdateKeywordCategories(key, categories); err != nil {
				return 0, 0, err
			}
			return 0, 1, nil
		},
	})
}

// CrawlRanks refreshes the first-page rank snapshot for every keyword whose
// snapshot predates today.
func (c *Crawler) CrawlRanks(ctx context.Context, keywords []string) error {
	var ctoken, dmtrackPageID string
	return c.runKind(ctx, kindDescriptor{
		kind: storage.KindRank,
		keys: keywords,
		prepare: func(ctx context.Context) error {
			var err error
			ctoken, err = c.session.CToken()
			if err != nil {
				return err
			}
			dmtrackPageID, err = c.session.AntiForgeryToken(ctx, rankPageURL, dmtrackPageIDRegexp)
			return err
		},
		stale: c.policy.NeedsRank,
		build: func(key string, _ int) (*Request, error) {
			return NewRankQueryRequest(key, ctoken, dmtrackPageID), nil
		},
		handle: func(key string, _ int, body []byte) (int, int, error) {
			rank, overflowIDs, err := ParseRankPage(body, key, c.now())
			if err != nil {
				return 0, 0, err
			}
			for _, id := range overflowIDs {
				logrus.WithFields(logrus.Fields{
					"keyword": key,
					"product": id,
				}).Warn("Rank row number spilled into the next page position")
			}
			if err := c.store.UpsertRank(rank); err != nil {
				return 0, 0, err
			}
			return 0, 1, nil
		},
	})
}

// CrawlPromotedKeywords clears and refetches the full P4P advertising
// keyword set.
func (c *Crawler) CrawlPromotedKeywords(ctx context.Context) error {
	var token string
	return c.runKind(ctx, kindDescriptor{
		kind:    storage.KindPromotedKeyword,
		rebuild: true,
		prepare: func(ctx context.Context) error {
			var err error
			token, err = c.session.AntiForgeryToken(ctx, adManageURL, p4pTokenPattern)
			if err != nil {
				return err
			}
			return c.store.ClearPromotedKeywords()
		},
		stale: func(string) (bool, error) { return true, nil },
		build: func(_ string, page int) (*Request, error) {
			return NewPromotedKeywordPageRequest(token, page), nil
		},
		handle: func(_ string, page int, body []byte) (int, int, error) {
			records, next, err := ParsePromotedKeywordPage(body)
			if err != nil {
				return 0, 0, err
			}
			if err := c.store.InsertPromotedKeywords(records); err != nil {
				return 0, 0, err
			}
			return next, len(records), nil
		},
	})
}

// runKind drives one record kind through the crawl state machine.
func (c *Crawler) runKind(ctx context.Context, d kindDescriptor) error {
	log := logrus.WithField("kind", d.kind)

	keys := d.keys
	unkeyed := len(keys) == 0
	if unkeyed {
		keys = []string{""}
	}

	index, page := 0, 1
	if rec, ok := c.resume[d.kind]; ok && !d.rebuild {
		index, page = rec.Index, rec.Page
		log.WithFields(logrus.Fields{"index": index, "page": page}).Info("Resuming from checkpoint")
	}
	if index >= len(keys) {
		return nil
	}

	queue := NewQueue()
	state := stateIdle
	var body []byte
	var persisted int
	var sessionRetries int

	if d.prepare != nil {
		if err := d.prepare(ctx); err != nil {
			return fmt.Errorf("%s crawl preparation failed: %w", d.kind, err)
		}
	}
	state = stateAdvancingCursor

	advance := func() {
		index, page = index+1, 1
		if index >= len(keys) {
			state = stateExhausted
		} else {
			state = stateAdvancingCursor
		}
	}

	for state != stateExhausted && state != stateFailed {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch state {
		case stateAdvancingCursor:
			key := keys[index]
			stale, err := d.stale(key)
			if err != nil {
				return err
			}
			if !stale {
				log.WithField("key", key).Debug("Fresh, skipping")
				c.tracker.IncrementKeysSkippedFresh()
				advance()
				continue
			}
			state = stateAwaitingPage

		case stateAwaitingPage:
			key := keys[index]
			req, err := d.build(key, page)
			if err != nil {
				return err
			}
			if !queue.Push(req) {
				// An identical request was already issued this run.
				// The cursor moved without new work, stop the key.
				log.WithField("key", key).Warn("Duplicate request suppressed")
				advance()
				continue
			}
			req = queue.Pop()

			started := c.now()
			result, err := c.fetcher.Fetch(req)
			c.tracker.RecordFetchTime(c.now().Sub(started))
			if err != nil {
				c.tracker.IncrementPagesFailed()
				return fmt.Errorf("%s crawl failed at %q page %d: %w", d.kind, key, page, err)
			}
			c.tracker.IncrementPagesFetched()
			body = result.Body
			state = stateParsing

		case stateParsing, statePersisting:
			key := keys[index]
			next, count, err := d.handle(key, page, body)
			if err != nil {
				recovered, handleErr := c.recover(ctx, d.kind, key, err)
				if handleErr != nil {
					state = stateFailed
					return handleErr
				}
				if recovered {
					sessionRetries++
					if sessionRetries > 2 {
						return fmt.Errorf("%s crawl stuck re-establishing the session at %q", d.kind, key)
					}
					// Session rebuilt, refetch the same unit.
					state = stateAwaitingPage
					queue = NewQueue()
					continue
				}
				// Malformed payload: give up on this key only.
				advance()
				continue
			}
			persisted += count
			c.tracker.AddRecordsUpserted(count)

			if c.checkpoint != nil {
				rec := CheckpointRecord{Kind: d.kind, Key: key, Index: index, Page: page, At: c.now()}
				if err := c.checkpoint.Append(rec); err != nil {
					return err
				}
			}

			if next > 0 {
				page = next
				state = stateAwaitingPage
			} else {
				advance()
			}
		}
	}

	log.WithField("records", persisted).Info("Crawl finished")
	return nil
}

// recover classifies a handle error. It returns (true, nil) when the session
// was rebuilt and the unit should be refetched, (false, nil) when the key
// should be skipped, and a terminal error otherwise.
func (c *Crawler) recover(ctx context.Context, kind storage.EntityKind, key string, err error) (bool, error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		c.tracker.IncrementRateLimitHits()
		reset := c.policy.QuotaReset()
		return false, fmt.Errorf("%s crawl aborted at %q: %w (quota resets %s)",
			kind, key, err, reset.Format(time.RFC3339))

	case errors.Is(err, ErrSessionInvalid):
		logrus.Warn("Session rejected mid-crawl, re-establishing")
		if invErr := c.session.Invalidate(ctx); invErr != nil {
			return false, fmt.Errorf("failed to re-establish session: %w", invErr)
		}
		return true, nil

	default:
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			logrus.WithError(parseErr).WithFields(logrus.Fields{
				"kind": kind,
				"key":  key,
			}).Warn("Skipping key after parse failure")
			c.tracker.IncrementPagesFailed()
			return false, nil
		}
		return false, err
	}
}
