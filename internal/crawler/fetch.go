package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

// Signer attaches session credentials (cookie header and any base headers) to
// an outgoing request's header set.
type Signer interface {
	Sign(headers map[string]string) error
}

// FetchResult is one completed platform call.
type FetchResult struct {
	Status int
	Body   []byte
}

// Fetcher dispatches prepared requests through a colly collector, one at a
// time, with a randomized pause between consecutive requests and bounded
// retries on transport failures.
type Fetcher struct {
	collector *colly.Collector
	signer    Signer
	retry     retrypolicy.RetryPolicy[*FetchResult]

	mu      sync.Mutex
	headers map[string]string
	result  *FetchResult
	lastErr error
}

// FetcherOptions tune pacing and retry behaviour.
type FetcherOptions struct {
	DelayMin   time.Duration
	DelayMax   time.Duration
	Timeout    time.Duration
	MaxRetries int
}

// NewFetcher builds the fetcher. The randomized inter-request delay is
// uniform over [DelayMin, DelayMax].
func NewFetcher(signer Signer, opts FetcherOptions) (*Fetcher, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}

	err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       opts.DelayMin,
		RandomDelay: opts.DelayMax - opts.DelayMin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set rate limit: %w", err)
	}

	f := &Fetcher{
		collector: c,
		signer:    signer,
		retry: retrypolicy.NewBuilder[*FetchResult]().
			WithBackoff(5*time.Second, 2*time.Minute).
			WithMaxRetries(opts.MaxRetries).
			HandleIf(func(res *FetchResult, err error) bool {
				if err != nil {
					return true
				}
				return res != nil && res.Status >= 500
			}).
			OnRetry(func(e failsafe.ExecutionEvent[*FetchResult]) {
				logrus.WithField("attempt", e.Attempts()).Warn("Retrying request after transport failure")
			}).
			Build(),
	}

	c.OnRequest(func(r *colly.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for k, v := range f.headers {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body := make([]byte, len(r.Body))
		copy(body, r.Body)
		f.result = &FetchResult{Status: r.StatusCode, Body: body}
		f.lastErr = nil
	})
	c.OnError(func(r *colly.Response, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.result = nil
		f.lastErr = err
	})

	return f, nil
}

// Fetch signs and dispatches one request, retrying transport failures with
// extended backoff. The caller interprets the body; non-2xx statuses are
// returned, not treated as errors, because the platform answers some expired
// sessions with redirect pages.
func (f *Fetcher) Fetch(req *Request) (*FetchResult, error) {
	return failsafe.With(f.retry).Get(func() (*FetchResult, error) {
		return f.dispatch(req)
	})
}

func (f *Fetcher) dispatch(req *Request) (*FetchResult, error) {
	headers := make(map[string]string, len(req.Header)+1)
	for k, v := range req.Header {
		headers[k] = v
	}
	if f.signer != nil {
		if err := f.signer.Sign(headers); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	f.mu.Lock()
	f.headers = headers
	f.result = nil
	f.lastErr = nil
	f.mu.Unlock()

	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var err error
	if req.Method == "POST" {
		form := make(map[string]string, len(req.Form))
		for k := range req.Form {
			form[k] = req.Form.Get(k)
		}
		err = f.collector.Post(target, form)
	} else {
		err = f.collector.Visit(target)
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		return nil, fmt.Errorf("request failed: %w", f.lastErr)
	}
	if f.result == nil {
		return nil, fmt.Errorf("request produced no response")
	}
	return f.result, nil
}
