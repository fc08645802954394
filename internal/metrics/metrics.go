package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Metrics is the exported shape of one crawl run's counters.
type Metrics struct {
	RunID             string    `json:"run_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	TerminationReason string    `json:"termination_reason"`
	PagesFetched      int       `json:"pages_fetched"`
	PagesFailed       int       `json:"pages_failed"`
	RecordsUpserted   int       `json:"records_upserted"`
	KeysSkippedFresh  int       `json:"keys_skipped_fresh"`
	RateLimitHits     int       `json:"rate_limit_hits"`
	TotalFetchTimeMs  int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64     `json:"avg_fetch_time_ms"`
}

// Tracker holds and manages crawl metrics
type Tracker struct {
	mu               sync.Mutex
	data             Metrics
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker(runID string) *Tracker {
	return &Tracker{
		data: Metrics{
			RunID:     runID,
			StartTime: time.Now(),
		},
	}
}

// IncrementPagesFetched increments the successful fetch counter
func (t *Tracker) IncrementPagesFetched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
}

// IncrementPagesFailed increments the failed fetch counter
func (t *Tracker) IncrementPagesFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
}

// AddRecordsUpserted adds to the persisted record counter
func (t *Tracker) AddRecordsUpserted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RecordsUpserted += n
}

// IncrementKeysSkippedFresh increments the fresh-key skip counter
func (t *Tracker) IncrementKeysSkippedFresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.KeysSkippedFresh++
}

// IncrementRateLimitHits increments the rate limit counter
func (t *Tracker) IncrementRateLimitHits() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RateLimitHits++
}

// RecordFetchTime records a page fetch duration
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress prints current metrics to console (for periodic updates)
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Pages: %d fetched, %d failed | Records: %d upserted | Keys skipped fresh: %d | Rate limit hits: %d",
		t.data.PagesFetched,
		t.data.PagesFailed,
		t.data.RecordsUpserted,
		t.data.KeysSkippedFresh,
		t.data.RateLimitHits,
	)
}
