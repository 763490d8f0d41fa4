package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"syncbridge/internal/debuglog"
)

type TestResultsData struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Duration float64  `json:"duration"`
	FailedBy []string `json:"failedTests,omitempty"`
	Suite    string   `json:"suite,omitempty"`
}

// SuccessRate is the passed fraction in percent, 0 for an empty run.
func (d TestResultsData) SuccessRate() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Passed) / float64(d.Total) * 100
}

// TestResults keeps the latest aggregated run in memory so status queries and
// the fan-out update read the same snapshot.
type TestResults struct {
	mu     sync.Mutex
	latest *TestResultsData
	at     time.Time
}

func (h *TestResults) Validate(data json.RawMessage) error {
	var d TestResultsData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode test results: %w", err)
	}
	if d.Total < 0 || d.Passed < 0 || d.Failed < 0 {
		return errors.New("negative test counts")
	}
	if d.Passed+d.Failed > d.Total {
		return errors.New("passed+failed exceeds total")
	}
	if d.Duration < 0 {
		return errors.New("negative duration")
	}
	return nil
}

func (h *TestResults) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d TestResultsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.latest = &d
	h.at = time.Now()
	h.mu.Unlock()
	debuglog.Logf("testresults: %d/%d passed (%.1f%%) in %.2fs, failed: %v",
		d.Passed, d.Total, d.SuccessRate(), d.Duration, d.FailedBy)
	return json.Marshal(map[string]any{"successRate": d.SuccessRate(), "status": "recorded"})
}

// Latest returns the most recent run and when it arrived. ok is false before
// the first report.
func (h *TestResults) Latest() (d TestResultsData, at time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return TestResultsData{}, time.Time{}, false
	}
	return *h.latest, h.at, true
}
