package taskqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestRecurringProducers(t *testing.T) {
	oldDrain, oldAnalytics, oldSEO := DrainInterval, AnalyticsInterval, SEOInterval
	DrainInterval, AnalyticsInterval, SEOInterval = 5*time.Millisecond, 8*time.Millisecond, 12*time.Millisecond
	defer func() {
		DrainInterval, AnalyticsInterval, SEOInterval = oldDrain, oldAnalytics, oldSEO
	}()

	var mu sync.Mutex
	seen := make(map[TaskType][]Task)
	q := New(func(_ context.Context, task Task) error {
		mu.Lock()
		seen[task.Type] = append(seen[task.Type], task)
		mu.Unlock()
		return nil
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	q.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	analytics := seen[TaskAnalytics]
	seo := seen[TaskSEO]
	if len(analytics) == 0 {
		t.Fatalf("no analytics tasks produced")
	}
	if len(seo) == 0 {
		t.Fatalf("no seo tasks produced")
	}
	if analytics[0].Priority != 3 {
		t.Fatalf("analytics priority = %d, want 3", analytics[0].Priority)
	}
	if seo[0].Priority != 2 {
		t.Fatalf("seo priority = %d, want 2", seo[0].Priority)
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(seo[0].Payload, &payload); err != nil || payload.Type != "full_scan" {
		t.Fatalf("seo payload = %s (%v)", seo[0].Payload, err)
	}
}
