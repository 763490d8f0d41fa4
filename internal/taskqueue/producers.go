package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"syncbridge/internal/debuglog"
)

// Producer intervals. Package vars so tests can shrink them, same pattern as
// the drain interval below.
var (
	DrainInterval     = 60 * time.Second
	AnalyticsInterval = time.Hour
	SEOInterval       = 24 * time.Hour
)

// Run drives the recurring work: the periodic drain plus the hourly
// analytics-sync and daily SEO-scan producers. Each producer synthesizes a
// task and triggers a drain, mirroring the external triggers. Returns when
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	drain := time.NewTicker(DrainInterval)
	analytics := time.NewTicker(AnalyticsInterval)
	seo := time.NewTicker(SEOInterval)
	defer drain.Stop()
	defer analytics.Stop()
	defer seo.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			q.Drain(ctx)
		case <-analytics.C:
			q.Enqueue(Task{Type: TaskAnalytics, Priority: 3})
			debuglog.Debugf("taskqueue: enqueued recurring analytics task")
			q.Drain(ctx)
		case <-seo.C:
			payload, _ := json.Marshal(map[string]string{"type": "full_scan"})
			q.Enqueue(Task{Type: TaskSEO, Priority: 2, Payload: payload})
			debuglog.Debugf("taskqueue: enqueued recurring seo task")
			q.Drain(ctx)
		}
	}
}
