// Package taskqueue decouples "something needs to happen" from "something is
// happening now". Tasks are drained in priority order (1 is most urgent) and
// a failing task is re-enqueued one step more urgent, bounded by a retry cap
// that moves persistent failures to a dead-letter list.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"syncbridge/internal/debuglog"
	"syncbridge/internal/metrics"
)

// TaskType names the work a task carries.
type TaskType string

const (
	TaskLicense   TaskType = "LICENSE"
	TaskEmail     TaskType = "EMAIL"
	TaskSEO       TaskType = "SEO"
	TaskMarketing TaskType = "MARKETING"
	TaskSales     TaskType = "SALES"
	TaskAnalytics TaskType = "ANALYTICS"
)

const (
	// DefaultMaxAttempts bounds the escalation loop. The original behavior
	// retried forever at priority 1; persistent failures now dead-letter
	// after this many attempts.
	DefaultMaxAttempts = 5
	minPriority        = 1
)

type Task struct {
	Type       TaskType        `json:"type"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	attempts int
	seq      uint64
}

// Attempts reports how many drain cycles have executed this task.
func (t Task) Attempts() int { return t.attempts }

// DeadTask is a task that used up all its attempts, parked for inspection.
type DeadTask struct {
	Task    Task   `json:"task"`
	LastErr string `json:"last_error"`
	DeadAt  time.Time
}

// Executor runs one task. An error re-enqueues the task more urgently.
type Executor func(ctx context.Context, task Task) error

type Queue struct {
	mu          sync.Mutex
	pending     []*Task
	dead        []DeadTask
	seq         uint64
	draining    bool
	maxAttempts int
	exec        Executor
	now         func() time.Time
	metrics     *metrics.Metrics
}

type Options struct {
	MaxAttempts int
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func New(exec Executor, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		maxAttempts: opts.MaxAttempts,
		exec:        exec,
		now:         opts.Now,
		metrics:     opts.Metrics,
	}
}

// Enqueue appends a task to the pending collection. Priority below 1 is
// clamped; ordering happens at drain time, not here.
func (q *Queue) Enqueue(t Task) {
	if t.Priority < minPriority {
		t.Priority = minPriority
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	q.pending = append(q.pending, &t)
	q.mu.Unlock()
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []DeadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadTask, len(q.dead))
	copy(out, q.dead)
	return out
}

// DrainDeadLetters empties and returns the dead-letter list.
func (q *Queue) DrainDeadLetters() []DeadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.dead
	q.dead = nil
	return out
}

// Reset discards all pending tasks. The only way a task disappears other
// than success or dead-lettering.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Drain runs one cycle: stable-sort everything pending by priority (enqueue
// order breaks ties), then execute each task once. Failures are re-enqueued
// with priority stepped toward 1 and wait for the next cycle; they receive a
// fresh sequence number, so ordering against tasks that arrive between
// cycles is deliberately not stable.
//
// Reentrancy guard: if a cycle is already running, Drain returns immediately
// so an overlapping timer tick cannot double-process the same tasks.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		debuglog.Debugf("taskqueue: drain already in progress, skipping")
		return
	}
	q.draining = true
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority < q.pending[j].Priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, t := range batch {
		if ctx.Err() != nil {
			// Push the unprocessed remainder back for the next cycle.
			q.requeueRemainder(batch, t)
			return
		}
		q.runOne(ctx, t)
	}
}

func (q *Queue) runOne(ctx context.Context, t *Task) {
	t.attempts++
	err := q.safeExec(ctx, *t)
	if err == nil {
		if q.metrics != nil {
			q.metrics.IncTaskProcessed()
		}
		return
	}
	debuglog.Logf("taskqueue: task %s failed (attempt %d): %v", t.Type, t.attempts, err)
	if t.attempts >= q.maxAttempts {
		if q.metrics != nil {
			q.metrics.IncTaskDeadLetter()
		}
		q.mu.Lock()
		q.dead = append(q.dead, DeadTask{Task: *t, LastErr: err.Error(), DeadAt: q.now()})
		q.mu.Unlock()
		return
	}
	next := *t
	if next.Priority > minPriority {
		next.Priority--
	}
	if q.metrics != nil {
		q.metrics.IncTaskRequeued()
	}
	q.mu.Lock()
	q.seq++
	next.seq = q.seq
	q.pending = append(q.pending, &next)
	q.mu.Unlock()
}

func (q *Queue) safeExec(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return q.exec(ctx, t)
}

func (q *Queue) requeueRemainder(batch []*Task, from *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := false
	for _, t := range batch {
		if t == from {
			seen = true
		}
		if seen {
			q.pending = append(q.pending, t)
		}
	}
}
