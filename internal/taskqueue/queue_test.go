package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder is an Executor that logs execution order and fails on demand.
type recorder struct {
	mu    sync.Mutex
	ran   []Task
	fails map[TaskType]int // remaining failures per type
}

func newRecorder() *recorder {
	return &recorder{fails: make(map[TaskType]int)}
}

func (r *recorder) exec(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, t)
	if r.fails[t.Type] > 0 {
		r.fails[t.Type]--
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) order() []TaskType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskType, len(r.ran))
	for i, t := range r.ran {
		out[i] = t.Type
	}
	return out
}

func TestDrainRunsByPriority(t *testing.T) {
	r := newRecorder()
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskSEO, Priority: 2})
	q.Enqueue(Task{Type: TaskAnalytics, Priority: 3})
	q.Enqueue(Task{Type: TaskLicense, Priority: 1})
	q.Drain(context.Background())

	want := []TaskType{TaskLicense, TaskSEO, TaskAnalytics}
	got := r.order()
	if len(got) != len(want) {
		t.Fatalf("ran %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("pending = %d after drain", q.Len())
	}
}

func TestDrainTiesBreakByEnqueueOrder(t *testing.T) {
	r := newRecorder()
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 2})
	q.Enqueue(Task{Type: TaskMarketing, Priority: 2})
	q.Enqueue(Task{Type: TaskSales, Priority: 2})
	q.Drain(context.Background())

	got := r.order()
	want := []TaskType{TaskEmail, TaskMarketing, TaskSales}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFailureEscalatesPriority(t *testing.T) {
	r := newRecorder()
	r.fails[TaskSEO] = 1
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskSEO, Priority: 3})
	q.Drain(context.Background())

	if q.Len() != 1 {
		t.Fatalf("failed task not requeued")
	}

	// Second cycle: the requeued task now outranks a fresh priority-3 task.
	q.Enqueue(Task{Type: TaskAnalytics, Priority: 3})
	q.Drain(context.Background())
	got := r.order()
	if got[1] != TaskSEO || got[2] != TaskAnalytics {
		t.Fatalf("order = %v, escalated task should run first", got)
	}
	if r.ran[1].Priority != 2 {
		t.Fatalf("requeued priority = %d, want 2", r.ran[1].Priority)
	}
}

func TestPriorityFloorsAtOne(t *testing.T) {
	r := newRecorder()
	r.fails[TaskEmail] = 3
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 2})
	for i := 0; i < 4; i++ {
		q.Drain(context.Background())
	}
	for _, ran := range r.ran {
		if ran.Priority < 1 {
			t.Fatalf("priority escalated past the floor: %d", ran.Priority)
		}
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	r := newRecorder()
	r.fails[TaskEmail] = 100
	q := New(r.exec, Options{MaxAttempts: 3})
	q.Enqueue(Task{Type: TaskEmail, Priority: 1})

	for i := 0; i < 5; i++ {
		q.Drain(context.Background())
	}
	if got := len(r.order()); got != 3 {
		t.Fatalf("executed %d times, want exactly 3", got)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Task.Attempts() != 3 || dead[0].LastErr != "boom" {
		t.Fatalf("dead letter = %+v", dead[0])
	}
	if drained := q.DrainDeadLetters(); len(drained) != 1 || len(q.DeadLetters()) != 0 {
		t.Fatalf("dead-letter drain did not empty the list")
	}
}

func TestPanickingTaskIsContained(t *testing.T) {
	q := New(func(context.Context, Task) error {
		panic("executor exploded")
	}, Options{MaxAttempts: 2})
	q.Enqueue(Task{Type: TaskSales, Priority: 1})
	q.Drain(context.Background())
	q.Drain(context.Background())
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("panicking task not dead-lettered: %d", len(dead))
	}
}

func TestDrainReentrancyGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex
	q := New(func(context.Context, Task) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 1})

	go q.Drain(context.Background())
	<-started

	// Overlapping drain must return without touching anything.
	q.Drain(context.Background())
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n == 1 && q.Len() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("runs = %d, pending = %d", n, q.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelledDrainRequeuesRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran int
	q := New(func(context.Context, Task) error {
		ran++
		cancel() // cancel after the first task
		return nil
	}, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 1})
	q.Enqueue(Task{Type: TaskSales, Priority: 2})
	q.Enqueue(Task{Type: TaskSEO, Priority: 3})
	q.Drain(ctx)

	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if q.Len() != 2 {
		t.Fatalf("pending = %d, want 2 requeued", q.Len())
	}
}

func TestReset(t *testing.T) {
	q := New(func(context.Context, Task) error { return nil }, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 1})
	q.Enqueue(Task{Type: TaskSales, Priority: 1})
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("pending = %d after reset", q.Len())
	}
}

func TestPriorityClampedAtEnqueue(t *testing.T) {
	r := newRecorder()
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskEmail, Priority: 0})
	q.Enqueue(Task{Type: TaskSales, Priority: -7})
	q.Drain(context.Background())
	for _, ran := range r.ran {
		if ran.Priority != 1 {
			t.Fatalf("priority = %d, want clamp to 1", ran.Priority)
		}
	}
}

// Requeued tasks take a fresh sequence number, so a task that arrives between
// cycles and shares the requeued task's new priority runs first.
func TestRequeueOrderingAgainstNewArrivals(t *testing.T) {
	r := newRecorder()
	r.fails[TaskSEO] = 1
	q := New(r.exec, Options{})
	q.Enqueue(Task{Type: TaskSEO, Priority: 2}) // fails, requeued at 1
	q.Drain(context.Background())
	q.Enqueue(Task{Type: TaskLicense, Priority: 1})
	q.Drain(context.Background())

	got := r.order()
	// SEO was requeued before LICENSE arrived, so its fresh sequence number
	// is lower and it keeps first place at the shared priority.
	want := []TaskType{TaskSEO, TaskSEO, TaskLicense}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
