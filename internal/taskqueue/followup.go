package taskqueue

import (
	"context"
	"encoding/json"
)

// Handler mirrors the router's handler contract so queue wiring does not
// depend on the router package.
type Handler interface {
	Validate(data json.RawMessage) error
	Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// WithFollowUp decorates h so every successful Execute enqueues the task
// build derives from the handled payload. A failed execution enqueues
// nothing; the sender's retry covers it.
func WithFollowUp(h Handler, q *Queue, build func(data json.RawMessage) Task) Handler {
	return &followUp{h: h, q: q, build: build}
}

type followUp struct {
	h     Handler
	q     *Queue
	build func(json.RawMessage) Task
}

func (f *followUp) Validate(data json.RawMessage) error { return f.h.Validate(data) }

func (f *followUp) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	out, err := f.h.Execute(ctx, data)
	if err != nil {
		return out, err
	}
	f.q.Enqueue(f.build(data))
	return out, nil
}
