// Package router turns a validated envelope into a side effect. Dispatch is
// a fixed table keyed by operation; handlers never see the transport and the
// transport never sees handler internals.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"syncbridge/internal/debuglog"
	"syncbridge/internal/metrics"
	"syncbridge/internal/proto"
	"syncbridge/internal/sign"
)

// Handler is the contract every domain operation implements. Validate
// rejects malformed payloads before any side effect; Execute performs the
// operation and may return a result payload for the acknowledgement.
type Handler interface {
	Validate(data json.RawMessage) error
	Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// ErrUnknownOperation is returned (and reported to the peer) for operations
// outside the dispatch table.
var ErrUnknownOperation = errors.New("unknown operation")

type entry struct {
	handler   Handler
	ack       proto.Operation // "" means no acknowledgement envelope
	broadcast proto.Operation // "" means no fan-out
}

// Broadcaster fans an envelope out to every registered connection except the
// origin. Wired by the gateway; nil on the client side.
type Broadcaster func(origin string, env proto.Envelope)

type Router struct {
	table     map[proto.Operation]entry
	codec     *sign.Codec
	broadcast Broadcaster
	metrics   *metrics.Metrics
}

func New(codec *sign.Codec, m *metrics.Metrics) *Router {
	return &Router{
		table:   make(map[proto.Operation]entry),
		codec:   codec,
		metrics: m,
	}
}

// Register adds a handler for op. Registering the same operation twice is a
// programming error and panics at wiring time, not at dispatch time.
func (r *Router) Register(op proto.Operation, h Handler) {
	r.register(op, h, "", "")
}

// RegisterWithAck also emits a signed ack envelope on success.
func (r *Router) RegisterWithAck(op proto.Operation, h Handler, ack proto.Operation) {
	r.register(op, h, ack, "")
}

// RegisterWithBroadcast fans the result out to all other connections.
func (r *Router) RegisterWithBroadcast(op proto.Operation, h Handler, update proto.Operation) {
	r.register(op, h, "", update)
}

func (r *Router) register(op proto.Operation, h Handler, ack, broadcast proto.Operation) {
	if _, dup := r.table[op]; dup {
		panic(fmt.Sprintf("router: duplicate handler for %s", op))
	}
	if h == nil {
		panic(fmt.Sprintf("router: nil handler for %s", op))
	}
	r.table[op] = entry{handler: h, ack: ack, broadcast: broadcast}
}

// SetBroadcaster installs the fan-out sink. Must be called before Dispatch
// for any operation registered with a broadcast.
func (r *Router) SetBroadcaster(b Broadcaster) {
	r.broadcast = b
}

// Operations lists the registered operations, for wiring checks.
func (r *Router) Operations() []proto.Operation {
	out := make([]proto.Operation, 0, len(r.table))
	for op := range r.table {
		out = append(out, op)
	}
	return out
}

// Dispatch resolves and runs the handler for env. origin identifies the
// sending connection (empty in client role). The returned envelope, if any,
// goes back to the sender. Handler failures of any kind surface as a generic
// ERROR; internals stay in the log.
func (r *Router) Dispatch(ctx context.Context, origin string, env proto.Envelope) *proto.Envelope {
	ent, ok := r.table[env.Operation]
	if !ok {
		e := proto.NewError(fmt.Sprintf("unknown operation: %s", env.Operation))
		return &e
	}
	if err := ent.handler.Validate(env.Data); err != nil {
		debuglog.Debugf("router: %s validation failed: %v", env.Operation, err)
		e := proto.NewError(fmt.Sprintf("invalid %s payload", env.Operation))
		return &e
	}
	result, err := r.execute(ctx, ent.handler, env.Data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncHandlerErrors()
		}
		debuglog.Logf("router: %s handler failed: %v", env.Operation, err)
		e := proto.NewError("operation failed")
		return &e
	}
	if ent.broadcast != "" && r.broadcast != nil {
		update, uerr := proto.New(ent.broadcast, json.RawMessage(env.Data))
		if uerr == nil {
			r.broadcast(origin, update)
			if r.metrics != nil {
				r.metrics.IncBroadcasts()
			}
		}
	}
	if ent.ack == "" {
		return nil
	}
	ack, err := proto.New(ent.ack, result)
	if err != nil {
		debuglog.Logf("router: %s ack build failed: %v", env.Operation, err)
		return nil
	}
	if r.codec != nil {
		signed, serr := r.codec.SignEnvelope(ack)
		if serr == nil {
			ack = signed
		}
	}
	return &ack
}

// execute contains the handler inside a recover so a panicking handler costs
// one ERROR reply, not the connection.
func (r *Router) execute(ctx context.Context, h Handler, data json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Execute(ctx, data)
}
