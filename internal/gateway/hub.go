// Package gateway is the hub side of the sync channel: it accepts QUIC
// connections, enforces the host allowlist and capacity cap, authenticates
// and rate-limits each message, dispatches through the operation router and
// keeps connections alive with application-level pings.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"syncbridge/internal/config"
	"syncbridge/internal/debuglog"
	"syncbridge/internal/metrics"
	"syncbridge/internal/proto"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/router"
	"syncbridge/internal/sign"
	"syncbridge/internal/transport"
)

type Hub struct {
	cfg     config.Config
	codec   *sign.Codec
	router  *router.Router
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(cfg config.Config, codec *sign.Codec, rt *router.Router, m *metrics.Metrics) *Hub {
	h := &Hub{
		cfg:     cfg,
		codec:   codec,
		router:  rt,
		metrics: m,
		now:     time.Now,
		conns:   make(map[string]*Conn),
	}
	rt.SetBroadcaster(h.Broadcast)
	return h
}

// Run listens for connections until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	listener, err := transport.Listen(h.cfg.Hub.Listen)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	debuglog.Logf("gateway: listening on %s", h.cfg.Hub.Listen)

	go h.livenessLoop(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		qc, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway accept: %w", err)
		}
		go h.accept(ctx, qc)
	}
}

// accept applies the connection-time gates in order: allowlist first, then
// capacity. Rejections carry the close code the protocol promises; nothing
// else is written to a rejected peer.
func (h *Hub) accept(ctx context.Context, qc *quic.Conn) {
	host := remoteHost(qc.RemoteAddr())
	if !h.hostAllowed(host) {
		h.metrics.IncRejectedPolicy()
		debuglog.Logf("gateway: rejected %s: host not allowed", host)
		_ = qc.CloseWithError(quic.ApplicationErrorCode(proto.ClosePolicyViolation), "host not allowed")
		return
	}

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(proto.CloseInternalError), "no stream")
		return
	}

	c := &Conn{
		ID:      uuid.NewString(),
		Host:    host,
		qc:      qc,
		stream:  stream,
		limiter: ratelimit.New(h.cfg.RateLimit.Window.Std(), h.cfg.RateLimit.MaxRequests),
	}
	c.markSeen(h.now())

	if !h.register(c) {
		h.metrics.IncRejectedFull()
		debuglog.Logf("gateway: rejected %s: at capacity (%d)", host, h.cfg.Hub.MaxClients)
		_ = qc.CloseWithError(quic.ApplicationErrorCode(proto.CloseCapacity), "server at capacity")
		return
	}
	h.metrics.IncAccepted()
	debuglog.Logf("gateway: connection %s from %s registered", c.ID, host)

	welcome, err := proto.New(proto.OpConnected, map[string]string{
		"clientId": c.ID,
		"message":  "connected to sync hub",
	})
	if err == nil {
		if signed, serr := h.codec.SignEnvelope(welcome); serr == nil {
			welcome = signed
		}
		if err := c.Send(welcome); err == nil {
			h.metrics.IncMessagesOut()
		}
	}

	h.readLoop(ctx, c)
	h.unregister(c.ID)
	debuglog.Logf("gateway: connection %s closed", c.ID)
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) >= h.cfg.Hub.MaxClients {
		return false
	}
	h.conns[c.ID] = c
	return true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) hostAllowed(host string) bool {
	for _, allowed := range h.cfg.Hub.AllowedHosts {
		if allowed == host {
			return true
		}
	}
	return false
}

// ConnCount reports the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// AuthedCount reports how many registered connections have sent at least one
// correctly signed envelope.
func (h *Hub) AuthedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.conns {
		if c.Authenticated() {
			n++
		}
	}
	return n
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	for {
		raw, err := proto.ReadFrameWithOpCap(c.stream, proto.SoftMaxFrameSize, opSizeCap)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				debuglog.Debugf("gateway: read on %s: %v", c.ID, err)
			}
			return
		}
		h.handleMessage(ctx, c, raw)
	}
}

// opSizeCap allows bulk operations past the soft frame cap while keeping
// chatty operations small.
func opSizeCap(op proto.Operation) int {
	switch op {
	case proto.OpPCloudSync, proto.OpTestResults, proto.OpToolkitUpdate:
		return proto.MaxFrameSize
	default:
		return proto.SoftMaxFrameSize
	}
}

// handleMessage runs the per-message gauntlet: parse, rate limit, verify,
// dispatch. Every failure answers with ERROR and keeps the connection open;
// only transport errors close it.
func (h *Hub) handleMessage(ctx context.Context, c *Conn, raw []byte) {
	h.metrics.IncMessagesIn()
	c.markSeen(h.now())

	env, err := proto.ParseEnvelope(raw)
	if err != nil {
		h.metrics.RecordDrop("", "validation")
		debuglog.Debugf("gateway: %s sent malformed envelope: %v", c.ID, err)
		h.reply(c, proto.NewError("invalid message format"))
		return
	}

	if env.Operation == proto.OpPong {
		return
	}

	if !c.limiter.TryRequest() {
		h.metrics.RecordDrop(string(env.Operation), "rate_limited")
		debuglog.RateLimitedf(c.ID, 5*time.Second, "gateway: %s rate limited", c.ID)
		h.reply(c, proto.NewError("rate limit exceeded"))
		return
	}

	if env.Signature != "" {
		if err := h.codec.VerifyEnvelope(env); err != nil {
			h.metrics.RecordDrop(string(env.Operation), "bad_signature")
			debuglog.Debugf("gateway: %s signature rejected: %v", c.ID, err)
			h.reply(c, proto.NewError("signature verification failed"))
			return
		}
		c.markAuthenticated()
	}

	if env.Operation == proto.OpStatusUpdate && h.cfg.Credentials != "" && !syncKeyValid(env.Data, h.cfg.Credentials) {
		h.metrics.RecordDrop(string(env.Operation), "bad_sync_key")
		debuglog.Debugf("gateway: %s presented an invalid sync key", c.ID)
		h.reply(c, proto.NewError("invalid sync key"))
		return
	}

	if resp := h.router.Dispatch(ctx, c.ID, env); resp != nil {
		h.reply(c, *resp)
	}
}

// syncKeyValid checks the key a status announcement presents against the
// configured shared credentials.
func syncKeyValid(data json.RawMessage, credentials string) bool {
	var d struct {
		SyncKey string `json:"syncKey"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.SyncKey == "" {
		return false
	}
	return sign.ValidateSyncKey(d.SyncKey, credentials)
}

func (h *Hub) reply(c *Conn, env proto.Envelope) {
	if err := c.Send(env); err != nil {
		debuglog.Debugf("gateway: reply to %s failed: %v", c.ID, err)
		return
	}
	h.metrics.IncMessagesOut()
}

// Broadcast fans env out to every connection except origin. Wired into the
// router so handlers stay transport-free.
func (h *Hub) Broadcast(origin string, env proto.Envelope) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != origin {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			debuglog.Debugf("gateway: broadcast to %s failed: %v", c.ID, err)
			continue
		}
		h.metrics.IncMessagesOut()
	}
}

// livenessLoop pings every connection on the ping interval. Each ping round
// schedules one eviction check exactly a pong timeout later, so a silent
// connection is terminated no more than one timeout window after its ping.
func (h *Hub) livenessLoop(ctx context.Context) {
	ping := time.NewTicker(h.cfg.Hub.PingInterval.Std())
	defer ping.Stop()

	var check *time.Timer
	defer func() {
		if check != nil {
			check.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			h.pingAll()
			check = time.AfterFunc(h.cfg.Hub.PongTimeout.Std(), h.evictOverdue)
		}
	}
}

func (h *Hub) pingAll() {
	now := h.now()
	env, err := proto.New(proto.OpPing, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			debuglog.Debugf("gateway: ping to %s failed: %v", c.ID, err)
			continue
		}
		c.markPingSent(now)
		h.metrics.IncMessagesOut()
	}
}

// closeCodeTimeout is the QUIC no-error code. Eviction of a dead peer is not
// a rejection; 1008/1011/1013 keep their registry meanings.
const closeCodeTimeout = 0

func (h *Hub) evictOverdue() {
	deadline := h.now().Add(-h.cfg.Hub.PongTimeout.Std())
	h.mu.Lock()
	var stale []*Conn
	for _, c := range h.conns {
		if c.overdue(deadline) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()
	for _, c := range stale {
		h.metrics.IncEvicted()
		debuglog.Logf("gateway: evicting %s: ping timeout", c.ID)
		c.Close(closeCodeTimeout, "ping timeout")
	}
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
