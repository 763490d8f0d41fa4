package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/debuglog"
	"syncbridge/internal/handlers"
	"syncbridge/internal/proto"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/sign"
)

// Headers every call must carry. Names predate this implementation and are
// fixed by deployed clients.
const (
	HeaderClientID  = "x-ai-client-id"
	HeaderSignature = "x-ai-signature"
	HeaderTimestamp = "x-timestamp"
)

// maxTimestampSkew bounds how stale a signed request may be.
const maxTimestampSkew = 5 * time.Minute

// Services are the domain stores the call API reads from. The stream side
// writes them; the call side only queries and toggles activation state.
type Services struct {
	License *handlers.License
	Payment *handlers.Payment
	Toolkit *handlers.Toolkit
	Results *handlers.TestResults
	Email   *handlers.EmailLog
}

type activation struct {
	MachineID   string    `json:"machineId"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// CallAPI is the HTTP side channel for request/response operations. Every
// request is authenticated with the same HMAC scheme as the stream and rate
// limited per client id.
type CallAPI struct {
	cfg      config.Config
	codec    *sign.Codec
	hub      *Hub
	services Services
	started  time.Time

	mu          sync.Mutex
	limiters    map[string]*ratelimit.Limiter
	activations map[string]activation
}

func NewCallAPI(cfg config.Config, codec *sign.Codec, hub *Hub, services Services) *CallAPI {
	return &CallAPI{
		cfg:         cfg,
		codec:       codec,
		hub:         hub,
		services:    services,
		started:     time.Now(),
		limiters:    make(map[string]*ratelimit.Limiter),
		activations: make(map[string]activation),
	}
}

// Handler returns the routed call API, split out so tests can serve it
// without binding a port.
func (a *CallAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", a.handleCall)
	return mux
}

// Run serves the call API until ctx is cancelled.
func (a *CallAPI) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Hub.HTTPListen,
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	debuglog.Logf("gateway: call api listening on %s", a.cfg.Hub.HTTPListen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type callRequest struct {
	Operation proto.Operation `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

func (a *CallAPI) handleCall(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(HeaderClientID)
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	if clientID == "" || signature == "" || timestamp == "" {
		writeError(w, http.StatusUnauthorized, "missing authentication headers")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, proto.MaxFrameSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := a.authenticate(timestamp, signature, body); err != nil {
		debuglog.Debugf("callapi: auth failed for %s: %v", clientID, err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	if !a.limiterFor(clientID).TryRequest() {
		w.Header().Set("Retry-After", strconv.Itoa(int(a.cfg.RateLimit.Window.Std().Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req callRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.execute(req)
	if err != nil {
		var status int
		switch {
		case errors.Is(err, errNotFound):
			status = http.StatusNotFound
		case errors.Is(err, errBadCall):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}

func (a *CallAPI) authenticate(timestamp, signature string, body []byte) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	if d := time.Since(ts); d > maxTimestampSkew || d < -maxTimestampSkew {
		return errors.New("timestamp outside allowed skew")
	}
	env := proto.Envelope{Timestamp: timestamp, Data: body, Signature: signature}
	return a.codec.VerifyEnvelope(env)
}

func (a *CallAPI) limiterFor(clientID string) *ratelimit.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[clientID]
	if !ok {
		l = ratelimit.New(a.cfg.RateLimit.Window.Std(), a.cfg.RateLimit.MaxRequests)
		a.limiters[clientID] = l
	}
	return l
}

var (
	errNotFound = errors.New("not found")
	errBadCall  = errors.New("bad request")
)

func (a *CallAPI) execute(req callRequest) (any, error) {
	switch req.Operation {
	case proto.OpTestSync:
		return map[string]any{
			"status":     "ok",
			"echo":       req.Data,
			"serverTime": time.Now().UTC().Format(time.RFC3339),
		}, nil
	case proto.OpLicenseActivation:
		return a.activateLicense(req.Data)
	case proto.OpLicenseDeactivation:
		return a.deactivateLicense(req.Data)
	case proto.OpPaymentVerification:
		return a.verifyPayment(req.Data)
	case proto.OpEmailDelivery:
		return a.emailDelivery(req.Data)
	case proto.OpWebhookStatus:
		return a.webhookStatus(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation %s", errBadCall, req.Operation)
	}
}

type licenseCallData struct {
	Key       string `json:"key"`
	MachineID string `json:"machineId"`
}

func (a *CallAPI) activateLicense(data json.RawMessage) (any, error) {
	var d licenseCallData
	if err := json.Unmarshal(data, &d); err != nil || d.Key == "" {
		return nil, fmt.Errorf("%w: license key required", errBadCall)
	}
	lic, err := a.services.License.Load(d.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: license %s", errNotFound, d.Key)
	}
	a.mu.Lock()
	a.activations[d.Key] = activation{MachineID: d.MachineID, ActivatedAt: time.Now()}
	a.mu.Unlock()
	return map[string]any{"activated": true, "license": lic}, nil
}

func (a *CallAPI) deactivateLicense(data json.RawMessage) (any, error) {
	var d licenseCallData
	if err := json.Unmarshal(data, &d); err != nil || d.Key == "" {
		return nil, fmt.Errorf("%w: license key required", errBadCall)
	}
	a.mu.Lock()
	_, active := a.activations[d.Key]
	delete(a.activations, d.Key)
	a.mu.Unlock()
	if !active {
		return nil, fmt.Errorf("%w: no active license %s", errNotFound, d.Key)
	}
	return map[string]any{"deactivated": true, "key": d.Key}, nil
}

func (a *CallAPI) verifyPayment(data json.RawMessage) (any, error) {
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.ID == "" {
		return nil, fmt.Errorf("%w: payment id required", errBadCall)
	}
	p, err := a.services.Payment.Lookup(d.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment %s", errNotFound, d.ID)
	}
	return map[string]any{"verified": p.Status == "succeeded", "payment": p}, nil
}

func (a *CallAPI) emailDelivery(data json.RawMessage) (any, error) {
	var d struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.MessageID == "" {
		return nil, fmt.Errorf("%w: message id required", errBadCall)
	}
	rec, ok := a.services.Email.Status(d.MessageID)
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", errNotFound, d.MessageID)
	}
	return rec, nil
}

func (a *CallAPI) webhookStatus() any {
	status := map[string]any{
		"healthy":       true,
		"connections":   a.hub.ConnCount(),
		"authenticated": a.hub.AuthedCount(),
		"uptime":        time.Since(a.started).Round(time.Second).String(),
	}
	if results, at, ok := a.services.Results.Latest(); ok {
		status["lastTestRun"] = map[string]any{
			"successRate": results.SuccessRate(),
			"reportedAt":  at.UTC().Format(time.RFC3339),
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
