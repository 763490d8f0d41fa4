// Package syncclient is the backend-side peer of the sync hub: a persistent
// QUIC connection that announces itself, answers pings, reacts to hub
// broadcasts and reconnects with exponential backoff when the link drops.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"time"

	quic "github.com/quic-go/quic-go"

	"syncbridge/internal/config"
	"syncbridge/internal/debuglog"
	"syncbridge/internal/handlers"
	"syncbridge/internal/metrics"
	"syncbridge/internal/proto"
	"syncbridge/internal/router"
	"syncbridge/internal/sign"
	"syncbridge/internal/transport"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = time.Minute
)

type Client struct {
	cfg     config.Config
	codec   *sign.Codec
	router  *router.Router
	metrics *metrics.Metrics

	hubID string // id the hub assigned in CONNECTED
}

func New(cfg config.Config, codec *sign.Codec, m *metrics.Metrics) *Client {
	c := &Client{
		cfg:     cfg,
		codec:   codec,
		metrics: m,
	}
	rt := router.New(codec, m)
	rt.RegisterWithAck(proto.OpPing, handlers.Ping{}, proto.OpPong)
	rt.Register(proto.OpConnected, funcHandler(c.onConnected))
	rt.Register(proto.OpError, funcHandler(c.onError))
	rt.Register(proto.OpStatusUpdate, funcHandler(logOnly("status update")))
	rt.Register(proto.OpTestResultsUpdate, funcHandler(logOnly("test results update")))
	rt.Register(proto.OpToolkitUpdateComplete, funcHandler(logOnly("toolkit update complete")))
	rt.Register(proto.OpPCloudSyncComplete, funcHandler(logOnly("pcloud sync complete")))
	rt.Register(proto.OpLicenseStored, funcHandler(logOnly("license stored")))
	rt.Register(proto.OpPaymentStored, funcHandler(logOnly("payment stored")))
	c.router = rt
	return c
}

// funcHandler adapts a plain function to the router's handler contract for
// the client-side operations that have no payload rules.
type funcHandler func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

func (funcHandler) Validate(json.RawMessage) error { return nil }

func (f funcHandler) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, data)
}

func logOnly(what string) func(context.Context, json.RawMessage) (json.RawMessage, error) {
	return func(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
		debuglog.Debugf("syncclient: %s: %s", what, data)
		return nil, nil
	}
}

func (c *Client) onConnected(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(data, &d); err == nil && d.ClientID != "" {
		c.hubID = d.ClientID
	}
	debuglog.Logf("syncclient: connected, assigned id %s", c.hubID)
	return nil, nil
}

func (c *Client) onError(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	debuglog.Logf("syncclient: hub reported error: %s", data)
	return nil, nil
}

// Run maintains the hub connection until ctx is cancelled. Each successful
// session resets the backoff; each failure doubles it up to the cap, with
// jitter so a fleet of clients does not reconnect in lockstep.
func (c *Client) Run(ctx context.Context) error {
	delay := initialReconnectDelay
	for {
		if err := c.session(ctx); err != nil {
			debuglog.Logf("syncclient: session ended: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.metrics.IncReconnects()
		debuglog.Logf("syncclient: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		// A session that completed the handshake resets the backoff.
		if c.hubID != "" {
			delay = initialReconnectDelay
			c.hubID = ""
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, stream, err := transport.Dial(dialCtx, c.cfg.Client.HubAddr)
	cancel()
	if err != nil {
		return err
	}
	defer conn.CloseWithError(quic.ApplicationErrorCode(0), "bye")

	if err := c.announce(stream); err != nil {
		return err
	}

	for {
		raw, err := proto.ReadFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		env, perr := proto.ParseEnvelope(raw)
		if perr != nil {
			debuglog.Debugf("syncclient: dropped malformed frame: %v", perr)
			continue
		}
		if resp := c.router.Dispatch(ctx, "", env); resp != nil {
			if err := c.send(stream, *resp); err != nil {
				return err
			}
		}
	}
}

// announceEnvelope builds the signed STATUS_UPDATE that marks this backend
// online. When shared credentials are configured, the payload carries a
// freshly minted sync key for the hub to validate.
func (c *Client) announceEnvelope() (proto.Envelope, error) {
	payload := map[string]string{
		"clientId": c.cfg.Client.ClientID,
		"status":   "online",
	}
	if c.cfg.Credentials != "" {
		key, err := sign.DeriveSyncKey(c.cfg.Credentials)
		if err != nil {
			return proto.Envelope{}, err
		}
		payload["syncKey"] = key
	}
	env, err := proto.New(proto.OpStatusUpdate, payload)
	if err != nil {
		return proto.Envelope{}, err
	}
	return c.codec.SignEnvelope(env)
}

func (c *Client) announce(stream *quic.Stream) error {
	env, err := c.announceEnvelope()
	if err != nil {
		return err
	}
	return c.send(stream, env)
}

func (c *Client) send(stream *quic.Stream, env proto.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return proto.WriteFrame(stream, raw)
}

// jitter spreads d by up to ±20%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
