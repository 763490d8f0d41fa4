package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"syncbridge/internal/debuglog"
	"syncbridge/internal/gateway"
	"syncbridge/internal/proto"
)

// Caller issues authenticated request/response operations against the hub's
// call API. Transient failures retry with the configured backoff; a 429
// honors the server's Retry-After instead.
type Caller struct {
	http *http.Client
	c    *Client
}

func (c *Client) Caller() *Caller {
	return &Caller{
		http: &http.Client{Timeout: 30 * time.Second},
		c:    c,
	}
}

type callBody struct {
	Operation proto.Operation `json:"operation"`
	Data      any             `json:"data"`
}

type callResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (cl *Caller) call(ctx context.Context, op proto.Operation, data any) (json.RawMessage, error) {
	body, err := json.Marshal(callBody{Operation: op, Data: data})
	if err != nil {
		return nil, err
	}
	retry := cl.c.cfg.Client.Retry

	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			cl.c.metrics.IncCallRetries()
		}
		result, wait, err := cl.once(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == retry.MaxAttempts-1 {
			break
		}
		if wait <= 0 {
			wait = retry.RetryDelay(attempt)
		}
		debuglog.Debugf("syncclient: %s attempt %d failed (%v), retrying in %s", op, attempt+1, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	cl.c.metrics.IncCallsFailed()
	debuglog.Logf("syncclient: %s failed after %d attempts: %v", op, retry.MaxAttempts, lastErr)
	// The caller gets the last underlying error, not a retry wrapper.
	return nil, lastErr
}

// once performs a single signed request. The returned duration is nonzero
// only when the server answered 429 with a Retry-After.
func (cl *Caller) once(ctx context.Context, body []byte) (json.RawMessage, time.Duration, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	sig, err := cl.c.codec.Sign(timestamp, body)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.c.cfg.Client.HubURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.HeaderClientID, cl.c.cfg.Client.ClientID)
	req.Header.Set(gateway.HeaderSignature, sig)
	req.Header.Set(gateway.HeaderTimestamp, timestamp)

	resp, err := cl.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, proto.MaxFrameSize))
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Duration(0)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return nil, wait, fmt.Errorf("rate limited (429)")
	}

	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, 0, fmt.Errorf("status %d: undecodable response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		msg := result.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return result.Data, 0, nil
}

// TestSync checks the call channel end to end.
func (cl *Caller) TestSync(ctx context.Context) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpTestSync, map[string]string{"probe": "test"})
}

// ActivateLicense binds a license key to a machine.
func (cl *Caller) ActivateLicense(ctx context.Context, key, machineID string) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpLicenseActivation, map[string]string{"key": key, "machineId": machineID})
}

// DeactivateLicense releases a license binding.
func (cl *Caller) DeactivateLicense(ctx context.Context, key string) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpLicenseDeactivation, map[string]string{"key": key})
}

// VerifyPayment checks a payment record's status on the hub.
func (cl *Caller) VerifyPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpPaymentVerification, map[string]string{"id": paymentID})
}

// CheckEmailDelivery looks up the delivery status of one message.
func (cl *Caller) CheckEmailDelivery(ctx context.Context, messageID string) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpEmailDelivery, map[string]string{"messageId": messageID})
}

// CheckWebhookHealth fetches the hub's health summary.
func (cl *Caller) CheckWebhookHealth(ctx context.Context) (json.RawMessage, error) {
	return cl.call(ctx, proto.OpWebhookStatus, nil)
}
