// Package sign implements the shared-secret message authentication used on
// every sync channel: hex(HMAC-SHA256(secret, "{timestamp}.{canonical(payload)}"))
// where canonical is RFC 8785 (JCS). Signer and verifier hash identical bytes
// or nothing works; the canonical form is pinned here and nowhere else.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gowebpki/jcs"

	"syncbridge/internal/proto"
)

var (
	ErrNoSignature  = errors.New("missing signature")
	ErrBadSignature = errors.New("signature mismatch")
	ErrBadTimestamp = errors.New("missing or unparsable timestamp")
	ErrBadPayload   = errors.New("payload not canonicalizable")
)

// Codec signs and verifies envelopes under one shared secret.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Canonical returns the RFC 8785 form of a JSON payload. A nil or empty
// payload canonicalizes to the JSON literal null, so unsigned-data envelopes
// still have a defined signing input.
func Canonical(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}
	out, err := jcs.Transform(payload)
	if err != nil {
		return nil, errors.Join(ErrBadPayload, err)
	}
	return out, nil
}

// Sign computes the hex signature over timestamp and payload.
func (c *Codec) Sign(timestamp string, payload []byte) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignEnvelope returns a copy of env with its signature set.
func (c *Codec) SignEnvelope(env proto.Envelope) (proto.Envelope, error) {
	sig, err := c.Sign(env.Timestamp, env.Data)
	if err != nil {
		return proto.Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// VerifyEnvelope recomputes the signature and compares in constant time.
// A missing timestamp, an unparsable payload, or any byte mismatch fails.
func (c *Codec) VerifyEnvelope(env proto.Envelope) error {
	if env.Signature == "" {
		return ErrNoSignature
	}
	if env.Timestamp == "" {
		return ErrBadTimestamp
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		return ErrBadTimestamp
	}
	want, err := c.Sign(env.Timestamp, env.Data)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(env.Signature)
	if err != nil {
		return ErrBadSignature
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(wantRaw, got) {
		return ErrBadSignature
	}
	return nil
}
