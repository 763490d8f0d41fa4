package gateway

import (
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"syncbridge/internal/proto"
	"syncbridge/internal/ratelimit"
)

// Conn is one registered client connection. Writes are serialized through
// wmu; liveness fields are guarded by mu because the ping loop and the read
// loop touch them concurrently.
type Conn struct {
	ID   string
	Host string

	qc     *quic.Conn
	stream io.ReadWriter

	wmu sync.Mutex

	mu           sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	lastSeen     time.Time
	authed       bool

	limiter *ratelimit.Limiter
}

// Send frames and writes one envelope. Safe for concurrent use.
func (c *Conn) Send(env proto.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.stream, raw)
}

// Close tears the connection down with an application close code.
func (c *Conn) Close(code int, reason string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.qc != nil {
		_ = c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
	}
}

func (c *Conn) markPingSent(now time.Time) {
	c.mu.Lock()
	c.awaitingPong = true
	c.pingSentAt = now
	c.mu.Unlock()
}

func (c *Conn) markSeen(now time.Time) {
	c.mu.Lock()
	c.awaitingPong = false
	c.lastSeen = now
	c.mu.Unlock()
}

// markAuthenticated records that a correctly signed envelope arrived on this
// connection.
func (c *Conn) markAuthenticated() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// Authenticated reports whether the peer has ever proven secret possession.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// overdue reports whether a ping sent at or before deadline is still
// unanswered.
func (c *Conn) overdue(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingPong && !c.pingSentAt.After(deadline)
}
