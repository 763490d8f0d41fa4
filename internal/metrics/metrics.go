package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DropRecord remembers one recently dropped message for the status CLI.
type DropRecord struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
	At        string `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Gateway     GatewayMetrics `json:"gateway"`
	Queue       QueueMetrics   `json:"queue"`
	Client      ClientMetrics  `json:"client"`
	RecentDrops []DropRecord   `json:"recent_drops"`
}

type GatewayMetrics struct {
	Accepted        uint64 `json:"accepted"`
	RejectedPolicy  uint64 `json:"rejected_policy"`
	RejectedFull    uint64 `json:"rejected_full"`
	Evicted         uint64 `json:"evicted"`
	MessagesIn      uint64 `json:"messages_in"`
	MessagesOut     uint64 `json:"messages_out"`
	Broadcasts      uint64 `json:"broadcasts"`
	DropValidation  uint64 `json:"drop_validation"`
	DropRateLimited uint64 `json:"drop_rate_limited"`
	DropBadSig      uint64 `json:"drop_bad_signature"`
	DropBadSyncKey  uint64 `json:"drop_bad_sync_key"`
	HandlerErrors   uint64 `json:"handler_errors"`
}

type QueueMetrics struct {
	Processed    uint64 `json:"processed"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
}

type ClientMetrics struct {
	Reconnects  uint64 `json:"reconnects"`
	CallRetries uint64 `json:"call_retries"`
	CallsFailed uint64 `json:"calls_failed"`
}

type Metrics struct {
	accepted        atomic.Uint64
	rejectedPolicy  atomic.Uint64
	rejectedFull    atomic.Uint64
	evicted         atomic.Uint64
	messagesIn      atomic.Uint64
	messagesOut     atomic.Uint64
	broadcasts      atomic.Uint64
	dropValidation  atomic.Uint64
	dropRateLimited atomic.Uint64
	dropBadSig      atomic.Uint64
	dropBadSyncKey  atomic.Uint64
	handlerErrors   atomic.Uint64
	processed       atomic.Uint64
	requeued        atomic.Uint64
	deadLettered    atomic.Uint64
	reconnects      atomic.Uint64
	callRetries     atomic.Uint64
	callsFailed     atomic.Uint64
	recent          *dropRing
}

func New() *Metrics {
	return &Metrics{recent: newDropRing(64)}
}

func (m *Metrics) IncAccepted()       { m.accepted.Add(1) }
func (m *Metrics) IncRejectedPolicy() { m.rejectedPolicy.Add(1) }
func (m *Metrics) IncRejectedFull()   { m.rejectedFull.Add(1) }
func (m *Metrics) IncEvicted()        { m.evicted.Add(1) }
func (m *Metrics) IncMessagesIn()     { m.messagesIn.Add(1) }
func (m *Metrics) IncMessagesOut()    { m.messagesOut.Add(1) }
func (m *Metrics) IncBroadcasts()     { m.broadcasts.Add(1) }
func (m *Metrics) IncHandlerErrors()  { m.handlerErrors.Add(1) }
func (m *Metrics) IncTaskProcessed()  { m.processed.Add(1) }
func (m *Metrics) IncTaskRequeued()   { m.requeued.Add(1) }
func (m *Metrics) IncTaskDeadLetter() { m.deadLettered.Add(1) }
func (m *Metrics) IncReconnects()     { m.reconnects.Add(1) }
func (m *Metrics) IncCallRetries()    { m.callRetries.Add(1) }
func (m *Metrics) IncCallsFailed()    { m.callsFailed.Add(1) }

// RecordDrop counts a per-message drop and remembers it in the recent ring.
func (m *Metrics) RecordDrop(operation, reason string) {
	switch reason {
	case "validation":
		m.dropValidation.Add(1)
	case "rate_limited":
		m.dropRateLimited.Add(1)
	case "bad_signature":
		m.dropBadSig.Add(1)
	case "bad_sync_key":
		m.dropBadSyncKey.Add(1)
	}
	if m.recent != nil {
		m.recent.add(DropRecord{
			Operation: operation,
			Reason:    reason,
			At:        time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []DropRecord{}
	if m.recent != nil {
		recent = m.recent.list()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Gateway: GatewayMetrics{
			Accepted:        m.accepted.Load(),
			RejectedPolicy:  m.rejectedPolicy.Load(),
			RejectedFull:    m.rejectedFull.Load(),
			Evicted:         m.evicted.Load(),
			MessagesIn:      m.messagesIn.Load(),
			MessagesOut:     m.messagesOut.Load(),
			Broadcasts:      m.broadcasts.Load(),
			DropValidation:  m.dropValidation.Load(),
			DropRateLimited: m.dropRateLimited.Load(),
			DropBadSig:      m.dropBadSig.Load(),
			DropBadSyncKey:  m.dropBadSyncKey.Load(),
			HandlerErrors:   m.handlerErrors.Load(),
		},
		Queue: QueueMetrics{
			Processed:    m.processed.Load(),
			Requeued:     m.requeued.Load(),
			DeadLettered: m.deadLettered.Load(),
		},
		Client: ClientMetrics{
			Reconnects:  m.reconnects.Load(),
			CallRetries: m.callRetries.Load(),
			CallsFailed: m.callsFailed.Load(),
		},
		RecentDrops: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type dropRing struct {
	mu    sync.Mutex
	cap   int
	items []DropRecord
}

func newDropRing(capacity int) *dropRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &dropRing{cap: capacity}
}

func (r *dropRing) add(rec DropRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.cap {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = rec
		return
	}
	r.items = append(r.items, rec)
}

func (r *dropRing) list() []DropRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DropRecord, len(r.items))
	copy(out, r.items)
	return out
}
