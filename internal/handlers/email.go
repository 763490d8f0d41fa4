package handlers

import (
	"sync"
	"time"
)

// DeliveryRecord is one observed email send attempt.
type DeliveryRecord struct {
	MessageID string    `json:"messageId"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// EmailLog is the in-memory delivery history behind the EMAIL_DELIVERY call
// path. Bounded: oldest entries fall off past the cap.
type EmailLog struct {
	mu      sync.Mutex
	cap     int
	records []DeliveryRecord
}

func NewEmailLog(capacity int) *EmailLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &EmailLog{cap: capacity}
}

func (l *EmailLog) Record(r DeliveryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	l.records = append(l.records, r)
	if len(l.records) > l.cap {
		l.records = l.records[len(l.records)-l.cap:]
	}
}

// Status returns the latest record for messageID, if any.
func (l *EmailLog) Status(messageID string) (DeliveryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].MessageID == messageID {
			return l.records[i], true
		}
	}
	return DeliveryRecord{}, false
}

// Recent returns up to n newest records, newest first.
func (l *EmailLog) Recent(n int) []DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]DeliveryRecord, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out
}
