package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	paymentCurrencies = map[string]bool{"usd": true, "eur": true, "gbp": true}
	paymentStatuses   = map[string]bool{"succeeded": true, "pending": true, "failed": true}
)

type PaymentData struct {
	ID         string          `json:"id"`
	Amount     float64         `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	CustomerID string          `json:"customerId,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Payment stores confirmed payment records under <root>/payments.
type Payment struct {
	Root string
}

func (h *Payment) Validate(data json.RawMessage) error {
	var d PaymentData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode payment data: %w", err)
	}
	if d.ID == "" || d.Currency == "" || d.Status == "" {
		return errors.New("missing payment id, currency or status")
	}
	if d.Amount <= 0 {
		return errors.New("invalid payment amount")
	}
	if !paymentCurrencies[strings.ToLower(d.Currency)] {
		return fmt.Errorf("invalid currency %q", d.Currency)
	}
	if !paymentStatuses[d.Status] {
		return fmt.Errorf("invalid payment status %q", d.Status)
	}
	return nil
}

func (h *Payment) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d PaymentData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if err := writeRecord(filepath.Join(h.Root, "payments", d.ID+".json"), d); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": d.ID, "status": "stored"})
}

// Lookup returns a stored payment record, for the verification call path.
func (h *Payment) Lookup(id string) (PaymentData, error) {
	var d PaymentData
	raw, err := readRecord(filepath.Join(h.Root, "payments", id+".json"))
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}
