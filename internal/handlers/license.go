// Package handlers implements the domain operations behind the sync
// protocol: license issuance, payment records, toolkit version rollout,
// backup sync, aggregated test results and email delivery tracking. Each
// handler validates before it executes and stores its records as JSON files
// under a root directory, with a mirrored copy under backups/.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var licenseTypes = map[string]bool{
	"basic":               true,
	"professional":        true,
	"enterprise":          true,
	"government":          true,
	"lifetime_enterprise": true,
}

type LicenseData struct {
	Key        string   `json:"key"`
	Email      string   `json:"email"`
	Type       string   `json:"type"`
	IssuedAt   string   `json:"issuedAt"`
	ExpiresAt  string   `json:"expiresAt"`
	Features   []string `json:"features"`
	Status     string   `json:"status"`
	CustomerID string   `json:"customerId,omitempty"`
	PaymentID  string   `json:"paymentId,omitempty"`
}

// License stores issued licenses under <root>/licenses with a backup copy.
type License struct {
	Root string
}

func (h *License) Validate(data json.RawMessage) error {
	var d LicenseData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode license data: %w", err)
	}
	if d.Key == "" || d.Email == "" || d.Type == "" {
		return errors.New("missing license key, email or type")
	}
	if !licenseTypes[d.Type] {
		return fmt.Errorf("invalid license type %q", d.Type)
	}
	if _, err := time.Parse(time.RFC3339, d.IssuedAt); err != nil {
		return fmt.Errorf("invalid issuedAt: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, d.ExpiresAt); err != nil {
		return fmt.Errorf("invalid expiresAt: %w", err)
	}
	return nil
}

func (h *License) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d LicenseData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if err := writeRecord(filepath.Join(h.Root, "licenses", d.Key+".json"), d); err != nil {
		return nil, err
	}
	if err := writeRecord(filepath.Join(h.Root, "backups", "licenses", d.Key+".json"), d); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"key": d.Key, "status": "stored"})
}

// Load returns a stored license by key, for the activation call path.
func (h *License) Load(key string) (LicenseData, error) {
	var d LicenseData
	raw, err := os.ReadFile(filepath.Join(h.Root, "licenses", key+".json"))
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}

func readRecord(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeRecord(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
