package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func validLicense() LicenseData {
	return LicenseData{
		Key:       "SB-PRO-1234",
		Email:     "owner@example.com",
		Type:      "professional",
		IssuedAt:  "2026-01-02T15:04:05Z",
		ExpiresAt: "2027-01-02T15:04:05Z",
		Features:  []string{"sync", "backup"},
		Status:    "active",
	}
}

func TestLicenseValidate(t *testing.T) {
	h := &License{}
	require.NoError(t, h.Validate(mustJSON(t, validLicense())))

	missing := validLicense()
	missing.Key = ""
	assert.Error(t, h.Validate(mustJSON(t, missing)))

	badType := validLicense()
	badType.Type = "platinum"
	assert.Error(t, h.Validate(mustJSON(t, badType)))

	badDate := validLicense()
	badDate.ExpiresAt = "soon"
	assert.Error(t, h.Validate(mustJSON(t, badDate)))

	assert.Error(t, h.Validate([]byte(`{`)))
}

func TestLicenseExecuteStoresAndBacksUp(t *testing.T) {
	root := t.TempDir()
	h := &License{Root: root}
	lic := validLicense()

	result, err := h.Execute(context.Background(), mustJSON(t, lic))
	require.NoError(t, err)
	assert.Contains(t, string(result), `"stored"`)

	loaded, err := h.Load(lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic, loaded)

	_, err = os.Stat(filepath.Join(root, "backups", "licenses", lic.Key+".json"))
	assert.NoError(t, err, "backup copy missing")
}

func TestPaymentValidate(t *testing.T) {
	h := &Payment{}
	valid := PaymentData{ID: "pi_1", Amount: 49.99, Currency: "usd", Status: "succeeded"}
	require.NoError(t, h.Validate(mustJSON(t, valid)))

	// Currency comparison is case-insensitive.
	upper := valid
	upper.Currency = "EUR"
	assert.NoError(t, h.Validate(mustJSON(t, upper)))

	for name, mutate := range map[string]func(*PaymentData){
		"zero amount":     func(p *PaymentData) { p.Amount = 0 },
		"negative amount": func(p *PaymentData) { p.Amount = -1 },
		"bad currency":    func(p *PaymentData) { p.Currency = "jpy" },
		"bad status":      func(p *PaymentData) { p.Status = "maybe" },
		"missing id":      func(p *PaymentData) { p.ID = "" },
	} {
		t.Run(name, func(t *testing.T) {
			p := valid
			mutate(&p)
			assert.Error(t, h.Validate(mustJSON(t, p)))
		})
	}
}

func TestPaymentExecuteAndLookup(t *testing.T) {
	h := &Payment{Root: t.TempDir()}
	p := PaymentData{ID: "pi_42", Amount: 199, Currency: "gbp", Status: "succeeded"}
	_, err := h.Execute(context.Background(), mustJSON(t, p))
	require.NoError(t, err)

	got, err := h.Lookup("pi_42")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = h.Lookup("pi_missing")
	assert.Error(t, err)
}

func validToolkit() ToolkitUpdateData {
	return ToolkitUpdateData{
		Version:    "2.1.0",
		Components: []string{"core", "sync"},
		Features:   []string{"incremental-backup"},
		Timestamp:  "2026-01-02T15:04:05Z",
	}
}

func TestToolkitValidateStrictSemver(t *testing.T) {
	h := &Toolkit{}
	require.NoError(t, h.Validate(mustJSON(t, validToolkit())))

	for name, version := range map[string]string{
		"v prefix":   "v2.1.0",
		"two parts":  "2.1",
		"prerelease": "2.1.0-rc.1",
		"metadata":   "2.1.0+build5",
		"garbage":    "latest",
	} {
		t.Run(name, func(t *testing.T) {
			d := validToolkit()
			d.Version = version
			assert.Error(t, h.Validate(mustJSON(t, d)))
		})
	}

	empty := validToolkit()
	empty.Components = nil
	assert.Error(t, h.Validate(mustJSON(t, empty)))
}

func TestToolkitExecuteWritesVersionPointer(t *testing.T) {
	root := t.TempDir()
	h := &Toolkit{Root: root}
	_, err := h.Execute(context.Background(), mustJSON(t, validToolkit()))
	require.NoError(t, err)

	version, err := h.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", version)

	_, err = os.Stat(filepath.Join(root, "backups", "toolkit", "version.json"))
	assert.NoError(t, err)
}

func TestPCloudValidate(t *testing.T) {
	h := &PCloud{}
	valid := PCloudSyncData{Action: "BACKUP", Files: []string{"a.db"}, Timestamp: "2026-01-02T15:04:05Z"}
	require.NoError(t, h.Validate(mustJSON(t, valid)))

	for name, mutate := range map[string]func(*PCloudSyncData){
		"bad action": func(d *PCloudSyncData) { d.Action = "UPLOAD" },
		"no files":   func(d *PCloudSyncData) { d.Files = nil },
		"absolute":   func(d *PCloudSyncData) { d.Files = []string{"/etc/passwd"} },
		"traversal":  func(d *PCloudSyncData) { d.Files = []string{"../../secret"} },
		"bad time":   func(d *PCloudSyncData) { d.Timestamp = "now" },
	} {
		t.Run(name, func(t *testing.T) {
			d := valid
			mutate(&d)
			assert.Error(t, h.Validate(mustJSON(t, d)))
		})
	}
}

func TestPCloudBackupAndRestore(t *testing.T) {
	root := t.TempDir()
	h := &PCloud{Root: root}
	live := filepath.Join(root, "sync", "notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(live), 0700))
	require.NoError(t, os.WriteFile(live, []byte("v1"), 0600))

	backup := PCloudSyncData{Action: "BACKUP", Files: []string{"notes.txt"}, Timestamp: "2026-01-02T15:04:05Z"}
	_, err := h.Execute(context.Background(), mustJSON(t, backup))
	require.NoError(t, err)

	copied, err := os.ReadFile(filepath.Join(root, "backups", "pcloud", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(copied))

	// Clobber the live copy, then restore.
	require.NoError(t, os.WriteFile(live, []byte("corrupted"), 0600))
	restore := backup
	restore.Action = "RESTORE"
	_, err = h.Execute(context.Background(), mustJSON(t, restore))
	require.NoError(t, err)

	restored, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(restored))
}

func TestPCloudSyncKeepsNewer(t *testing.T) {
	root := t.TempDir()
	h := &PCloud{Root: root}
	live := filepath.Join(root, "sync", "doc.txt")
	backup := filepath.Join(root, "backups", "pcloud", "doc.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(live), 0700))
	require.NoError(t, os.MkdirAll(filepath.Dir(backup), 0700))

	require.NoError(t, os.WriteFile(backup, []byte("old"), 0600))
	require.NoError(t, os.WriteFile(live, []byte("new"), 0600))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(backup, past, past))

	d := PCloudSyncData{Action: "SYNC", Files: []string{"doc.txt"}, Timestamp: "2026-01-02T15:04:05Z"}
	_, err := h.Execute(context.Background(), mustJSON(t, d))
	require.NoError(t, err)

	got, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestPCloudMissingFileFails(t *testing.T) {
	h := &PCloud{Root: t.TempDir()}
	d := PCloudSyncData{Action: "BACKUP", Files: []string{"ghost.txt"}, Timestamp: "2026-01-02T15:04:05Z"}
	_, err := h.Execute(context.Background(), mustJSON(t, d))
	assert.Error(t, err)
}

func TestTestResultsSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, TestResultsData{}.SuccessRate())
	assert.InDelta(t, 80.0, TestResultsData{Total: 10, Passed: 8, Failed: 2}.SuccessRate(), 0.001)
}

func TestTestResultsValidateAndLatest(t *testing.T) {
	h := &TestResults{}
	assert.Error(t, h.Validate(mustJSON(t, TestResultsData{Total: 1, Passed: 1, Failed: 1})))
	assert.Error(t, h.Validate(mustJSON(t, TestResultsData{Total: -1})))
	assert.Error(t, h.Validate(mustJSON(t, TestResultsData{Total: 1, Duration: -2})))

	_, _, ok := h.Latest()
	assert.False(t, ok)

	d := TestResultsData{Total: 20, Passed: 18, Failed: 2, Duration: 4.2, FailedBy: []string{"TestX"}}
	require.NoError(t, h.Validate(mustJSON(t, d)))
	result, err := h.Execute(context.Background(), mustJSON(t, d))
	require.NoError(t, err)
	assert.Contains(t, string(result), "successRate")

	latest, at, ok := h.Latest()
	require.True(t, ok)
	assert.False(t, at.IsZero())
	assert.Equal(t, d, latest)
}

func TestEmailLogBoundedHistory(t *testing.T) {
	l := NewEmailLog(3)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		l.Record(DeliveryRecord{MessageID: id, Recipient: "a@b.c", Status: "sent"})
	}
	_, ok := l.Status("m1")
	assert.False(t, ok, "oldest record should have fallen off")

	rec, ok := l.Status("m4")
	require.True(t, ok)
	assert.Equal(t, "sent", rec.Status)
	assert.False(t, rec.At.IsZero())

	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "m4", recent[0].MessageID)
	assert.Equal(t, "m3", recent[1].MessageID)
}

func TestEmailLogLatestWins(t *testing.T) {
	l := NewEmailLog(10)
	l.Record(DeliveryRecord{MessageID: "m1", Status: "queued"})
	l.Record(DeliveryRecord{MessageID: "m1", Status: "delivered"})
	rec, ok := l.Status("m1")
	require.True(t, ok)
	assert.Equal(t, "delivered", rec.Status)
}

func TestPingEchoesPayload(t *testing.T) {
	h := Ping{}
	require.NoError(t, h.Validate(nil))

	out, err := h.Execute(context.Background(), json.RawMessage(`{"seq":7}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":7}`, string(out))

	out, err = h.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStatusValidate(t *testing.T) {
	h := Status{}
	require.NoError(t, h.Validate(mustJSON(t, map[string]string{"clientId": "c1", "status": "online"})))
	assert.Error(t, h.Validate(mustJSON(t, map[string]string{"clientId": "c1"})))
	assert.Error(t, h.Validate([]byte(`[]`)))
}
