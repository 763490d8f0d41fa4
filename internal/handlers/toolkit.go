package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
)

type ToolkitUpdateData struct {
	Version    string          `json:"version"`
	Components []string        `json:"components"`
	Features   []string        `json:"features"`
	Timestamp  string          `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type toolkitVersionFile struct {
	Current    string   `json:"current"`
	Timestamp  string   `json:"timestamp"`
	Components []string `json:"components"`
	Features   []string `json:"features"`
}

// Toolkit records toolkit version rollouts: a per-version directory plus a
// version.json pointer, both mirrored under backups/toolkit.
type Toolkit struct {
	Root string
}

func (h *Toolkit) Validate(data json.RawMessage) error {
	var d ToolkitUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode toolkit update: %w", err)
	}
	if d.Version == "" {
		return errors.New("missing version")
	}
	v, err := semver.StrictNewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", d.Version, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return fmt.Errorf("version %q must be plain major.minor.patch", d.Version)
	}
	if len(d.Components) == 0 {
		return errors.New("empty components")
	}
	if len(d.Features) == 0 {
		return errors.New("empty features")
	}
	if _, err := time.Parse(time.RFC3339, d.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

func (h *Toolkit) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d ToolkitUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	versionDir := filepath.Join(h.Root, "toolkit", d.Version)
	backupDir := filepath.Join(h.Root, "backups", "toolkit", d.Version)
	if err := os.MkdirAll(versionDir, 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, err
	}
	vf := toolkitVersionFile{
		Current:    d.Version,
		Timestamp:  d.Timestamp,
		Components: d.Components,
		Features:   d.Features,
	}
	if err := writeRecord(filepath.Join(h.Root, "toolkit", "version.json"), vf); err != nil {
		return nil, err
	}
	if err := writeRecord(filepath.Join(h.Root, "backups", "toolkit", "version.json"), vf); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"version": d.Version, "status": "updated"})
}

// CurrentVersion reads the deployed toolkit version pointer.
func (h *Toolkit) CurrentVersion() (string, error) {
	raw, err := readRecord(filepath.Join(h.Root, "toolkit", "version.json"))
	if err != nil {
		return "", err
	}
	var vf toolkitVersionFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return "", err
	}
	return vf.Current, nil
}
