package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var pcloudActions = map[string]bool{"BACKUP": true, "RESTORE": true, "SYNC": true}

type PCloudSyncData struct {
	Action    string   `json:"action"`
	Files     []string `json:"files"`
	Timestamp string   `json:"timestamp"`
}

// PCloud mirrors named files between the live tree and <root>/backups/pcloud.
// BACKUP copies live to backup, RESTORE copies backup to live, SYNC does
// both directions keeping the newer copy.
type PCloud struct {
	Root string
}

func (h *PCloud) Validate(data json.RawMessage) error {
	var d PCloudSyncData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode pcloud sync: %w", err)
	}
	if !pcloudActions[d.Action] {
		return fmt.Errorf("invalid pcloud action %q", d.Action)
	}
	if len(d.Files) == 0 {
		return errors.New("empty file list")
	}
	for _, f := range d.Files {
		if f == "" || filepath.IsAbs(f) || strings.Contains(f, "..") {
			return fmt.Errorf("invalid file path %q", f)
		}
	}
	if _, err := time.Parse(time.RFC3339, d.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

func (h *PCloud) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var d PCloudSyncData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	synced := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		live := filepath.Join(h.Root, "sync", f)
		backup := filepath.Join(h.Root, "backups", "pcloud", f)
		var err error
		switch d.Action {
		case "BACKUP":
			err = copyFile(live, backup)
		case "RESTORE":
			err = copyFile(backup, live)
		case "SYNC":
			err = syncNewer(live, backup)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", d.Action, f, err)
		}
		synced = append(synced, f)
	}
	return json.Marshal(map[string]any{"action": d.Action, "files": synced, "status": "synced"})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// syncNewer copies in whichever direction has the fresher mtime. A side that
// is missing entirely loses to the side that exists.
func syncNewer(live, backup string) error {
	li, lerr := os.Stat(live)
	bi, berr := os.Stat(backup)
	switch {
	case lerr != nil && berr != nil:
		return lerr
	case berr != nil:
		return copyFile(live, backup)
	case lerr != nil:
		return copyFile(backup, live)
	case li.ModTime().After(bi.ModTime()):
		return copyFile(live, backup)
	case bi.ModTime().After(li.ModTime()):
		return copyFile(backup, live)
	}
	return nil
}
