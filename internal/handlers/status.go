package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Status accepts backend presence announcements. The payload is passed
// through so the gateway can fan it out to the other connections.
type Status struct{}

func (Status) Validate(data json.RawMessage) error {
	var d struct {
		ClientID string `json:"clientId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode status update: %w", err)
	}
	if d.ClientID == "" || d.Status == "" {
		return errors.New("missing clientId or status")
	}
	return nil
}

func (Status) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}
