package handlers

import (
	"context"
	"encoding/json"
)

// Ping answers application-level PINGs. Any payload is echoed back in the
// PONG so clients can correlate round trips.
type Ping struct{}

func (Ping) Validate(json.RawMessage) error { return nil }

func (Ping) Execute(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
