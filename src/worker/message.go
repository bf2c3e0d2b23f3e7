// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
)

// Message is posted by a page to the worker.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Reply struct {
	Type string `json:"type"`
	// Handled is false for message types the worker does not know
	Handled bool   `json:"handled"`
	Active  string `json:"active,omitempty"`
	Waiting string `json:"waiting,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
}

// ParseMessage decodes one JSON message from r.
func ParseMessage(r io.Reader) (Message, error) {
	var msg Message
	dec := json.NewDecoder(r)
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
