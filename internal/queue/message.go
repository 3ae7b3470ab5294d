// Package queue implements the file-based message queue: a polling
// dispatcher with crash recovery, per-key FIFO serialization, and
// at-least-once delivery, as described in spec.md §4.1.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Message is one record read from the incoming directory (spec.md §3).
type Message struct {
	Channel   string   `json:"channel"`
	Sender    string   `json:"sender"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	MessageID string   `json:"messageId"`
	Agent     string   `json:"agent,omitempty"`
	SenderID  string   `json:"senderId,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// Response is the output record deposited in the outgoing directory.
type Response struct {
	Channel         string   `json:"channel"`
	Sender          string   `json:"sender"`
	Message         string   `json:"message"`
	OriginalMessage string   `json:"originalMessage"`
	Timestamp       int64    `json:"timestamp"`
	MessageID       string   `json:"messageId"`
	Agent           string   `json:"agent,omitempty"`
	Files           []string `json:"files,omitempty"`
}

// ReadMessage parses a Message from the file at path.
func ReadMessage(path string) (Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, fmt.Errorf("read message file: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse message json: %w", err)
	}
	return m, nil
}

// WriteResponse writes r as the outgoing file under dir. Per spec.md §4.1,
// the filename is "<channel>_<messageId>_<now>.json", except heartbeat
// channel messages which use "<messageId>.json".
func WriteResponse(dir string, r Response, nowMs int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create outgoing dir: %w", err)
	}
	name := OutgoingFilename(r.Channel, r.MessageID, nowMs)
	path := filepath.Join(dir, name)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// OutgoingFilename computes the outgoing response filename for a channel,
// messageId and timestamp, per spec.md §4.1's channel-specific convention.
func OutgoingFilename(channel, messageID string, nowMs int64) string {
	if channel == "heartbeat" {
		return messageID + ".json"
	}
	return fmt.Sprintf("%s_%s_%d.json", channel, messageID, nowMs)
}
