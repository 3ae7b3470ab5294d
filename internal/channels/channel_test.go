package channels_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/channels"
	"github.com/clawswarm/orchestrator/internal/queue"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	dir := t.TempDir()
	ch := channels.NewTelegramChannel("fake-token", nil, filepath.Join(dir, "incoming"), filepath.Join(dir, "outgoing"), nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	dir := t.TempDir()
	ch := channels.NewTelegramChannel("fake-token", []int64{}, filepath.Join(dir, "incoming"), filepath.Join(dir, "outgoing"), nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	dir := t.TempDir()
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, filepath.Join(dir, "incoming"), filepath.Join(dir, "outgoing"), nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

// TestDrainOutgoing_ViaIntegration exercises the outgoing-delivery path
// indirectly: writing a queue.Response directly into the outgoing dir
// mimics what the dispatcher does, and is the shape drainOutgoing expects.
func TestOutgoingResponseFileShape(t *testing.T) {
	dir := t.TempDir()
	outgoing := filepath.Join(dir, "outgoing")
	if err := os.MkdirAll(outgoing, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	resp := queue.Response{
		Channel:   "telegram",
		Sender:    "alice",
		Message:   "hello back",
		MessageID: "m1",
		Timestamp: time.Now().UnixMilli(),
	}
	if err := queue.WriteResponse(outgoing, resp, time.Now().UnixMilli()); err != nil {
		t.Fatalf("write response: %v", err)
	}
	entries, err := os.ReadDir(outgoing)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one outgoing file, got %v err=%v", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(outgoing, entries[0].Name()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got queue.Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Message != "hello back" {
		t.Fatalf("unexpected message: %q", got.Message)
	}
}
