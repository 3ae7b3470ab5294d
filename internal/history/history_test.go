package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/history"
)

func TestRecordAndQuerySwarmJob(t *testing.T) {
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Unix(1000, 0)
	if err := store.RecordSwarmJob(ctx, history.SwarmJobSummary{
		JobID: "job1", SwarmID: "digest", Status: "completed",
		BatchCount: 4, Failed: 1, Started: now, Finished: now.Add(time.Minute),
		Channel: "telegram", Sender: "alice",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := store.RecentSwarmJobs(ctx, "digest", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "job1" {
		t.Fatalf("expected one job1 record, got %+v", got)
	}
}

func TestRecordChainTranscript(t *testing.T) {
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.RecordChainTranscript(context.Background(), history.ChainTranscriptSummary{
		TeamID: "crew", Channel: "telegram", Sender: "bob", Steps: 3,
		RecordedAt: time.Unix(0, 0), Path: "chats/crew/x.md",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
}
