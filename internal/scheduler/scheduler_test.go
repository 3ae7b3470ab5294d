package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/queue"
	"github.com/clawswarm/orchestrator/internal/scheduler"
)

func testConfig(homeDir string) *config.Config {
	return &config.Config{
		HomeDir: homeDir,
		Queue:   config.QueueConfig{Root: "queue"},
		Swarms: []config.SwarmSpec{
			{ID: "nightly-digest", Agent: "worker1", Schedule: "* * * * *"},
			{ID: "manual-only", Agent: "worker1"},
		},
	}
}

func TestNew_OnlySchedulesSwarmsWithSchedule(t *testing.T) {
	dir := t.TempDir()
	s, err := scheduler.New(scheduler.Config{Workspace: testConfig(dir)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s == nil {
		t.Fatal("expected non-nil scheduler")
	}
}

func TestNew_InvalidScheduleErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Swarms[0].Schedule = "not-a-cron-expr"

	if _, err := scheduler.New(scheduler.Config{Workspace: cfg}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNextRunTime_EveryMinute(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, err := scheduler.NextRunTime("* * * * *", base)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestScheduler_TickEnqueuesDueSwarmIntoIncoming(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	s, err := scheduler.New(scheduler.Config{Workspace: cfg, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer func() {
		cancel()
		s.Stop()
	}()

	incoming := filepath.Join(dir, "queue", "incoming")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(incoming)
		if err == nil && len(entries) > 0 {
			data, err := os.ReadFile(filepath.Join(incoming, entries[0].Name()))
			if err != nil {
				t.Fatalf("read enqueued message: %v", err)
			}
			var msg queue.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal enqueued message: %v", err)
			}
			if msg.Channel != "scheduler" {
				t.Fatalf("expected scheduler channel, got %q", msg.Channel)
			}
			if msg.MessageID == "" {
				t.Fatal("expected a non-empty message id")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for scheduled swarm to be enqueued")
}
