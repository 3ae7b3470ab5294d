package swarm_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/history"
	"github.com/clawswarm/orchestrator/internal/swarm"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// echoInvoker returns a scripted response function's output, recording
// every prompt it was invoked with.
type echoInvoker struct {
	mu       sync.Mutex
	fn       func(req worker.Request) (string, error)
	prompts  []string
	failN    int // fail the first failN calls, then succeed
	attempts int
}

func (e *echoInvoker) Invoke(ctx context.Context, req worker.Request) (worker.Result, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Prompt)
	e.attempts++
	attemptsSoFar := e.attempts
	e.mu.Unlock()

	if attemptsSoFar <= e.failN {
		return worker.Result{}, fmt.Errorf("transient failure")
	}
	text, err := e.fn(req)
	return worker.Result{Text: text}, err
}

func testConfig(homeDir string) *config.Config {
	return &config.Config{
		HomeDir: homeDir,
		Queue:   config.QueueConfig{Root: "queue"},
		Agents:  []config.AgentSpec{{ID: "worker1"}},
	}
}

func baseSwarmSpec() config.SwarmSpec {
	return config.SwarmSpec{
		ID:               "demo",
		Agent:            "worker1",
		Concurrency:      2,
		BatchSize:        2,
		PromptTemplate:   "process: {{items}}",
		ProgressInterval: 0,
	}
}

func TestRun_ConcatenateReduce(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	for _, sub := range []string{"queue/outgoing"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	inv := &echoInvoker{fn: func(req worker.Request) (string, error) {
		return "done: " + req.Prompt, nil
	}}

	e := swarm.New(cfg, inv, swarm.WithClock(func() time.Time { return time.Unix(1000, 0) }))

	spec := baseSwarmSpec()
	message := `["a","b","c"]`
	job, err := e.Run(context.Background(), "job1", spec, message, nil, swarm.RequestContext{Channel: "t", Sender: "u", MessageID: "m1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Status != "completed" {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if !strings.Contains(job.Result, "done:") {
		t.Fatalf("expected batch results in output, got %q", job.Result)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "queue", "outgoing"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected an outgoing response file, err=%v entries=%v", err, entries)
	}
}

func TestRun_NoInput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "x", nil }}
	e := swarm.New(cfg, inv, swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := e.Run(context.Background(), "job2", baseSwarmSpec(), "nothing resolvable here", nil, swarm.RequestContext{})
	if err == nil {
		t.Fatal("expected NoInput error")
	}
	if _, ok := err.(*swarm.NoInputError); !ok {
		t.Fatalf("expected *swarm.NoInputError, got %T: %v", err, err)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{failN: 2, fn: func(req worker.Request) (string, error) { return "recovered", nil }}
	e := swarm.New(cfg, inv, swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	spec := baseSwarmSpec()
	spec.BatchSize = 10
	job, err := e.Run(context.Background(), "job3", spec, `["only-item"]`, nil, swarm.RequestContext{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(job.Result, "recovered") {
		t.Fatalf("expected eventual success after retries, got %q", job.Result)
	}
}

func TestRun_AllBatchesFail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{failN: 1000, fn: func(req worker.Request) (string, error) { return "", nil }}
	e := swarm.New(cfg, inv, swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := e.Run(context.Background(), "job4", baseSwarmSpec(), `["a","b"]`, nil, swarm.RequestContext{})
	if _, ok := err.(*swarm.AllBatchesFailedError); !ok {
		t.Fatalf("expected *swarm.AllBatchesFailedError, got %T: %v", err, err)
	}
}

// TestRun_RecordsCompletedJobToHistory confirms a configured history
// store is actually exercised by a completed run, not merely accepted.
func TestRun_RecordsCompletedJobToHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	for _, sub := range []string{"queue/outgoing"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	store, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "done: " + req.Prompt, nil }}
	e := swarm.New(cfg, inv,
		swarm.WithClock(func() time.Time { return time.Unix(1000, 0) }),
		swarm.WithHistory(store))

	spec := baseSwarmSpec()
	if _, err := e.Run(context.Background(), "job-hist-1", spec, `["a","b"]`, nil, swarm.RequestContext{Channel: "t", Sender: "u"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := store.RecentSwarmJobs(context.Background(), spec.ID, 10)
	if err != nil {
		t.Fatalf("query recent jobs: %v", err)
	}
	if len(recs) != 1 || recs[0].JobID != "job-hist-1" {
		t.Fatalf("expected job-hist-1 indexed, got %+v", recs)
	}
}

func TestRun_AttachedFileInput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "ok:" + req.Prompt, nil }}
	e := swarm.New(cfg, inv, swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	filePath := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(filePath, []byte("alpha\nbeta\n\ngamma\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	job, err := e.Run(context.Background(), "job5", baseSwarmSpec(), "process this attached file please", []string{filePath}, swarm.RequestContext{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Status != "completed" {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}
