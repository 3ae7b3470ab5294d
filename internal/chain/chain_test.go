package chain_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/chain"
	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/history"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// scriptedInvoker returns a canned response keyed by agent id, recording
// every prompt it was invoked with.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses map[string]string
	prompts   map[string][]string
}

func newScriptedInvoker(responses map[string]string) *scriptedInvoker {
	return &scriptedInvoker{responses: responses, prompts: map[string][]string{}}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req worker.Request) (worker.Result, error) {
	s.mu.Lock()
	s.prompts[req.Agent.ID] = append(s.prompts[req.Agent.ID], req.Prompt)
	s.mu.Unlock()
	resp, ok := s.responses[req.Agent.ID]
	if !ok {
		return worker.Result{}, fmt.Errorf("no scripted response for %s", req.Agent.ID)
	}
	return worker.Result{Text: resp}, nil
}

func testTeam() config.TeamSpec {
	return config.TeamSpec{ID: "eng", Name: "Engineering", Agents: []string{"alice", "bob", "carol"}, LeaderAgent: "alice"}
}

func testConfig(homeDir string) *config.Config {
	return &config.Config{
		HomeDir: homeDir,
		Agents: []config.AgentSpec{
			{ID: "alice"}, {ID: "bob"}, {ID: "carol"},
		},
		Teams: []config.TeamSpec{testTeam()},
	}
}

func TestExecutor_NoMentions_SingleStep(t *testing.T) {
	cfg := testConfig(t.TempDir())
	inv := newScriptedInvoker(map[string]string{"alice": "all done, nothing more to do"})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }))

	result, err := e.Run(context.Background(), testTeam(), "alice", "kick things off", false, chain.Context{Channel: "t", Sender: "u"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Steps) != 1 || result.Final != "all done, nothing more to do" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecutor_SequentialHandoff(t *testing.T) {
	cfg := testConfig(t.TempDir())
	inv := newScriptedInvoker(map[string]string{
		"alice": "@bob please review this",
		"bob":   "looks good, no concerns",
	})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }))

	result, err := e.Run(context.Background(), testTeam(), "alice", "ship it", false, chain.Context{Channel: "t", Sender: "u"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(result.Steps))
	}
	if !strings.Contains(result.Final, "@alice:") || !strings.Contains(result.Final, "@bob:") {
		t.Fatalf("expected aggregated response with agent prefixes, got %q", result.Final)
	}
	if !strings.Contains(result.Final, "---") {
		t.Fatalf("expected step separator, got %q", result.Final)
	}

	bobPrompt := inv.prompts["bob"][0]
	if !strings.Contains(bobPrompt, "[Message from teammate @alice]") || !strings.Contains(bobPrompt, "please review this") {
		t.Fatalf("expected handoff prefix in bob's prompt, got %q", bobPrompt)
	}
}

// TestExecutor_AggregateFormat_S3 exercises the exact aggregation format
// from the worked S3 scenario: "@alice: ...\n\n---\n\n@bob: ...".
func TestExecutor_AggregateFormat_S3(t *testing.T) {
	cfg := testConfig(t.TempDir())
	inv := newScriptedInvoker(map[string]string{
		"alice": "@bob please continue",
		"bob":   "done",
	})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }))

	result, err := e.Run(context.Background(), testTeam(), "alice", "start", false, chain.Context{Channel: "t", Sender: "u"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "@alice: @bob please continue\n\n---\n\n@bob: done"
	if result.Final != want {
		t.Fatalf("aggregate mismatch:\n got  %q\n want %q", result.Final, want)
	}
}

// TestExecutor_RecordsTranscriptToHistory confirms a configured history
// store is exercised on a completed chain run, not merely accepted.
func TestExecutor_RecordsTranscriptToHistory(t *testing.T) {
	homeDir := t.TempDir()
	cfg := testConfig(homeDir)

	store, err := history.Open(filepath.Join(homeDir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	inv := newScriptedInvoker(map[string]string{"alice": "all done here"})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }), chain.WithHistory(store))

	if _, err := e.Run(context.Background(), testTeam(), "alice", "go", false, chain.Context{Channel: "t", Sender: "u"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := store.RecentChainTranscripts(context.Background(), testTeam().ID, 10)
	if err != nil {
		t.Fatalf("query recent transcripts: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 indexed transcript, got %+v", recs)
	}
}

func TestExecutor_FanOutTerminatesImmediately(t *testing.T) {
	cfg := testConfig(t.TempDir())
	inv := newScriptedInvoker(map[string]string{
		"alice": "@bob check the tests @carol check the docs",
		"bob":   "tests pass",
		"carol": "docs updated",
	})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }))

	result, err := e.Run(context.Background(), testTeam(), "alice", "wrap up the release", false, chain.Context{Channel: "t", Sender: "u"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 steps (1 + fan-out of 2), got %d", len(result.Steps))
	}
	if result.Steps[1].AgentID != "bob" || result.Steps[2].AgentID != "carol" {
		t.Fatalf("expected fan-out steps in input order, got %+v", result.Steps)
	}
}

func TestExecutor_UnknownTeammateMentionErrors(t *testing.T) {
	cfg := testConfig(t.TempDir())
	inv := newScriptedInvoker(map[string]string{"alice": "@dave take a look"})
	e := chain.New(cfg, inv, chain.WithClock(func() time.Time { return time.Unix(0, 0) }))

	team := testTeam()
	team.Agents = []string{"alice", "dave"}
	_, err := e.Run(context.Background(), team, "alice", "go", false, chain.Context{Channel: "t", Sender: "u"})
	if err == nil {
		t.Fatal("expected error for teammate not present in config.Agents")
	}
}
