package routing_test

import (
	"testing"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/routing"
)

func testConfig() *config.Config {
	return &config.Config{
		Agents: []config.AgentSpec{{ID: "default"}, {ID: "alice"}, {ID: "bob"}},
		Teams:  []config.TeamSpec{{ID: "eng", Agents: []string{"alice", "bob"}, LeaderAgent: "alice"}},
	}
}

func TestResolve_NoMention(t *testing.T) {
	d := routing.Resolve(testConfig(), "", "hello there")
	if d.AgentID != "default" || d.Message != "hello there" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestResolve_SingleAgentMention(t *testing.T) {
	d := routing.Resolve(testConfig(), "", "@bob do thing")
	if d.AgentID != "bob" {
		t.Fatalf("expected bob, got %s", d.AgentID)
	}
	if d.Message != "do thing" {
		t.Fatalf("expected stripped message, got %q", d.Message)
	}
}

func TestResolve_TeamMention(t *testing.T) {
	d := routing.Resolve(testConfig(), "", "@eng start")
	if d.AgentID != "alice" || !d.IsTeam || d.TeamID != "eng" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Message != "start" {
		t.Fatalf("expected stripped message, got %q", d.Message)
	}
}

func TestResolve_AmbiguousMultipleMentions(t *testing.T) {
	d := routing.Resolve(testConfig(), "", "@alice @bob help")
	if d.AgentID != routing.Ambiguous {
		t.Fatalf("expected ambiguous sentinel, got %s", d.AgentID)
	}
}

func TestResolve_AgentHintOverrides(t *testing.T) {
	d := routing.Resolve(testConfig(), "bob", "@alice ignored prefix stays")
	if d.AgentID != "bob" {
		t.Fatalf("expected hint to win, got %s", d.AgentID)
	}
	if d.Message != "@alice ignored prefix stays" {
		t.Fatalf("expected message unchanged when hint used, got %q", d.Message)
	}
}

func TestResolveSwarm(t *testing.T) {
	id, rest, ok := routing.ResolveSwarm("@swarm triage process the backlog")
	if !ok || id != "triage" || rest != "process the backlog" {
		t.Fatalf("unexpected swarm resolution: id=%s rest=%q ok=%v", id, rest, ok)
	}

	if _, _, ok := routing.ResolveSwarm("@bob hello"); ok {
		t.Fatal("expected non-swarm message to not match")
	}
}

func TestExtractMentions_Sequential(t *testing.T) {
	response := "@bob please continue with the review"
	mentions := routing.ExtractMentions(response, []string{"alice", "bob"})
	if len(mentions) != 1 {
		t.Fatalf("expected 1 mention, got %d", len(mentions))
	}
	if mentions[0].AgentID != "bob" || mentions[0].Body != "please continue with the review" {
		t.Fatalf("unexpected mention: %+v", mentions[0])
	}
}

func TestExtractMentions_FanOut(t *testing.T) {
	response := "@alice look at design @bob look at tests"
	mentions := routing.ExtractMentions(response, []string{"alice", "bob"})
	if len(mentions) != 2 {
		t.Fatalf("expected 2 mentions, got %d", len(mentions))
	}
	if mentions[0].AgentID != "alice" || mentions[0].Body != "look at design" {
		t.Fatalf("unexpected first mention: %+v", mentions[0])
	}
	if mentions[1].AgentID != "bob" || mentions[1].Body != "look at tests" {
		t.Fatalf("unexpected second mention: %+v", mentions[1])
	}
}

func TestExtractMentions_IgnoresNonTeammates(t *testing.T) {
	response := "cc @charlie but the actual handoff is @bob please take it"
	mentions := routing.ExtractMentions(response, []string{"alice", "bob"})
	if len(mentions) != 1 || mentions[0].AgentID != "bob" {
		t.Fatalf("unexpected mentions: %+v", mentions)
	}
}

func TestExtractMentions_Zero(t *testing.T) {
	mentions := routing.ExtractMentions("all done, nothing more to do", []string{"alice", "bob"})
	if len(mentions) != 0 {
		t.Fatalf("expected 0 mentions, got %d", len(mentions))
	}
}
