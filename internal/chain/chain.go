// Package chain implements the Team Chain Executor: it invokes a starting
// agent, scans the response for teammate mentions, and continues with
// sequential handoff or parallel fan-out until no teammate is mentioned
// (spec.md §4.3).
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawswarm/orchestrator/internal/bus"
	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/events"
	"github.com/clawswarm/orchestrator/internal/history"
	"github.com/clawswarm/orchestrator/internal/memory"
	"github.com/clawswarm/orchestrator/internal/otel"
	"github.com/clawswarm/orchestrator/internal/routing"
	"github.com/clawswarm/orchestrator/internal/shared"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// warnDepth and maxDepth bound an otherwise unbounded chain, per
// SPEC_FULL.md's supplemented chain-depth guard (mirroring the teacher's
// DelegationMaxHops guard against runaway delegate recursion).
const (
	warnDepth = 10
	maxDepth  = 50
)

// DepthExceededError is returned when a chain reaches maxDepth without
// terminating.
type DepthExceededError struct {
	TeamID string
	Depth  int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("team %s: chain exceeded %d hops without terminating", e.TeamID, e.Depth)
}

// sendFileMarker matches an agent response's "[send_file: PATH]" marker.
var sendFileMarker = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// Step is one invocation recorded in a chain.
type Step struct {
	AgentID  string
	Response string
}

// Result is the outcome of running a chain to completion.
type Result struct {
	Steps       []Step
	Final       string
	Attachments []string
}

// Executor runs team chains.
type Executor struct {
	cfg     *config.Config
	invoker worker.Invoker
	sink    *events.Sink
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
	history *history.Store
}

// Option configures an Executor.
type Option func(*Executor)

func WithSink(s *events.Sink) Option        { return func(e *Executor) { e.sink = s } }
func WithMetrics(m *otel.Metrics) Option    { return func(e *Executor) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Executor) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }
func WithHistory(h *history.Store) Option   { return func(e *Executor) { e.history = h } }

// New constructs an Executor.
func New(cfg *config.Config, invoker worker.Invoker, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		invoker: invoker,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Context carries the transcript/attribution metadata for one chain run.
type Context struct {
	Channel   string
	Sender    string
	MessageID string
}

// Run executes a team chain starting at startAgentID with message, per
// spec.md §4.3. shouldReset applies only to the first step; subsequent
// steps consult each agent's own reset flag file.
func (e *Executor) Run(ctx context.Context, team config.TeamSpec, startAgentID, message string, shouldReset bool, chatCtx Context) (Result, error) {
	start := e.now()
	ctx = shared.WithRunID(ctx, shared.NewRunID())
	e.emit(bus.TopicTeamChainStart, map[string]any{"team_id": team.ID, "start_agent": startAgentID, "run_id": shared.RunID(ctx)})

	var steps []Step
	attachmentSet := make(map[string]struct{})

	currentAgent := startAgentID
	currentMessage := message
	reset := shouldReset

	for depth := 0; ; depth++ {
		if depth == warnDepth {
			e.emit(bus.TopicTeamChainDepthWarn, map[string]any{"team_id": team.ID, "depth": depth})
		}
		if depth >= maxDepth {
			return Result{}, &DepthExceededError{TeamID: team.ID, Depth: depth}
		}

		stepCtx := shared.WithMessageDepth(ctx, depth)
		step, mentions, err := e.invokeStep(stepCtx, team, currentAgent, currentMessage, reset, attachmentSet)
		if err != nil {
			return Result{}, err
		}
		steps = append(steps, step)

		switch len(mentions) {
		case 0:
			final := aggregate(steps)
			e.recordDuration(team.ID, e.now().Sub(start))
			e.emit(bus.TopicTeamChainEnd, map[string]any{"team_id": team.ID, "steps": len(steps)})
			e.persistTranscript(ctx, team, chatCtx, message, steps)
			return Result{Steps: steps, Final: final, Attachments: sortedKeys(attachmentSet)}, nil

		case 1:
			m := mentions[0]
			e.emit(bus.TopicTeamChainHandoff, map[string]any{"team_id": team.ID, "from": currentAgent, "to": m.AgentID})
			currentAgent = m.AgentID
			currentMessage = fmt.Sprintf("[Message from teammate @%s]:\n%s", step.AgentID, m.Body)
			reset = agentWantsReset(e.cfg, m.AgentID)
			continue

		default:
			fanCtx := shared.WithDelegationHop(ctx, depth+1)
			fanSteps, err := e.fanOut(fanCtx, team, step.AgentID, mentions, attachmentSet)
			if err != nil {
				return Result{}, err
			}
			steps = append(steps, fanSteps...)
			final := aggregate(steps)
			e.recordDuration(team.ID, e.now().Sub(start))
			e.emit(bus.TopicTeamChainEnd, map[string]any{"team_id": team.ID, "steps": len(steps)})
			e.persistTranscript(ctx, team, chatCtx, message, steps)
			return Result{Steps: steps, Final: final, Attachments: sortedKeys(attachmentSet)}, nil
		}
	}
}

// invokeStep runs one agent invocation and extracts teammate mentions from
// its response.
func (e *Executor) invokeStep(ctx context.Context, team config.TeamSpec, agentID, message string, reset bool, attachments map[string]struct{}) (Step, []routing.Mention, error) {
	agent, ok := e.cfg.AgentByID(agentID)
	if !ok {
		return Step{}, nil, fmt.Errorf("team %s: unknown agent %s", team.ID, agentID)
	}

	e.emit(bus.TopicTeamChainStepStart, map[string]any{"team_id": team.ID, "agent_id": agentID, "trace_id": shared.TraceID(ctx), "depth": shared.MessageDepth(ctx)})

	ctx = shared.WithAgentID(ctx, agentID)
	workDir := e.cfg.ResolveWorkingDirectory(agent)
	prompt := memory.Compose(workDir, message)

	result, err := e.invoker.Invoke(ctx, worker.Request{
		Agent:    agent,
		Prompt:   prompt,
		Continue: !reset,
		WorkDir:  workDir,
	})
	if err != nil {
		return Step{}, nil, fmt.Errorf("team %s: agent %s: %w", team.ID, agentID, err)
	}

	collectAttachments(result.Text, workDir, attachments)

	e.emit(bus.TopicTeamChainStepDone, map[string]any{"team_id": team.ID, "agent_id": agentID})

	teammates := otherMembers(team, agentID)
	mentions := routing.ExtractMentions(result.Text, teammates)
	return Step{AgentID: agentID, Response: result.Text}, mentions, nil
}

// fanOut invokes every mentioned teammate concurrently, each with a fresh
// isolated conversation, and returns their steps in input order.
func (e *Executor) fanOut(ctx context.Context, team config.TeamSpec, fromAgentID string, mentions []routing.Mention, attachments map[string]struct{}) ([]Step, error) {
	results := make([]Step, len(mentions))
	errs := make([]error, len(mentions))
	var mu sync.Mutex
	var wg sync.WaitGroup

	e.emit(bus.TopicTeamChainStepStart, map[string]any{
		"team_id": team.ID, "from": fromAgentID, "fan_out": len(mentions), "delegation_hop": shared.DelegationHop(ctx),
	})

	for i, m := range mentions {
		wg.Add(1)
		go func(i int, m routing.Mention) {
			defer wg.Done()

			agent, ok := e.cfg.AgentByID(m.AgentID)
			if !ok {
				errs[i] = fmt.Errorf("team %s: unknown teammate %s", team.ID, m.AgentID)
				return
			}

			memberCtx := shared.WithAgentID(ctx, m.AgentID)
			workDir := e.cfg.ResolveWorkingDirectory(agent)
			isolated := fmt.Sprintf("[Message from teammate @%s]:\n%s", fromAgentID, m.Body)
			prompt := memory.Compose(workDir, isolated)

			result, err := e.invoker.Invoke(memberCtx, worker.Request{
				Agent:    agent,
				Prompt:   prompt,
				Continue: false,
				WorkDir:  workDir,
			})
			if err != nil {
				e.logger.Warn("chain: teammate invocation failed",
					"team_id", team.ID, "agent_id", shared.AgentID(memberCtx), "error", err)
				errs[i] = fmt.Errorf("team %s: agent %s: %w", team.ID, m.AgentID, err)
				return
			}

			mu.Lock()
			collectAttachments(result.Text, workDir, attachments)
			mu.Unlock()

			results[i] = Step{AgentID: m.AgentID, Response: result.Text}
		}(i, m)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// aggregate combines chain steps into the final response, per spec.md
// §4.3 step 3.
func aggregate(steps []Step) string {
	if len(steps) == 1 {
		return steps[0].Response
	}
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = fmt.Sprintf("@%s: %s", s.AgentID, s.Response)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// collectAttachments scans response for "[send_file: PATH]" markers and
// records any path that exists on disk (relative paths resolve against
// workDir).
func collectAttachments(response, workDir string, attachments map[string]struct{}) {
	for _, m := range sendFileMarker.FindAllStringSubmatch(response, -1) {
		path := strings.TrimSpace(m[1])
		if path == "" {
			continue
		}
		resolved := path
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(workDir, path)
		}
		if _, err := os.Stat(resolved); err == nil {
			attachments[resolved] = struct{}{}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// otherMembers returns team.Agents excluding agentID.
func otherMembers(team config.TeamSpec, agentID string) []string {
	out := make([]string, 0, len(team.Agents))
	for _, a := range team.Agents {
		if a != agentID {
			out = append(out, a)
		}
	}
	return out
}

// agentWantsReset reports whether agentID's per-agent reset flag file is
// present, consuming (deleting) it if so, per spec.md §4.3's reset
// semantics.
func agentWantsReset(cfg *config.Config, agentID string) bool {
	flagPath := cfg.PathUnder("flags", "reset-"+agentID)
	if _, err := os.Stat(flagPath); err != nil {
		return false
	}
	_ = os.Remove(flagPath)
	return true
}

// persistTranscript writes a team chat transcript under
// chats/<teamId>/<iso-timestamp>.md, per spec.md §4.3 step 4.
func (e *Executor) persistTranscript(ctx context.Context, team config.TeamSpec, chatCtx Context, userMessage string, steps []Step) {
	dir := e.cfg.PathUnder("chats", team.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("chain: failed creating transcript directory", "error", err, "team_id", team.ID, "trace_id", shared.TraceID(ctx))
		return
	}

	ts := e.now().UTC()
	path := filepath.Join(dir, ts.Format("2006-01-02T15-04-05.000Z")+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", team.Name)
	fmt.Fprintf(&b, "- timestamp: %s\n", ts.Format(time.RFC3339))
	fmt.Fprintf(&b, "- channel: %s\n", chatCtx.Channel)
	fmt.Fprintf(&b, "- sender: %s\n", chatCtx.Sender)
	fmt.Fprintf(&b, "- steps: %d\n\n", len(steps))
	fmt.Fprintf(&b, "## Message\n\n%s\n\n", userMessage)
	for _, s := range steps {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.AgentID, s.Response)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		e.logger.Warn("chain: failed writing transcript", "error", err, "team_id", team.ID, "trace_id", shared.TraceID(ctx))
		return
	}

	if e.history == nil {
		return
	}
	rec := history.ChainTranscriptSummary{
		TeamID:     team.ID,
		Channel:    chatCtx.Channel,
		Sender:     chatCtx.Sender,
		Steps:      len(steps),
		RecordedAt: ts,
		Path:       path,
	}
	if err := e.history.RecordChainTranscript(ctx, rec); err != nil {
		e.logger.Warn("chain: failed recording transcript history", "error", err, "team_id", team.ID, "trace_id", shared.TraceID(ctx))
	}
}

func (e *Executor) recordDuration(teamID string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.TeamChainDuration.Record(context.Background(), d.Seconds())
}

func (e *Executor) emit(eventType string, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit("chain", eventType, e.now().UnixMilli(), payload)
}

