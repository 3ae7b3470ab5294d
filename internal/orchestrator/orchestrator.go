// Package orchestrator wires the Routing Resolver, Team Chain Executor,
// Swarm Engine, and Worker Invoker into the queue.Dispatcher's KeyResolver
// and Handler interfaces. It is the top-level object cmd/clawswarm
// constructs and runs.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawswarm/orchestrator/internal/chain"
	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/events"
	"github.com/clawswarm/orchestrator/internal/memory"
	"github.com/clawswarm/orchestrator/internal/otel"
	"github.com/clawswarm/orchestrator/internal/queue"
	"github.com/clawswarm/orchestrator/internal/routing"
	"github.com/clawswarm/orchestrator/internal/shared"
	"github.com/clawswarm/orchestrator/internal/swarm"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// Engine resolves each incoming message's routing key and, on the
// dispatcher's call, runs it to completion: a single agent turn, a team
// chain, or a swarm job.
type Engine struct {
	cfg     *config.Config
	invoker worker.Invoker
	chain   *chain.Executor
	swarm   *swarm.Engine
	sink    *events.Sink
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	Config  *config.Config
	Invoker worker.Invoker
	Chain   *chain.Executor
	Swarm   *swarm.Engine
	Sink    *events.Sink
	Metrics *otel.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// New builds an Engine from its collaborators.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		cfg:     d.Config,
		invoker: d.Invoker,
		chain:   d.Chain,
		swarm:   d.Swarm,
		sink:    d.Sink,
		metrics: d.Metrics,
		logger:  d.Logger.With("component", "orchestrator"),
		now:     d.Now,
	}
}

// ResolveKey implements queue.KeyResolver: it peeks a message's @mention
// prefix (or "@swarm <id>" form) and returns the FIFO serialization key
// the dispatcher should use, per spec.md §4.1/§4.2.
func (e *Engine) ResolveKey(msg queue.Message) (string, error) {
	if swarmID, _, ok := routing.ResolveSwarm(msg.Message); ok {
		if _, known := e.cfg.SwarmByID(swarmID); !known {
			return "", fmt.Errorf("unknown swarm %q", swarmID)
		}
		return "swarm:" + swarmID, nil
	}

	decision := routing.Resolve(e.cfg, msg.Agent, msg.Message)
	if decision.AgentID == routing.Ambiguous {
		return "ambiguous:" + msg.MessageID, nil
	}
	if decision.IsTeam {
		return "team:" + decision.TeamID, nil
	}
	return "agent:" + decision.AgentID, nil
}

// Handle implements queue.Handler: it re-derives the routing decision from
// key and message, then dispatches to the single-agent, team-chain, or
// swarm path.
func (e *Engine) Handle(ctx context.Context, key string, msg queue.Message) (queue.Response, error) {
	ctx = shared.WithSessionID(ctx, msg.Channel+":"+msg.Sender)

	if swarmID, rest, ok := routing.ResolveSwarm(msg.Message); ok {
		return e.handleSwarm(ctx, swarmID, rest, msg)
	}

	decision := routing.Resolve(e.cfg, msg.Agent, msg.Message)
	if decision.AgentID == routing.Ambiguous {
		return e.response(msg, "More than one agent or team was mentioned; please address exactly one.", nil), nil
	}
	if decision.IsTeam {
		return e.handleTeam(ctx, decision, msg)
	}
	return e.handleAgent(ctx, decision, msg)
}

func (e *Engine) handleAgent(ctx context.Context, decision routing.Decision, msg queue.Message) (queue.Response, error) {
	agent, ok := e.cfg.AgentByID(decision.AgentID)
	if !ok {
		return queue.Response{}, fmt.Errorf("unknown agent %s", decision.AgentID)
	}

	ctx = shared.WithAgentID(ctx, agent.ID)
	workDir := e.cfg.ResolveWorkingDirectory(agent)
	prompt := memory.Compose(workDir, decision.Message)

	result, err := e.invoker.Invoke(ctx, worker.Request{
		Agent:    agent,
		Prompt:   prompt,
		Continue: true,
		WorkDir:  workDir,
	})
	if err != nil {
		e.logger.Error("agent invocation failed",
			"agent_id", agent.ID, "task_id", shared.TaskID(ctx), "trace_id", shared.TraceID(ctx), "error", err)
		return e.response(msg, fmt.Sprintf("Agent %s failed to respond: %v", agent.ID, err), nil), nil
	}
	return e.response(msg, result.Text, nil), nil
}

func (e *Engine) handleTeam(ctx context.Context, decision routing.Decision, msg queue.Message) (queue.Response, error) {
	team, ok := e.cfg.TeamByID(decision.TeamID)
	if !ok {
		return queue.Response{}, fmt.Errorf("unknown team %s", decision.TeamID)
	}

	result, err := e.chain.Run(ctx, team, team.LeaderAgent, decision.Message, true, chain.Context{
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		MessageID: msg.MessageID,
	})
	if err != nil {
		e.logger.Error("team chain failed",
			"team_id", team.ID, "session_id", shared.SessionID(ctx), "trace_id", shared.TraceID(ctx), "error", err)
		return e.response(msg, fmt.Sprintf("Team %s failed: %v", team.ID, err), nil), nil
	}
	return e.response(msg, result.Final, result.Attachments), nil
}

// handleSwarm deposits an immediate acknowledgement directly, then runs the
// swarm job to completion on this call's own goroutine (the chain's
// goroutine, per queue.Dispatcher's per-key FIFO), so the "swarm:<id>" key
// stays occupied — and a second message for the same swarm id stays queued
// behind it — for the job's entire duration, not just until the ack is
// produced (Testable Invariant #3, spec.md §4.4's pipeline can run far
// longer than one dispatcher tick, but the per-key mutual exclusion must
// still hold for that whole duration). The Swarm Engine deposits the real
// final response itself once the pipeline completes; Handle returns the
// zero Response so the dispatcher does not write a third, duplicate file.
func (e *Engine) handleSwarm(ctx context.Context, swarmID, rest string, msg queue.Message) (queue.Response, error) {
	spec, ok := e.cfg.SwarmByID(swarmID)
	if !ok {
		return queue.Response{}, fmt.Errorf("unknown swarm %s", swarmID)
	}

	rc := swarm.RequestContext{Channel: msg.Channel, Sender: msg.Sender, MessageID: msg.MessageID}
	jobID := msg.MessageID

	ack := e.response(msg, fmt.Sprintf("Swarm %s started (job %s). Results will follow.", swarmID, jobID), nil)
	if werr := queue.WriteResponse(e.cfg.QueueDir("outgoing"), ack, e.now().UnixMilli()); werr != nil {
		e.logger.Error("failed to write swarm ack", "swarm_id", swarmID, "job_id", jobID, "error", werr)
	}

	if _, err := e.swarm.Run(ctx, jobID, spec, rest, msg.Files, rc); err != nil {
		e.logger.Error("swarm job failed", "swarm_id", swarmID, "job_id", jobID, "trace_id", shared.TraceID(ctx), "error", err)
	}

	return queue.Response{}, nil
}

func (e *Engine) response(msg queue.Message, text string, files []string) queue.Response {
	return queue.Response{
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		Message:         text,
		OriginalMessage: msg.Message,
		Timestamp:       e.now().UnixMilli(),
		MessageID:       msg.MessageID,
		Agent:           msg.Agent,
		Files:           files,
	}
}
