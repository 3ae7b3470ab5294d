// Package swarm implements the Swarm Engine: Input Resolution → Batch
// Split → Worker Pool (Map) → optional Shuffle-by-Key → Partition Reduce
// → Final Merge → Output (spec.md §4.4).
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawswarm/orchestrator/internal/bus"
	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/events"
	"github.com/clawswarm/orchestrator/internal/history"
	"github.com/clawswarm/orchestrator/internal/otel"
	"github.com/clawswarm/orchestrator/internal/queue"
	"github.com/clawswarm/orchestrator/internal/shared"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// hierarchicalReduceFanin bounds both the hierarchical no-shuffle reduce
// strategy and the shuffle final-merge step (spec.md §4.4).
const hierarchicalReduceFanin = 20

// maxInputItems is the hard ceiling on resolved input items.
const maxInputItems = 10000

// NoInputError reports that input resolution produced zero items.
type NoInputError struct{ SwarmID string }

func (e *NoInputError) Error() string { return fmt.Sprintf("swarm %s: no input resolved", e.SwarmID) }

// TooManyItemsError reports that input resolution exceeded maxInputItems.
type TooManyItemsError struct {
	SwarmID string
	Count   int
}

func (e *TooManyItemsError) Error() string {
	return fmt.Sprintf("swarm %s: resolved %d items, exceeds limit of %d", e.SwarmID, e.Count, maxInputItems)
}

// AllBatchesFailedError reports that every batch in the Map phase failed.
type AllBatchesFailedError struct{ SwarmID string }

func (e *AllBatchesFailedError) Error() string {
	return fmt.Sprintf("swarm %s: all batches failed", e.SwarmID)
}

// Batch is one contiguous slice of input items.
type Batch struct {
	Index  int
	Items  []string
	Status string // "pending" | "completed" | "failed"
	Result string
	Err    string
}

const (
	batchPending   = "pending"
	batchCompleted = "completed"
	batchFailed    = "failed"
)

// Job is the in-memory record of one swarm invocation, per spec.md §3's
// SwarmJob data model.
type Job struct {
	ID       string
	SwarmID  string
	Status   string
	Batches  []Batch
	Started  time.Time
	Finished time.Time
	Result   string
	Err      error
}

// RequestContext carries the originating message's routing metadata, used
// for progress messages and final output.
type RequestContext struct {
	Channel   string
	Sender    string
	MessageID string
}

// Engine runs swarm jobs.
type Engine struct {
	cfg      *config.Config
	invoker  worker.Invoker
	executor CommandExecutor
	sink     *events.Sink
	metrics  *otel.Metrics
	logger   *slog.Logger
	now      func() time.Time
	history  *history.Store
}

// Option configures an Engine.
type Option func(*Engine)

func WithSink(s *events.Sink) Option        { return func(e *Engine) { e.sink = s } }
func WithMetrics(m *otel.Metrics) Option    { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithExecutor(x CommandExecutor) Option { return func(e *Engine) { e.executor = x } }
func WithHistory(h *history.Store) Option   { return func(e *Engine) { e.history = h } }

// New constructs an Engine.
func New(cfg *config.Config, invoker worker.Invoker, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		invoker:  invoker,
		executor: HostCommandExecutor{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one swarm invocation end to end and deposits the final
// response (and any progress messages) into the outgoing queue. ctx
// carries the dispatcher's trace id through to every downstream
// invocation and log line for cross-phase correlation.
func (e *Engine) Run(ctx context.Context, jobID string, swarmSpec config.SwarmSpec, userMessage string, attachedFiles []string, rc RequestContext) (Job, error) {
	ctx = shared.WithRunID(ctx, shared.NewRunID())
	job := Job{ID: jobID, SwarmID: swarmSpec.ID, Status: "initializing", Started: e.now()}
	e.emit(bus.TopicSwarmJobStart, map[string]any{"job_id": jobID, "swarm_id": swarmSpec.ID, "run_id": shared.RunID(ctx)})

	items, err := e.resolveInput(ctx, swarmSpec, userMessage, attachedFiles)
	if err != nil {
		return e.fail(job, err)
	}
	if len(items) == 0 {
		return e.fail(job, &NoInputError{SwarmID: swarmSpec.ID})
	}
	if len(items) > maxInputItems {
		return e.fail(job, &TooManyItemsError{SwarmID: swarmSpec.ID, Count: len(items)})
	}

	job.Status = "splitting"
	batches := splitBatches(items, swarmSpec.BatchSize)
	job.Batches = batches
	e.emit(bus.TopicSwarmSplitDone, map[string]any{"job_id": jobID, "swarm_id": swarmSpec.ID, "batches": len(batches)})

	job.Status = "processing"
	agent, ok := e.cfg.AgentByID(swarmSpec.Agent)
	if !ok {
		return e.fail(job, fmt.Errorf("swarm %s: unknown agent %s", swarmSpec.ID, swarmSpec.Agent))
	}

	batches = e.mapBatches(ctx, job.Started, swarmSpec, agent, userMessage, batches, rc)
	job.Batches = batches

	succeeded := successfulResults(batches)
	if len(succeeded) == 0 {
		return e.fail(job, &AllBatchesFailedError{SwarmID: swarmSpec.ID})
	}

	var finalText string
	if swarmSpec.Shuffle != nil {
		finalText, err = e.shuffle(ctx, swarmSpec, agent, userMessage, succeeded)
	} else {
		finalText, err = e.reduce(ctx, swarmSpec, agent, userMessage, succeeded)
	}
	if err != nil {
		return e.fail(job, err)
	}

	job.Status = "completed"
	job.Finished = e.now()
	job.Result = e.output(swarmSpec, job, finalText)
	e.emit(bus.TopicSwarmJobDone, map[string]any{"job_id": jobID, "swarm_id": swarmSpec.ID})
	e.recordHistory(job, rc)

	e.deposit(rc, job.Result)
	return job, nil
}

func (e *Engine) fail(job Job, err error) (Job, error) {
	job.Status = "failed"
	job.Err = err
	job.Finished = e.now()
	e.emit(bus.TopicSwarmJobFailed, map[string]any{"job_id": job.ID, "swarm_id": job.SwarmID, "error": err.Error()})
	e.recordHistory(job, RequestContext{})
	return job, err
}

// recordHistory indexes a finished swarm job into the optional
// observability side-store, swallowing any failure (history is authority
// for nothing, per internal/history's package doc).
func (e *Engine) recordHistory(job Job, rc RequestContext) {
	if e.history == nil {
		return
	}
	completed, failed := 0, 0
	for _, b := range job.Batches {
		switch b.Status {
		case batchCompleted:
			completed++
		case batchFailed:
			failed++
		}
	}
	rec := history.SwarmJobSummary{
		JobID:      job.ID,
		SwarmID:    job.SwarmID,
		Status:     job.Status,
		BatchCount: completed + failed,
		Failed:     failed,
		Started:    job.Started,
		Finished:   job.Finished,
		Channel:    rc.Channel,
		Sender:     rc.Sender,
	}
	if err := e.history.RecordSwarmJob(context.Background(), rec); err != nil {
		e.logger.Warn("swarm: failed recording job history", "error", err, "job_id", job.ID)
	}
}

func successfulResults(batches []Batch) []Batch {
	var out []Batch
	for _, b := range batches {
		if b.Status == batchCompleted {
			out = append(out, b)
		}
	}
	return out
}

func (e *Engine) emit(eventType string, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit("swarm", eventType, e.now().UnixMilli(), payload)
}

// deposit writes the final response into the outgoing queue, logging and
// swallowing any write failure per spec.md §7's non-core propagation policy.
func (e *Engine) deposit(rc RequestContext, text string) {
	resp := queue.Response{
		Channel:         rc.Channel,
		Sender:          rc.Sender,
		Message:         text,
		OriginalMessage: "",
		Timestamp:       e.now().UnixMilli(),
		MessageID:       rc.MessageID,
	}
	if err := queue.WriteResponse(e.cfg.QueueDir("outgoing"), resp, e.now().UnixMilli()); err != nil {
		e.logger.Warn("swarm: failed writing output", "error", err, "message_id", rc.MessageID)
	}
}
