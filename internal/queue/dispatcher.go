package queue

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clawswarm/orchestrator/internal/dedupe"
	"github.com/clawswarm/orchestrator/internal/events"
	"github.com/clawswarm/orchestrator/internal/otel"
	"github.com/clawswarm/orchestrator/internal/shared"
)

// frameworkFailureDedupeCapacity bounds the dispatcher's repeated-failure
// dedupe cache (spec.md §9 Open Question #3): enough to cover every file
// concurrently stuck retrying without growing unbounded on a
// long-running workspace.
const frameworkFailureDedupeCapacity = 256

// Handler executes a Message once its routing key has been resolved and
// produces the Response to deposit in the outgoing directory. Handler
// implementations (the Team Chain Executor, the Swarm Engine) are
// responsible for converting worker/subprocess failures into a
// user-visible Response themselves — a Handler should only return a Go
// error for a genuinely unrecoverable framework-level failure, since that
// causes the dispatcher to roll the file back to incoming for retry.
//
// A returned Response with an empty MessageID is treated as "already
// delivered" and is not written again: a long-running handler (the Swarm
// Engine) may deposit its own response directly mid-Handle and return the
// zero value once it finishes, rather than handing a duplicate back.
type Handler interface {
	Handle(ctx context.Context, key string, msg Message) (Response, error)
}

// KeyResolver performs the "peek" target-key resolution described in
// spec.md §4.1: it inspects a parsed Message and returns the FIFO key
// it should be serialized under.
type KeyResolver interface {
	ResolveKey(msg Message) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Dispatcher is the polling file-queue dispatcher (spec.md §4.1).
type Dispatcher struct {
	incomingDir   string
	processingDir string
	outgoingDir   string
	deadletterDir string

	pollInterval      time.Duration
	quarantineRetries int

	resolver KeyResolver
	handler  Handler
	logger   *slog.Logger
	sink     *events.Sink
	metrics  *otel.Metrics
	tracer   func(ctx context.Context, name string) (context.Context, func())
	now      Clock

	mu         sync.Mutex
	processing map[string]struct{} // filenames currently tracked (in some chain)
	chains     map[string]*chain
	retries    map[string]int // filename -> framework-failure retry count

	dedupMu sync.Mutex
	dedup   *dedupe.LRU // suppresses repeated identical framework-failure log lines
}

// Config configures a Dispatcher.
type Config struct {
	IncomingDir       string
	ProcessingDir     string
	OutgoingDir       string
	DeadletterDir     string
	PollInterval      time.Duration
	QuarantineRetries int
	Resolver          KeyResolver
	Handler           Handler
	Logger            *slog.Logger
	Sink              *events.Sink
	Metrics           *otel.Metrics
	Now               Clock
}

// New creates a Dispatcher from the given Config.
func New(cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.QuarantineRetries <= 0 {
		cfg.QuarantineRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		incomingDir:       cfg.IncomingDir,
		processingDir:     cfg.ProcessingDir,
		outgoingDir:       cfg.OutgoingDir,
		deadletterDir:     cfg.DeadletterDir,
		pollInterval:      cfg.PollInterval,
		quarantineRetries: cfg.QuarantineRetries,
		resolver:          cfg.Resolver,
		handler:           cfg.Handler,
		logger:            cfg.Logger.With("component", "queue"),
		sink:              cfg.Sink,
		metrics:           cfg.Metrics,
		now:               cfg.Now,
		processing:        make(map[string]struct{}),
		chains:            make(map[string]*chain),
		retries:           make(map[string]int),
		dedup:             dedupe.New(frameworkFailureDedupeCapacity),
	}
}

// Recover moves every file stranded under the processing directory back to
// incoming. It must run once before polling begins (spec.md §4.1 Recovery).
func (d *Dispatcher) Recover() error {
	entries, err := os.ReadDir(d.processingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(d.processingDir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(d.processingDir, e.Name())
		dst := filepath.Join(d.incomingDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			d.logger.Error("recovery: failed to restore file", "file", e.Name(), "error", err)
			continue
		}
		d.logger.Info("recovery: restored stranded file", "file", e.Name())
	}
	return nil
}

// Run starts the recovery pass then blocks, polling at the configured
// interval, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.incomingDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(d.outgoingDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(d.deadletterDir, 0o755); err != nil {
		return err
	}
	if err := d.Recover(); err != nil {
		return err
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick lists incoming files sorted by modification time and enqueues any
// not already tracked. It never awaits task completion.
func (d *Dispatcher) tick(ctx context.Context) {
	entries, err := os.ReadDir(d.incomingDir)
	if err != nil {
		d.logger.Error("tick: failed to list incoming", "error", err)
		return
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		d.mu.Lock()
		_, tracked := d.processing[f.name]
		if !tracked {
			d.processing[f.name] = struct{}{}
		}
		d.mu.Unlock()
		if tracked {
			continue
		}
		d.enqueue(ctx, f.name)
	}
}

// enqueue peeks the file to resolve its target key, then appends a task
// to that key's chain. The dispatcher itself never blocks here.
func (d *Dispatcher) enqueue(ctx context.Context, filename string) {
	path := filepath.Join(d.incomingDir, filename)
	msg, err := ReadMessage(path)
	if err != nil {
		d.handleFrameworkFailure(filename, path, err)
		return
	}

	key, err := d.resolver.ResolveKey(msg)
	if err != nil {
		d.handleFrameworkFailure(filename, path, err)
		return
	}

	d.emitEvent("message_received", map[string]any{
		"file":      filename,
		"messageId": msg.MessageID,
		"channel":   msg.Channel,
	})
	d.emitEvent("agent_routed", map[string]any{
		"messageId": msg.MessageID,
		"key":       key,
	})

	c := d.chainFor(key)
	c.push(task{filename: filename, path: path, msg: msg, key: key})
}

// chainFor returns the chain for key, creating and starting it if absent.
func (d *Dispatcher) chainFor(key string) *chain {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chains[key]
	if ok {
		return c
	}
	c = newChain(key, d)
	d.chains[key] = c
	if d.metrics != nil {
		d.metrics.ActiveChains.Add(context.Background(), 1)
	}
	go c.run()
	return c
}

// tryReleaseChain removes the chain for key from the dispatcher's map iff
// it is still empty at the moment both locks are held, closing the race
// between a chain deciding to exit on quiescence and a concurrent push.
// Returns true if the chain was released.
func (d *Dispatcher) tryReleaseChain(c *chain) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) != 0 {
		return false
	}
	delete(d.chains, c.key)
	if d.metrics != nil {
		d.metrics.ActiveChains.Add(context.Background(), -1)
	}
	return true
}

// untrack removes filename from the processing set once its task settles.
func (d *Dispatcher) untrack(filename string) {
	d.mu.Lock()
	delete(d.processing, filename)
	delete(d.retries, filename)
	d.mu.Unlock()
}

// process runs one task to completion: move to processing, handle, write
// the response, delete the processing file. Any error from the Handler
// itself is treated as Framework-level and rolls the file back to
// incoming (or quarantines it past the retry ceiling).
func (d *Dispatcher) process(ctx context.Context, t task) {
	defer d.untrack(t.filename)

	dst := filepath.Join(d.processingDir, t.filename)
	if err := os.Rename(t.path, dst); err != nil {
		d.logger.Error("process: failed to move to processing", "file", t.filename, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.QueueDepth.Add(ctx, 1)
		defer d.metrics.QueueDepth.Add(ctx, -1)
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, t.msg.MessageID)

	d.emitEvent("processor_start", map[string]any{"messageId": t.msg.MessageID, "key": t.key, "traceId": shared.TraceID(ctx)})

	resp, err := d.handler.Handle(ctx, t.key, t.msg)
	if err != nil {
		d.logger.Error("process: handler failed", "file", t.filename, "key", t.key, "trace_id", shared.TraceID(ctx), "error", err)
		d.handleFrameworkFailure(t.filename, dst, err)
		return
	}

	if resp.MessageID != "" {
		if werr := WriteResponse(d.outgoingDir, resp, d.now().UnixMilli()); werr != nil {
			d.logger.Error("process: failed to write response", "file", t.filename, "error", werr)
		}
	}
	if rerr := os.Remove(dst); rerr != nil && !os.IsNotExist(rerr) {
		d.logger.Error("process: failed to remove processing file", "file", t.filename, "error", rerr)
	}
}

// handleFrameworkFailure moves a file (from wherever it currently sits)
// back to incoming for retry on the next tick, or to the deadletter
// directory once it has failed quarantineRetries times (spec.md §9 Open
// Question #4).
func (d *Dispatcher) handleFrameworkFailure(filename, currentPath string, cause error) {
	d.mu.Lock()
	d.retries[filename]++
	count := d.retries[filename]
	d.mu.Unlock()

	d.dedupMu.Lock()
	alreadySeen := d.dedup.Seen(filename + "\x00" + cause.Error())
	d.dedupMu.Unlock()
	if !alreadySeen {
		d.logger.Warn("framework failure", "file", filename, "attempt", count, "error", cause)
	}

	if count >= d.quarantineRetries {
		dst := filepath.Join(d.deadletterDir, filename)
		if err := os.Rename(currentPath, dst); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to quarantine file", "file", filename, "error", err)
		}
		d.emitEvent("message_quarantined", map[string]any{"file": filename, "attempts": count, "error": cause.Error()})
		d.untrack(filename)
		return
	}

	dst := filepath.Join(d.incomingDir, filename)
	if currentPath != dst {
		if err := os.Rename(currentPath, dst); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to roll back file to incoming", "file", filename, "error", err)
		}
	}
	d.untrack(filename)
}

func (d *Dispatcher) emitEvent(eventType string, payload map[string]any) {
	if d.sink == nil {
		return
	}
	d.sink.Emit("queue", eventType, d.now().UnixMilli(), payload)
}

type task struct {
	filename string
	path     string
	msg      Message
	key      string
}

// chain is a per-key FIFO: exactly one task runs at a time for a key,
// messages complete in enqueue order, and the chain is released once
// drained (spec.md §3 "Per-agent FIFO chain", §9 Design Notes).
type chain struct {
	key string
	d   *Dispatcher

	mu    sync.Mutex
	tasks []task
	wake  chan struct{}
}

func newChain(key string, d *Dispatcher) *chain {
	return &chain{key: key, d: d, wake: make(chan struct{}, 1)}
}

func (c *chain) push(t task) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run drains tasks strictly in FIFO order and releases the chain once
// idle, per the "supervisor reaps idle keys" pattern in spec.md §9.
func (c *chain) run() {
	const quiescence = 2 * time.Second
	timer := time.NewTimer(quiescence)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(c.tasks) == 0 {
			c.mu.Unlock()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quiescence)
			select {
			case <-c.wake:
				continue
			case <-timer.C:
				if c.d.tryReleaseChain(c) {
					return
				}
				continue
			}
		}
		t := c.tasks[0]
		c.tasks = c.tasks[1:]
		c.mu.Unlock()

		c.d.process(context.Background(), t)
	}
}
