// Package scheduler fires swarm schedules on their configured cron
// expression by enqueuing a synthetic "@swarm <id>" message into the
// incoming queue, per SPEC_FULL.md's robfig/cron/v3 domain-stack wiring
// for SwarmSpec.Schedule. Adapted from the teacher's internal/cron
// scheduler, repointed from persistence-store task creation to file-queue
// message enqueue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// scheduledSwarm tracks one swarm's next due run time.
type scheduledSwarm struct {
	spec    config.SwarmSpec
	nextRun time.Time
}

// Scheduler periodically enqueues due swarm schedules.
type Scheduler struct {
	cfg      *config.Config
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	schedule []scheduledSwarm

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the scheduler's dependencies.
type Config struct {
	Workspace *config.Config
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// New builds a Scheduler from every configured SwarmSpec carrying a
// non-empty Schedule. Swarms without a schedule are ignored.
func New(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:      cfg.Workspace,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}

	now := s.now()
	for _, sw := range cfg.Workspace.Swarms {
		if sw.Schedule == "" {
			continue
		}
		next, err := NextRunTime(sw.Schedule, now)
		if err != nil {
			return nil, fmt.Errorf("swarm %s: invalid schedule %q: %w", sw.ID, sw.Schedule, err)
		}
		s.schedule = append(s.schedule, scheduledSwarm{spec: sw, nextRun: next})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "swarms", len(s.schedule))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every schedule whose nextRun has passed.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()
	due := make([]int, 0)
	for i, sched := range s.schedule {
		if !sched.nextRun.After(now) {
			due = append(due, i)
		}
	}
	s.mu.Unlock()

	for _, i := range due {
		s.fire(i, now)
	}
}

// fire enqueues a synthetic "@swarm <id>" message for the schedule at
// index i and advances its nextRun.
func (s *Scheduler) fire(i int, now time.Time) {
	s.mu.Lock()
	sched := s.schedule[i]
	s.mu.Unlock()

	if err := s.enqueue(sched.spec, now); err != nil {
		s.logger.Error("scheduler: failed to enqueue scheduled swarm", "swarm_id", sched.spec.ID, "error", err)
		return
	}

	next, err := NextRunTime(sched.spec.Schedule, now)
	if err != nil {
		s.logger.Error("scheduler: failed to compute next run", "swarm_id", sched.spec.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.schedule[i].nextRun = next
	s.mu.Unlock()

	s.logger.Info("scheduler: swarm fired", "swarm_id", sched.spec.ID, "next_run_at", next)
}

// enqueue writes a synthetic "@swarm <id>" message into the incoming
// queue, as if a channel adapter had deposited it.
func (s *Scheduler) enqueue(sw config.SwarmSpec, now time.Time) error {
	msg := queue.Message{
		Channel:   "scheduler",
		Sender:    "scheduler",
		Message:   fmt.Sprintf("@swarm %s run scheduled batch", sw.ID),
		Timestamp: now.UnixMilli(),
		MessageID: s.newID(),
	}

	dir := s.cfg.QueueDir("incoming")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create incoming dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal scheduled message: %w", err)
	}

	path := filepath.Join(dir, msg.MessageID+".json")
	return os.WriteFile(path, data, 0o644)
}

// NextRunTime parses cronExpr and returns the next run time after after.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
