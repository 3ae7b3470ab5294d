package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/worker"
)

// maxBatchAttempts is the initial attempt plus up to 2 additional retries,
// per spec.md §4.4's Map phase.
const maxBatchAttempts = 3

// mapBatches runs at most swarmSpec.Concurrency workers concurrently over
// batches, rendering the prompt template per batch and invoking the
// worker agent in a fresh conversation, per spec.md §4.4's Map phase.
func (e *Engine) mapBatches(ctx context.Context, start time.Time, swarmSpec config.SwarmSpec, agent config.AgentSpec, userMessage string, batches []Batch, rc RequestContext) []Batch {
	total := len(batches)
	results := make([]Batch, total)
	copy(results, batches)

	concurrency := swarmSpec.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	completed := 0
	failed := 0

	workDir := e.cfg.ResolveWorkingDirectory(agent)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			b := results[i]
			prompt := renderBatchTemplate(swarmSpec.PromptTemplate, b, total, swarmSpec.BatchSize, userMessage)
			text, err := e.invokeWithRetries(ctx, agent, workDir, prompt)

			mu.Lock()
			if err != nil {
				results[i].Status = batchFailed
				results[i].Err = err.Error()
				failed++
			} else {
				results[i].Status = batchCompleted
				results[i].Result = text
			}
			completed++
			completedSoFar, failedSoFar := completed, failed
			reportNow := swarmSpec.ProgressInterval > 0 && completedSoFar%swarmSpec.ProgressInterval == 0
			mu.Unlock()

			if reportNow {
				e.reportProgress(rc, completedSoFar, total, failedSoFar, e.now().Sub(start))
			}
		}(i)
	}
	wg.Wait()

	return results
}

// invokeWithRetries invokes the worker agent in a fresh conversation, per
// batch, retrying up to maxBatchAttempts-1 additional times on failure.
func (e *Engine) invokeWithRetries(ctx context.Context, agent config.AgentSpec, workDir, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		result, err := e.invoker.Invoke(ctx, worker.Request{
			Agent:    agent,
			Prompt:   prompt,
			Continue: false,
			WorkDir:  workDir,
		})
		if err == nil {
			return result.Text, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// reportProgress writes a progress update to the outgoing queue, per
// spec.md §4.4's "Progress reporting".
func (e *Engine) reportProgress(rc RequestContext, completed, total, failed int, elapsed time.Duration) {
	remaining := total - completed
	var eta time.Duration
	if completed > 0 {
		eta = elapsed / time.Duration(completed) * time.Duration(remaining)
	}
	e.deposit(rc, renderProgressMessage(completed, total, failed, eta))
}

func renderProgressMessage(completed, total, failed int, eta time.Duration) string {
	return fmt.Sprintf("Progress: %d/%d completed (%d failed), ETA %s", completed, total, failed, formatDuration(eta))
}
