package swarm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clawswarm/orchestrator/internal/config"
)

// maxInlineResponseChars caps the inline response length before it is
// persisted to a file and truncated, per spec.md §4.4's Output phase.
const maxInlineResponseChars = 4000

// output prefixes finalText with a stats header and, if the combined
// length exceeds maxInlineResponseChars, persists the full text to a
// files directory and replaces it with a truncation notice.
func (e *Engine) output(swarmSpec config.SwarmSpec, job Job, finalText string) string {
	header := statsHeader(job, swarmSpec.Concurrency)
	full := header + "\n\n" + finalText

	if len(full) <= maxInlineResponseChars {
		return full
	}

	path, err := e.persistFullResponse(swarmSpec, job, full)
	if err != nil {
		e.logger.Warn("swarm: failed persisting full response", "error", err, "job_id", job.ID)
		return full
	}
	return header + fmt.Sprintf("\n\n(Full response exceeds %d characters; saved to %s)", maxInlineResponseChars, path)
}

func statsHeader(job Job, concurrency int) string {
	if concurrency <= 0 {
		concurrency = 5
	}
	elapsed := job.Finished.Sub(job.Started)
	completed, failed, items := 0, 0, 0
	for _, b := range job.Batches {
		items += len(b.Items)
		switch b.Status {
		case batchCompleted:
			completed++
		case batchFailed:
			failed++
		}
	}
	return fmt.Sprintf("[Swarm %s: %s | %d items | %d/%d batches (%d failed) | %d workers]",
		job.SwarmID, formatDuration(elapsed), items, completed, completed+failed, failed, concurrency)
}

// formatDuration renders d as "Hh Mm", "Mm Ss", or "Ss" depending on
// magnitude, per spec.md §4.4's Output phase.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func (e *Engine) persistFullResponse(swarmSpec config.SwarmSpec, job Job, full string) (string, error) {
	dir := e.cfg.PathUnder("files", "swarms", swarmSpec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, job.ID+".md")
	if err := os.WriteFile(path, []byte(full), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
