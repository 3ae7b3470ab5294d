// Package history is a small sqlite-backed observability side-store: it
// indexes completed swarm jobs and team chain transcripts for query by
// channel, sender, or time. It is not the message queue (which stays
// file-based) and not the source of truth for any core invariant — a
// failure here is logged and swallowed, never propagated to the
// dispatcher, exactly as the teacher's persistence store is the
// authority for tasks but this store is authority for nothing.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS swarm_jobs (
	job_id      TEXT PRIMARY KEY,
	swarm_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	batch_count INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	channel     TEXT NOT NULL,
	sender      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swarm_jobs_swarm_id ON swarm_jobs(swarm_id);

CREATE TABLE IF NOT EXISTS chain_transcripts (
	team_id     TEXT NOT NULL,
	channel     TEXT NOT NULL,
	sender      TEXT NOT NULL,
	steps       INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL,
	path        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_transcripts_team_id ON chain_transcripts(team_id);
`

// Store is the observability side-store handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_meta(version) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM schema_meta)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("record history schema version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SwarmJobSummary is one indexed swarm job record.
type SwarmJobSummary struct {
	JobID      string
	SwarmID    string
	Status     string
	BatchCount int
	Failed     int
	Started    time.Time
	Finished   time.Time
	Channel    string
	Sender     string
}

// RecordSwarmJob indexes a completed (or failed) swarm job.
func (s *Store) RecordSwarmJob(ctx context.Context, rec SwarmJobSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO swarm_jobs(job_id, swarm_id, status, batch_count, failed, started_at, finished_at, channel, sender)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.SwarmID, rec.Status, rec.BatchCount, rec.Failed,
		rec.Started.UnixMilli(), rec.Finished.UnixMilli(), rec.Channel, rec.Sender)
	if err != nil {
		return fmt.Errorf("record swarm job: %w", err)
	}
	return nil
}

// ChainTranscriptSummary is one indexed team chain transcript record.
type ChainTranscriptSummary struct {
	TeamID     string
	Channel    string
	Sender     string
	Steps      int
	RecordedAt time.Time
	Path       string
}

// RecordChainTranscript indexes a completed team chain transcript.
func (s *Store) RecordChainTranscript(ctx context.Context, rec ChainTranscriptSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_transcripts(team_id, channel, sender, steps, recorded_at, path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TeamID, rec.Channel, rec.Sender, rec.Steps, rec.RecordedAt.UnixMilli(), rec.Path)
	if err != nil {
		return fmt.Errorf("record chain transcript: %w", err)
	}
	return nil
}

// RecentChainTranscripts returns the most recent indexed chain
// transcripts for a given team id, newest first, bounded by limit.
func (s *Store) RecentChainTranscripts(ctx context.Context, teamID string, limit int) ([]ChainTranscriptSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, channel, sender, steps, recorded_at, path
		FROM chain_transcripts WHERE team_id = ? ORDER BY recorded_at DESC LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent chain transcripts: %w", err)
	}
	defer rows.Close()

	var out []ChainTranscriptSummary
	for rows.Next() {
		var rec ChainTranscriptSummary
		var recordedMs int64
		if err := rows.Scan(&rec.TeamID, &rec.Channel, &rec.Sender, &rec.Steps, &recordedMs, &rec.Path); err != nil {
			return nil, fmt.Errorf("scan chain transcript row: %w", err)
		}
		rec.RecordedAt = time.UnixMilli(recordedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentSwarmJobs returns the most recent swarm job summaries for a
// given swarm id, newest first, bounded by limit.
func (s *Store) RecentSwarmJobs(ctx context.Context, swarmID string, limit int) ([]SwarmJobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, swarm_id, status, batch_count, failed, started_at, finished_at, channel, sender
		FROM swarm_jobs WHERE swarm_id = ? ORDER BY started_at DESC LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent swarm jobs: %w", err)
	}
	defer rows.Close()

	var out []SwarmJobSummary
	for rows.Next() {
		var rec SwarmJobSummary
		var startedMs, finishedMs int64
		if err := rows.Scan(&rec.JobID, &rec.SwarmID, &rec.Status, &rec.BatchCount, &rec.Failed, &startedMs, &finishedMs, &rec.Channel, &rec.Sender); err != nil {
			return nil, fmt.Errorf("scan swarm job row: %w", err)
		}
		rec.Started = time.UnixMilli(startedMs)
		rec.Finished = time.UnixMilli(finishedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}
