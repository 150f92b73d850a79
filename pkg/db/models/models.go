// Package models defines the run-ledger tables. The ledger is an audit
// surface, not a source of truth: the artifact store's result records stay
// authoritative, and every write here is an idempotent upsert so replayed
// dispatches and re-collections converge on the same rows.
package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Sweep is one dispatched parameter sweep.
type Sweep struct {
	bun.BaseModel `bun:"table:btq.sweeps,alias:s"`

	ID    string `bun:",pk"`
	Image string `bun:",notnull"`
	// Spec is the sweep's full JSON definition as submitted.
	Spec []byte `bun:"type:jsonb,notnull"`

	CreatedAt   time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	CancelledAt *time.Time `bun:",nullzero"`
}

// Job is one expanded job of a sweep, keyed by its deterministic identifier.
type Job struct {
	bun.BaseModel `bun:"table:btq.jobs,alias:j"`

	ID       string `bun:",pk"`
	SweepID  string `bun:",notnull"`
	KubeName string `bun:",notnull"`
	Params   []byte `bun:"type:jsonb,notnull"`
	Seed     int64  `bun:",nullzero"`
	Attempt  int    `bun:",notnull,default:0"`
	Status   string `bun:",notnull,default:'pending'"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// JobResult is the collected record of one job attempt.
type JobResult struct {
	bun.BaseModel `bun:"table:btq.job_results,alias:jr"`

	JobID   string `bun:",pk"`
	Attempt int    `bun:",pk"`
	SweepID string `bun:",notnull"`

	Status   string `bun:",notnull"`
	ExitCode int    `bun:",notnull"`
	Checksum string `bun:",nullzero"`
	StatsKey string `bun:",nullzero"`
	Message  string `bun:",nullzero"`

	StartedAt   time.Time `bun:",nullzero"`
	FinishedAt  time.Time `bun:",nullzero"`
	CollectedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
