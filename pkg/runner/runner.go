// Package runner executes backtest jobs and publishes their results. The
// same execution core backs the in-image entrypoint (one JobSpec per
// container) and the local development path (processes under a run
// directory).
package runner

import (
	"time"
)

// Status is the lifecycle state of a job execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the computation itself rejected the job (bad
	// parameters, infeasible configuration). Failed jobs are terminal and
	// never resubmitted: the same inputs would fail again.
	StatusFailed Status = "failed"
	// StatusErrored means the infrastructure faulted before the computation
	// could decide (image crash, OOM, node loss). Errored jobs are eligible
	// for automatic resubmission.
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Computation exit codes follow sysexits: 0 succeeded, 64-78 the computation
// rejected its inputs, anything else an infrastructure-level fault.
const (
	sysexitsFirst = 64
	sysexitsLast  = 78
)

// Classify maps a computation exit code to a terminal status.
func Classify(exitCode int) Status {
	switch {
	case exitCode == 0:
		return StatusSucceeded
	case exitCode >= sysexitsFirst && exitCode <= sysexitsLast:
		return StatusFailed
	default:
		return StatusErrored
	}
}

// Runner process exit codes. The runner exits 0 whenever it managed to
// publish a result record, regardless of what the computation decided; the
// scheduler restarting a runner that already published would only produce a
// duplicate of the same result.
const (
	ExitOK           = 0
	ExitPublishError = 3
	ExitSetupError   = 4
)

// Well-known artifact filenames under a job's output key. The result record
// is uploaded last and acts as the commit marker: a collector that sees
// ResultFile can trust every artifact it references.
const (
	ResultFile = "result.json"
	StatsFile  = "stats.json"
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
	ConfigFile = "config.json"
)

// Result is the authoritative record of one job execution. Its Checksum is
// the sha256 of the stats artifact and is what the collector compares across
// attempts to detect nondeterminism.
type Result struct {
	JobID    string `json:"job_id"`
	SweepID  string `json:"sweep_id"`
	Attempt  int    `json:"attempt"`
	Status   Status `json:"status"`
	ExitCode int    `json:"exit_code"`
	Image    string `json:"image"`
	// ImageDigest names the exact manifest that ran, when the dispatch path
	// pinned one; the tag alone is not proof of content.
	ImageDigest string `json:"image_digest,omitempty"`
	// Node is where the job executed: the scheduler's node name in-cluster,
	// the hostname for local runs.
	Node       string    `json:"node,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	StatsKey   string    `json:"stats_key,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
