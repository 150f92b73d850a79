package schemas

import "encoding/json"

// SweepResponse represents one dispatched sweep
type SweepResponse struct {
	ID          string          `json:"id" doc:"Sweep ID"`
	Image       string          `json:"image" doc:"Runtime image reference with deterministic tag"`
	Spec        json.RawMessage `json:"spec" doc:"Full sweep definition as submitted"`
	CreatedAt   string          `json:"created_at" doc:"Creation timestamp"`
	CancelledAt *string         `json:"cancelled_at,omitempty" doc:"Cancellation timestamp"`
}

// JobResponse represents one expanded job of a sweep
type JobResponse struct {
	ID       string          `json:"id" doc:"Deterministic job ID"`
	SweepID  string          `json:"sweep_id" doc:"Parent sweep ID"`
	KubeName string          `json:"kube_name" doc:"Scheduler object name"`
	Params   json.RawMessage `json:"params" doc:"Ordered job parameters"`
	Seed     int64           `json:"seed,omitempty" doc:"RNG seed"`
	Attempt  int             `json:"attempt" doc:"Latest submitted attempt"`
	Status   string          `json:"status" doc:"Job status"`
}

// ResultResponse represents the collected record of one job attempt
type ResultResponse struct {
	JobID      string `json:"job_id" doc:"Job ID"`
	Attempt    int    `json:"attempt" doc:"Attempt number"`
	Status     string `json:"status" doc:"Terminal status"`
	ExitCode   int    `json:"exit_code" doc:"Computation exit code"`
	Checksum   string `json:"checksum,omitempty" doc:"sha256 of the stats artifact"`
	StatsKey   string `json:"stats_key,omitempty" doc:"Artifact store key of the stats file"`
	Message    string `json:"message,omitempty" doc:"Failure detail"`
	StartedAt  string `json:"started_at,omitempty" doc:"Execution start"`
	FinishedAt string `json:"finished_at,omitempty" doc:"Execution finish"`
}

// ArtifactResponse represents a stored artifact of a job
type ArtifactResponse struct {
	Key         string `json:"key" doc:"Storage key"`
	Size        int64  `json:"size" doc:"Size in bytes"`
	ContentType string `json:"content_type" doc:"MIME type"`
	Checksum    string `json:"checksum,omitempty" doc:"sha256 if recorded"`
}
