package routes

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quantfold/btq/pkg/btapi/schemas"
	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/db"
	"github.com/quantfold/btq/pkg/db/models"
)

// ListSweepsInput defines the input for listing sweeps
type ListSweepsInput struct {
	Limit int `query:"limit" doc:"Maximum number of sweeps to return" required:"false"`
}

// ListSweepsOutput is the response for listing sweeps
type ListSweepsOutput struct {
	Body struct {
		Sweeps []schemas.SweepResponse `json:"sweeps" doc:"List of sweeps, newest first"`
	}
}

// GetSweepInput defines the input for getting a sweep
type GetSweepInput struct {
	SweepID string `path:"sweepId" doc:"Sweep ID"`
}

// GetSweepOutput is the response for getting a sweep
type GetSweepOutput struct {
	Body schemas.SweepResponse
}

// ListJobsInput defines the input for listing a sweep's jobs
type ListJobsInput struct {
	SweepID string `path:"sweepId" doc:"Sweep ID"`
}

// ListJobsOutput is the response for listing a sweep's jobs
type ListJobsOutput struct {
	Body struct {
		Jobs []schemas.JobResponse `json:"jobs" doc:"Jobs in expansion order"`
	}
}

// ListResultsInput defines the input for listing a sweep's results
type ListResultsInput struct {
	SweepID string `path:"sweepId" doc:"Sweep ID"`
}

// ListResultsOutput is the response for listing a sweep's results
type ListResultsOutput struct {
	Body struct {
		Results []schemas.ResultResponse `json:"results" doc:"Collected results"`
	}
}

// ListArtifactsInput defines the input for listing a sweep's artifacts
type ListArtifactsInput struct {
	SweepID string `path:"sweepId" doc:"Sweep ID"`
}

// ListArtifactsOutput is the response for listing a sweep's artifacts
type ListArtifactsOutput struct {
	Body struct {
		Artifacts []schemas.ArtifactResponse `json:"artifacts" doc:"Stored artifacts under the sweep prefix"`
	}
}

// GetArtifactURLInput defines the input for getting an artifact download URL
type GetArtifactURLInput struct {
	SweepID  string `path:"sweepId" doc:"Sweep ID"`
	JobID    string `query:"job" doc:"Job ID"`
	Filename string `query:"filename" doc:"Artifact filename"`
}

// GetArtifactURLOutput is the response for getting an artifact download URL
type GetArtifactURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Presigned download URL"`
	}
}

// RegisterSweeps registers sweep-related routes
func RegisterSweeps(api huma.API, ledger *db.Ledger, store btart.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sweeps",
		Method:      http.MethodGet,
		Path:        "/api/sweeps",
		Summary:     "List sweeps",
		Tags:        []string{"Sweeps"},
	}, func(ctx context.Context, input *ListSweepsInput) (*ListSweepsOutput, error) {
		if ledger == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		rows, err := ledger.ListSweeps(ctx, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing sweeps", err)
		}
		resp := &ListSweepsOutput{}
		resp.Body.Sweeps = make([]schemas.SweepResponse, 0, len(rows))
		for _, row := range rows {
			resp.Body.Sweeps = append(resp.Body.Sweeps, sweepToResponse(row))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sweep",
		Method:      http.MethodGet,
		Path:        "/api/sweeps/{sweepId}",
		Summary:     "Get a sweep",
		Tags:        []string{"Sweeps"},
	}, func(ctx context.Context, input *GetSweepInput) (*GetSweepOutput, error) {
		if ledger == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		row, err := ledger.GetSweep(ctx, input.SweepID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, huma.Error404NotFound("sweep not found")
			}
			return nil, huma.Error500InternalServerError("loading sweep", err)
		}
		return &GetSweepOutput{Body: sweepToResponse(*row)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sweep-jobs",
		Method:      http.MethodGet,
		Path:        "/api/sweeps/{sweepId}/jobs",
		Summary:     "List a sweep's jobs",
		Tags:        []string{"Sweeps"},
	}, func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		if ledger == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		rows, err := ledger.ListJobs(ctx, input.SweepID)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing jobs", err)
		}
		resp := &ListJobsOutput{}
		resp.Body.Jobs = make([]schemas.JobResponse, 0, len(rows))
		for _, row := range rows {
			resp.Body.Jobs = append(resp.Body.Jobs, schemas.JobResponse{
				ID:       row.ID,
				SweepID:  row.SweepID,
				KubeName: row.KubeName,
				Params:   row.Params,
				Seed:     row.Seed,
				Attempt:  row.Attempt,
				Status:   row.Status,
			})
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sweep-results",
		Method:      http.MethodGet,
		Path:        "/api/sweeps/{sweepId}/results",
		Summary:     "List a sweep's collected results",
		Tags:        []string{"Sweeps"},
	}, func(ctx context.Context, input *ListResultsInput) (*ListResultsOutput, error) {
		if ledger == nil {
			return nil, huma.Error503ServiceUnavailable("ledger not configured")
		}
		rows, err := ledger.ListResults(ctx, input.SweepID)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing results", err)
		}
		resp := &ListResultsOutput{}
		resp.Body.Results = make([]schemas.ResultResponse, 0, len(rows))
		for _, row := range rows {
			resp.Body.Results = append(resp.Body.Results, resultToResponse(row))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sweep-artifacts",
		Method:      http.MethodGet,
		Path:        "/api/sweeps/{sweepId}/artifacts",
		Summary:     "List a sweep's artifacts",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *ListArtifactsInput) (*ListArtifactsOutput, error) {
		if store == nil {
			return nil, huma.Error503ServiceUnavailable("artifact store not configured")
		}
		artifacts, err := store.List(ctx, btart.SweepPrefix(input.SweepID))
		if err != nil {
			return nil, huma.Error500InternalServerError("listing artifacts", err)
		}
		resp := &ListArtifactsOutput{}
		resp.Body.Artifacts = make([]schemas.ArtifactResponse, 0, len(artifacts))
		for _, a := range artifacts {
			resp.Body.Artifacts = append(resp.Body.Artifacts, schemas.ArtifactResponse{
				Key:         a.Key,
				Size:        a.Size,
				ContentType: a.ContentType,
				Checksum:    a.Checksum(),
			})
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-url",
		Method:      http.MethodGet,
		Path:        "/api/sweeps/{sweepId}/artifact-url",
		Summary:     "Get a presigned artifact download URL",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *GetArtifactURLInput) (*GetArtifactURLOutput, error) {
		if store == nil {
			return nil, huma.Error503ServiceUnavailable("artifact store not configured")
		}
		if input.JobID == "" || input.Filename == "" {
			return nil, huma.Error400BadRequest("job and filename are required")
		}
		key := btart.JobKey(input.SweepID, input.JobID, input.Filename)
		if _, err := store.Stat(ctx, key); err != nil {
			if errors.Is(err, btart.ErrNotFound) {
				return nil, huma.Error404NotFound("artifact not found")
			}
			return nil, huma.Error500InternalServerError("checking artifact", err)
		}
		url, err := store.GetPresignedURL(ctx, key, 15*time.Minute)
		if err != nil {
			return nil, huma.Error500InternalServerError("presigning artifact", err)
		}
		resp := &GetArtifactURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})
}

func sweepToResponse(row models.Sweep) schemas.SweepResponse {
	resp := schemas.SweepResponse{
		ID:        row.ID,
		Image:     row.Image,
		Spec:      row.Spec,
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
	}
	if row.CancelledAt != nil {
		s := row.CancelledAt.Format(time.RFC3339)
		resp.CancelledAt = &s
	}
	return resp
}

func resultToResponse(row models.JobResult) schemas.ResultResponse {
	resp := schemas.ResultResponse{
		JobID:    row.JobID,
		Attempt:  row.Attempt,
		Status:   row.Status,
		ExitCode: row.ExitCode,
		Checksum: row.Checksum,
		StatsKey: row.StatsKey,
		Message:  row.Message,
	}
	if !row.StartedAt.IsZero() {
		resp.StartedAt = row.StartedAt.Format(time.RFC3339)
	}
	if !row.FinishedAt.IsZero() {
		resp.FinishedAt = row.FinishedAt.Format(time.RFC3339)
	}
	return resp
}
