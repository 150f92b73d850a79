package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quantfold/btq/pkg/btart"
	"github.com/quantfold/btq/pkg/db"
)

// HealthOutput is the response for the health check
type HealthOutput struct {
	Body struct {
		Status string `json:"status" doc:"Service status"`
	}
}

// RegisterAPI registers all controller routes
func RegisterAPI(api huma.API, ledger *db.Ledger, store btart.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Status = "ok"
		return resp, nil
	})

	RegisterSweeps(api, ledger, store)
}
