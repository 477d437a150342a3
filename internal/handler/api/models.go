package api

import "EdgeRefresh/internal/domain/models"

// CreateRunRequest registers an optimization run.
type CreateRunRequest struct {
	RunID   string          `json:"run_id" validate:"omitempty,ident"`
	EdgeIDs []models.EdgeID `json:"edge_ids" validate:"required,min=1,dive,ident"`
}

// RecordChangesRequest marks tracked edges of a run as changed.
type RecordChangesRequest struct {
	RunID   string          `param:"id" validate:"required"`
	EdgeIDs []models.EdgeID `json:"edge_ids" validate:"required,min=1,dive,ident"`
}

// RefreshRequest triggers a refresh of one run.
type RefreshRequest struct {
	RunID string `param:"id" validate:"required"`
	Mode  string `json:"mode" default:"auto" validate:"oneof=auto full partial"`
	Async bool   `json:"async"`
}

type HistoryRequest struct {
	RunID string `param:"id" validate:"required"`
	Limit int    `query:"limit" default:"50" validate:"gte=1,lte=1000"`
}

// IngestChangesRequest feeds change events through the pipeline.
type IngestChangesRequest struct {
	Events []models.EdgeChangeEvent `json:"events" validate:"required,min=1"`
}

// CorrelationsRequest updates the correlation matrix.
type CorrelationsRequest struct {
	Pairs []models.Correlation `json:"pairs" validate:"required,min=1"`
}

type EligibilityResponse struct {
	RunID    string `json:"run_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

type IngestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

type PartialRefreshResponse struct {
	Applied bool        `json:"applied"`
	Result  interface{} `json:"result"`
}
