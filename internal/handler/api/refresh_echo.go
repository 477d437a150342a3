package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/internal/usecase"
	xhttp "EdgeRefresh/pkg/http"
	xlogger "EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/queue"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
}

// QueueStatter reports the refresh queue backlog.
type QueueStatter interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// CorrelationSaver persists correlation updates.
type CorrelationSaver interface {
	SaveCorrelations(ctx context.Context, pairs []models.Correlation) error
}

// RefreshEchoHandler exposes the refresh core over HTTP.
type RefreshEchoHandler struct {
	logger  *xlogger.Logger
	manager *usecase.RefreshManager
	opt     domrepo.Optimizer
	proc    usecase.ChangeProcessor

	store    domrepo.RefreshStore
	saver    CorrelationSaver
	enqueuer Enqueuer
}

// HandlerOption wires optional backends into the handler.
type HandlerOption func(*RefreshEchoHandler)

func WithRefreshStore(s domrepo.RefreshStore) HandlerOption {
	return func(h *RefreshEchoHandler) { h.store = s }
}

func WithCorrelationSaver(s CorrelationSaver) HandlerOption {
	return func(h *RefreshEchoHandler) { h.saver = s }
}

func WithEnqueuer(q Enqueuer) HandlerOption {
	return func(h *RefreshEchoHandler) { h.enqueuer = q }
}

func NewRefreshEchoHandler(logger *xlogger.Logger, manager *usecase.RefreshManager, opt domrepo.Optimizer, proc usecase.ChangeProcessor, opts ...HandlerOption) *RefreshEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	h := &RefreshEchoHandler{logger: logger, manager: manager, opt: opt, proc: proc}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *RefreshEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api/v1")
	g.POST("/runs", h.CreateRun)
	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:id", h.GetRun)
	g.DELETE("/runs/:id", h.DiscardRun)
	g.POST("/runs/:id/changes", h.RecordChanges)
	g.POST("/runs/:id/refresh", h.Refresh)
	g.GET("/runs/:id/eligibility", h.Eligibility)
	g.GET("/runs/:id/history", h.History)

	g.POST("/changes", h.IngestChanges)
	g.PUT("/correlations", h.UpdateCorrelations)
	g.GET("/clusters", h.Clusters)
	g.GET("/clusters/impacted", h.ImpactedClusters)
	g.GET("/cache/stats", h.CacheStats)
	g.GET("/stats", h.Stats)
	g.GET("/benchmark", h.Benchmark)
	g.GET("/queue/stats", h.QueueStats)
}

func (h *RefreshEchoHandler) CreateRun(c echo.Context) error {
	req := &CreateRunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	meta, err := h.manager.CreateOptimizationRun(req.RunID, req.EdgeIDs)
	if err != nil {
		return h.fail(c, "create run", err)
	}
	return xhttp.CreatedResponse(c, meta)
}

func (h *RefreshEchoHandler) ListRuns(c echo.Context) error {
	runs := h.manager.Runs()
	return xhttp.ListResponse(c, runs, int64(len(runs)))
}

func (h *RefreshEchoHandler) GetRun(c echo.Context) error {
	meta, err := h.manager.GetRun(c.Param("id"))
	if err != nil {
		return h.fail(c, "get run", err)
	}
	return xhttp.SuccessResponse(c, meta)
}

func (h *RefreshEchoHandler) DiscardRun(c echo.Context) error {
	if err := h.manager.DiscardRun(c.Param("id")); err != nil {
		return h.fail(c, "discard run", err)
	}
	return xhttp.NoContentResponse(c)
}

func (h *RefreshEchoHandler) RecordChanges(c echo.Context) error {
	req := &RecordChangesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.manager.RecordEdgeChanges(req.RunID, req.EdgeIDs); err != nil {
		return h.fail(c, "record changes", err)
	}
	meta, err := h.manager.GetRun(req.RunID)
	if err != nil {
		return h.fail(c, "record changes", err)
	}
	return xhttp.SuccessResponse(c, meta)
}

func (h *RefreshEchoHandler) Refresh(c echo.Context) error {
	req := &RefreshRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()

	if req.Async {
		if h.enqueuer == nil {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("async refresh is not enabled"))
		}
		if _, err := h.manager.GetRun(req.RunID); err != nil {
			return h.fail(c, "enqueue refresh", err)
		}
		job := usecase.RefreshRequest{RunID: req.RunID, Mode: req.Mode}
		if err := h.enqueuer.Enqueue(ctx, usecase.RefreshJobType, job); err != nil {
			return h.fail(c, "enqueue refresh", err)
		}
		return xhttp.DataResponse(c, http.StatusAccepted, job)
	}

	switch req.Mode {
	case "full":
		res, err := h.manager.ExecuteFullRebuild(ctx, req.RunID, h.opt)
		if err != nil {
			return h.fail(c, "full rebuild", err)
		}
		return xhttp.SuccessResponse(c, res)
	case "partial":
		ok, res, err := h.manager.ExecutePartialRefresh(ctx, req.RunID, h.opt)
		if err != nil {
			return h.fail(c, "partial refresh", err)
		}
		return xhttp.SuccessResponse(c, PartialRefreshResponse{Applied: ok, Result: res})
	default:
		res, err := h.manager.ExecuteRefreshWithFallback(ctx, req.RunID, h.opt)
		if err != nil {
			return h.fail(c, "refresh", err)
		}
		return xhttp.SuccessResponse(c, res)
	}
}

func (h *RefreshEchoHandler) Eligibility(c echo.Context) error {
	runID := c.Param("id")
	ok, reason, err := h.manager.ShouldUsePartialRefresh(runID)
	if err != nil {
		return h.fail(c, "eligibility", err)
	}
	return xhttp.SuccessResponse(c, EligibilityResponse{RunID: runID, Eligible: ok, Reason: reason})
}

func (h *RefreshEchoHandler) History(c echo.Context) error {
	req := &HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.store == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("refresh history is not enabled"))
	}
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, ok := xhttp.ParseTime(raw)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("since must be RFC3339 or unix seconds"))
		}
		since = t
	}
	rows, err := h.store.RecentRefreshes(c.Request().Context(), req.RunID, req.Limit)
	if err != nil {
		return h.fail(c, "history", err)
	}
	if !since.IsZero() {
		kept := rows[:0]
		for _, r := range rows {
			if !r.Timestamp.Before(since) {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *RefreshEchoHandler) IngestChanges(c echo.Context) error {
	req := &IngestChangesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var out IngestResponse
	for _, ev := range req.Events {
		if err := h.proc.Process(c.Request().Context(), ev); err != nil {
			out.Rejected++
			continue
		}
		out.Accepted++
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *RefreshEchoHandler) UpdateCorrelations(c echo.Context) error {
	req := &CorrelationsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.saver != nil {
		if err := h.saver.SaveCorrelations(c.Request().Context(), req.Pairs); err != nil {
			return h.fail(c, "save correlations", err)
		}
	}
	return xhttp.SuccessResponse(c, h.manager.UpdateCorrelationMatrix(req.Pairs))
}

func (h *RefreshEchoHandler) Clusters(c echo.Context) error {
	clusters := h.manager.Aggregator().Clusters()
	if minSize := xhttp.ParseIntDefault(c.QueryParam("min_size"), 0); minSize > 1 {
		kept := clusters[:0]
		for _, cl := range clusters {
			if len(cl.Members) >= minSize {
				kept = append(kept, cl)
			}
		}
		clusters = kept
	}
	return xhttp.ListResponse(c, clusters, int64(len(clusters)))
}

func (h *RefreshEchoHandler) ImpactedClusters(c echo.Context) error {
	impacted := h.manager.Aggregator().GetImpactedClusters()
	return xhttp.SuccessResponse(c, impacted)
}

func (h *RefreshEchoHandler) CacheStats(c echo.Context) error {
	if h.manager.Scheduler() == nil {
		return xhttp.SuccessResponse(c, models.CacheStats{})
	}
	return xhttp.SuccessResponse(c, h.manager.Scheduler().GetCachePerformanceStats())
}

func (h *RefreshEchoHandler) Stats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.manager.Stats())
}

func (h *RefreshEchoHandler) Benchmark(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.manager.GetPerformanceBenchmark())
}

func (h *RefreshEchoHandler) QueueStats(c echo.Context) error {
	qs, ok := h.enqueuer.(QueueStatter)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("refresh queue is not enabled"))
	}
	st, err := qs.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, "queue stats", err)
	}
	return xhttp.SuccessResponse(c, st)
}

func (h *RefreshEchoHandler) Health(c echo.Context) error {
	if h.store != nil {
		if err := h.store.Health(c.Request().Context()); err != nil {
			h.logger.Warn("health check failed", xlogger.Error(err))
			return xhttp.DataResponse(c, http.StatusServiceUnavailable, "refresh store unavailable")
		}
	}
	return xhttp.SuccessResponse(c, "ok")
}

func (h *RefreshEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

func toAppError(err error) *xhttp.AppError {
	var pf *usecase.ProviderFailure
	switch {
	case errors.Is(err, usecase.ErrDuplicateRun):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.Is(err, usecase.ErrUnknownRun):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.As(err, &pf):
		return xhttp.BadGatewayError(pf.Error()).WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}
