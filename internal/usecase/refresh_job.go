package usecase

import (
	"context"
	"errors"
	"fmt"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/internal/service/ratelimit"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/queue"
)

// RefreshJobType is the queue message type handled by RefreshJob.
const RefreshJobType = "refresh.execute"

// RefreshRequest is the queued refresh payload. Mode is "auto" (partial with
// fallback), "full" or "partial"; empty means auto.
type RefreshRequest struct {
	RunID string `json:"run_id"`
	Mode  string `json:"mode,omitempty"`
}

// QueueKey coalesces waiting requests for the same run and mode.
func (r RefreshRequest) QueueKey() string {
	mode := r.Mode
	if mode == "" {
		mode = "auto"
	}
	return r.RunID + ":" + mode
}

// RefreshJob runs queued refreshes against the manager.
type RefreshJob struct {
	manager *RefreshManager
	opt     domrepo.Optimizer
	limiter *ratelimit.Limiter
	log     *logger.Logger
	metrics domrepo.Metrics
}

// NewRefreshJob creates the job. A nil limiter disables per-run throttling.
func NewRefreshJob(manager *RefreshManager, opt domrepo.Optimizer, limiter *ratelimit.Limiter, metrics domrepo.Metrics, log *logger.Logger) *RefreshJob {
	if log == nil {
		log = logger.Nop()
	}
	return &RefreshJob{manager: manager, opt: opt, limiter: limiter, metrics: metrics, log: log}
}

func (j *RefreshJob) Name() string { return "refresh" }

func (j *RefreshJob) Type() string { return RefreshJobType }

// Handle executes one refresh. Requests for runs that no longer exist are
// dropped. Throttled requests return *queue.RetryLater so the queue runs
// them once the run has a token again; provider failures are returned so
// the queue retries them with backoff.
func (j *RefreshJob) Handle(ctx context.Context, payload interface{}) error {
	req, err := queue.ParsePayload[RefreshRequest](payload)
	if err != nil {
		return fmt.Errorf("refresh payload: %w", err)
	}
	if req.RunID == "" {
		j.log.Warn("refresh job without run id dropped")
		return nil
	}
	if j.limiter != nil && !j.limiter.Allow(req.RunID) {
		j.metrics.RecordError("refresh_throttled")
		wait := j.limiter.RetryAfter(req.RunID)
		j.log.Debug("refresh throttled",
			logger.String("run_id", req.RunID),
			logger.Duration("retry_after", wait),
		)
		return &queue.RetryLater{After: wait, Reason: "refresh throttled for run " + req.RunID}
	}

	var res models.RefreshResult
	switch req.Mode {
	case "full":
		res, err = j.manager.ExecuteFullRebuild(ctx, req.RunID, j.opt)
	case "partial":
		var ok bool
		ok, res, err = j.manager.ExecutePartialRefresh(ctx, req.RunID, j.opt)
		if err == nil && !ok {
			j.log.Info("partial refresh rejected",
				logger.String("run_id", req.RunID),
				logger.String("reason", res.FallbackReason),
			)
			return nil
		}
	default:
		res, err = j.manager.ExecuteRefreshWithFallback(ctx, req.RunID, j.opt)
	}

	if errors.Is(err, ErrUnknownRun) {
		j.log.Info("refresh for unknown run dropped", logger.String("run_id", req.RunID))
		return nil
	}
	if err != nil {
		return err
	}
	j.log.Info("queued refresh done",
		logger.String("run_id", res.RunID),
		logger.String("type", string(res.RefreshType)),
		logger.Float64("score", res.Score),
		logger.Bool("fallback", res.UsedFallback),
	)
	return nil
}

var (
	_ queue.Job   = (*RefreshJob)(nil)
	_ queue.Keyed = RefreshRequest{}
)
