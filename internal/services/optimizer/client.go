package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	pkghttp "EdgeRefresh/pkg/http"
	"EdgeRefresh/pkg/logger"
)

// ErrNotConfigured is returned when no optimizer endpoint is set.
var ErrNotConfigured = errors.New("optimizer endpoint not configured")

// Config holds the remote optimizer settings.
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// Client calls a remote optimization service over HTTP. The service receives
// the OptimizationRequest as JSON and answers with {"score", "solution"}.
type Client struct {
	url  string
	http *pkghttp.Client
	log  *logger.Logger
}

// New creates a remote optimizer.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		url:  cfg.URL,
		http: pkghttp.NewClient(pkghttp.WithTimeout(cfg.Timeout), pkghttp.WithRetry(cfg.MaxRetries, 200*time.Millisecond)),
		log:  log,
	}
}

var _ drepo.Optimizer = (*Client)(nil)

type response struct {
	Score    *float64        `json:"score"`
	Solution json.RawMessage `json:"solution,omitempty"`
}

// Optimize posts req to the service.
func (c *Client) Optimize(ctx context.Context, req models.OptimizationRequest) (models.OptimizationResult, error) {
	if c.url == "" {
		return models.OptimizationResult{}, ErrNotConfigured
	}

	var out response
	start := time.Now()
	err := c.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:  pkghttp.MethodPost,
		URL:     c.url,
		Headers: map[string]string{"Accept": "application/json"},
		Body:    req,
	}, &out)
	if err != nil {
		return models.OptimizationResult{}, fmt.Errorf("optimizer %s: %w", req.Mode, err)
	}
	if out.Score == nil {
		return models.OptimizationResult{}, fmt.Errorf("optimizer %s: response without score", req.Mode)
	}

	c.log.Debug("optimizer call",
		logger.String("run_id", req.RunID),
		logger.String("mode", string(req.Mode)),
		logger.Int("edges", len(req.EdgeIDs)),
		logger.Duration("took", time.Since(start)),
	)
	return models.OptimizationResult{Score: *out.Score, Solution: out.Solution}, nil
}
