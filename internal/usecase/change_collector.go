package usecase

import (
	"context"
	"sync"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/logger"
)

// ChangeProcessor accepts a single change event. The change pipeline
// implements it.
type ChangeProcessor interface {
	Process(ctx context.Context, ev models.EdgeChangeEvent) error
}

// ChangeCollector reads change events from a feed and hands them to the
// processor, reconnecting when the feed drops.
type ChangeCollector struct {
	stream  drepo.ChangeStream
	proc    ChangeProcessor
	metrics drepo.Metrics
	log     *logger.Logger

	wg sync.WaitGroup
}

// NewChangeCollector creates a new ChangeCollector instance.
func NewChangeCollector(stream drepo.ChangeStream, proc ChangeProcessor, metrics drepo.Metrics, log *logger.Logger) *ChangeCollector {
	if log == nil {
		log = logger.Nop()
	}
	return &ChangeCollector{stream: stream, proc: proc, metrics: metrics, log: log}
}

// IsConnected returns true if the feed is connected.
func (c *ChangeCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects, subscribes and begins consuming until ctx is done.
func (c *ChangeCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		_ = c.stream.Close()
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx)
	}()
	return nil
}

func (c *ChangeCollector) consume(ctx context.Context) {
	chCh, errCh := c.stream.Read(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err == nil {
				continue
			}
			c.metrics.RecordError("stream")
			c.log.Warn("change stream failed, reconnecting", logger.Error(err))
			if rerr := c.stream.Reconnect(ctx); rerr != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error("reconnect failed", logger.Error(rerr))
			}
			chCh, errCh = c.stream.Read(ctx)
		case ev, ok := <-chCh:
			if !ok {
				chCh = nil
				continue
			}
			if ev == nil {
				continue
			}
			if err := c.proc.Process(ctx, *ev); err != nil {
				c.log.Debug("change not accepted", logger.String("edge_id", string(ev.EdgeID)), logger.Error(err))
			}
		}
	}
}

// Shutdown closes the stream and waits for the consume loop to exit.
// The caller cancels the Start context first.
func (c *ChangeCollector) Shutdown(ctx context.Context) error {
	err := c.stream.Close()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
