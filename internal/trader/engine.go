package trader

import (
	"context"
	"errors"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/queue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const receiveRetryDelay = time.Second

// Consumer is the receiving side of the dispatch queue.
type Consumer interface {
	Receive(ctx context.Context, topic string) (queue.Delivery, error)
}

// Engine is the execution worker pool: a fixed number of workers pulling trade
// events off the dispatch queue and handing them to the Processor.
type Engine struct {
	logger      *zap.Logger
	consumer    Consumer
	processor   *Processor
	topic       string
	concurrency int
}

// NewEngine creates a new worker pool.
func NewEngine(cfg *config.Config, consumer Consumer, processor *Processor, logger *zap.Logger) *Engine {
	return &Engine{
		logger:      logger.Named("engine"),
		consumer:    consumer,
		processor:   processor,
		topic:       cfg.Queue.Topic,
		concurrency: cfg.Worker.Concurrency,
	}
}

// Concurrency returns the number of workers.
func (e *Engine) Concurrency() int { return e.concurrency }

// Run starts the workers and blocks until ctx is done. A worker that holds a
// delivery when ctx ends finishes it before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting execution workers",
		zap.Int("concurrency", e.concurrency),
		zap.String("topic", e.topic),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.concurrency; i++ {
		id := i
		g.Go(func() error { return e.work(gctx, id) })
	}
	err := g.Wait()
	e.logger.Info("Execution workers stopped")
	return err
}

func (e *Engine) work(ctx context.Context, id int) error {
	l := e.logger.With(zap.Int("worker", id))
	for {
		d, err := e.consumer.Receive(ctx, e.topic)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			l.Error("Failed to receive from queue", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		if err := e.processor.Handle(context.WithoutCancel(ctx), d); err != nil {
			l.Error("Trade event processing failed",
				zap.String("source_trade_id", d.Message().SourceTradeID),
				zap.Error(err),
			)
		}
	}
}
