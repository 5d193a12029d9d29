package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/store"
)

// consumeRetryDelay is the pause before a worker reopens its channel after a
// broker failure.
const consumeRetryDelay = 2 * time.Second

// Pool supervises N competing consumer workers. Workers share nothing:
// each owns its AMQP channel, its handler, and its retry bookkeeping.
// Worker 0 alone consumes the control queue, serializing the control plane.
type Pool struct {
	cfg    *config.Config
	broker *messaging.Broker
	store  *store.Store
	log    *logger.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg *config.Config, broker *messaging.Broker, st *store.Store, log *logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		broker: broker,
		store:  st,
		log:    log.WithComponent("consumer-pool"),
	}
}

// Run starts the workers and blocks until the context is cancelled or a
// worker fails fatally. Cancellation drains in-flight messages: each worker
// finishes its current delivery before disconnecting.
func (p *Pool) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = p.cfg.Consumer.Workers
	}
	p.log.Infow("starting consumer pool", "workers", workers, "prefetch", p.cfg.Broker.Prefetch)
	metrics.ComponentHealth.WithLabelValues("consumer-pool").Set(1)
	defer metrics.ComponentHealth.WithLabelValues("consumer-pool").Set(0)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := i
		group.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.log.Info("consumer pool stopped")
	return err
}

// runWorker consumes until the context ends, reopening the channel with a
// delay whenever the broker connection drops.
func (p *Pool) runWorker(ctx context.Context, workerID int) error {
	log := &logger.Logger{SugaredLogger: p.log.With("worker", workerID)}

	queues := append([]string{}, messaging.EventQueues...)
	if workerID == 0 {
		// Single consumer on the control queue keeps rollback and
		// reconciliation handling strictly serialized.
		queues = append(queues, messaging.QueueControl)
	}

	handler := NewHandler(p.cfg, p.store, p.log)
	consumer := messaging.NewConsumer(p.broker, p.cfg.Broker.Prefetch, log)

	for {
		err := consumer.Run(ctx, queues, handler.Handle)
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}

		log.Warnw("consumer channel closed, reconnecting", "error", err)
		select {
		case <-time.After(consumeRetryDelay):
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil
		}
	}
}

// QueueDepths reports the message and consumer counts of every primary queue
// and of the dead-letter queue.
func (p *Pool) QueueDepths(ctx context.Context) (map[string]messaging.QueueStatus, error) {
	status, err := p.broker.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queues: %w", err)
	}
	return status, nil
}
