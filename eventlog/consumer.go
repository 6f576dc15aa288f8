package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"
)

// Handler processes one record. Returning nil acks the record; an error
// wrapping core.ErrMalformedEvent dead-letters it immediately; any other
// error nacks it for redelivery.
type Handler func(ctx context.Context, rec Record) error

// PoolConfig configures one consumer pool: one pool per {stream, group} pair
type PoolConfig struct {
	Stream  string
	Group   string
	Workers int
	// FetchBatch bounds records pulled per partition per poll
	FetchBatch int
	// PollInterval is the idle sleep when a partition has nothing fetchable
	PollInterval time.Duration
	// MaxProcessingTime is the per-message budget; exceeding it nacks
	MaxProcessingTime time.Duration
}

// ConsumerPool runs workers against one {stream, consumer group} pair. Each
// worker owns the disjoint partition set p where p mod workers == worker
// index, so no two workers ever share a partition and partition FIFO order
// is preserved end to end.
type ConsumerPool struct {
	log     Log
	cfg     PoolConfig
	handler Handler
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewConsumerPool creates a pool; workers start on Start
func NewConsumerPool(log Log, cfg PoolConfig, handler Handler, logger *zap.SugaredLogger) *ConsumerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 5 * time.Second
	}
	return &ConsumerPool{
		log:     log,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Start launches the workers under the given parent context
func (p *ConsumerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	partitions := p.log.Partitions(p.cfg.Stream)
	workers := p.cfg.Workers
	if workers > partitions {
		workers = partitions
	}

	p.logger.Infow("Starting consumer pool",
		"stream", p.cfg.Stream, "group", p.cfg.Group,
		"workers", workers, "partitions", partitions)

	for w := 0; w < workers; w++ {
		owned := make([]int, 0, partitions/workers+1)
		for part := w; part < partitions; part += workers {
			owned = append(owned, part)
		}
		p.wg.Add(1)
		go p.worker(runCtx, w, owned)
	}

	return nil
}

// Stop cancels the workers and waits for them to drain
func (p *ConsumerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Consumer pool stopped", "stream", p.cfg.Stream, "group", p.cfg.Group)
	case <-time.After(30 * time.Second):
		p.logger.Errorw("Consumer pool shutdown timed out",
			"stream", p.cfg.Stream, "group", p.cfg.Group)
	}
}

// worker polls its owned partitions round-robin and processes each fetched
// batch strictly in offset order
func (p *ConsumerPool) worker(ctx context.Context, id int, partitions []int) {
	defer p.wg.Done()
	defer goroutine.Recover("consumer-worker", p.logger)

	p.logger.Debugw("Consumer worker started",
		"stream", p.cfg.Stream, "group", p.cfg.Group,
		"worker", id, "partitions", partitions)

	idle := time.NewTimer(p.cfg.PollInterval)
	defer idle.Stop()

	for {
		fetched := 0
		for _, partition := range partitions {
			if ctx.Err() != nil {
				return
			}
			records, err := p.log.Fetch(ctx, p.cfg.Stream, p.cfg.Group, partition, p.cfg.FetchBatch)
			if err != nil {
				if errors.Is(err, ErrUnknownStream) {
					continue // nothing published yet
				}
				p.logger.Warnw("Fetch failed",
					"stream", p.cfg.Stream, "partition", partition, "error", err)
				continue
			}
			fetched += len(records)
			for _, rec := range records {
				p.process(ctx, rec)
			}
		}

		if fetched == 0 {
			idle.Reset(p.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
		}
	}
}

// process runs the handler under the per-message budget and maps its outcome
// to ack, dead-letter, or nack
func (p *ConsumerPool) process(ctx context.Context, rec Record) {
	msgCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxProcessingTime)
	err := p.handler(msgCtx, rec)
	budgetExceeded := errors.Is(msgCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		if ackErr := p.log.Ack(ctx, rec.Stream, p.cfg.Group, rec.Partition, rec.Offset); ackErr != nil {
			p.logger.Warnw("Ack failed", "stream", rec.Stream, "offset", rec.Offset, "error", ackErr)
		}

	case errors.Is(err, core.ErrMalformedEvent):
		// Retrying a schema violation can never succeed
		if dlqErr := p.log.ToDLQ(ctx, rec.Stream, p.cfg.Group, rec.Partition, rec.Offset, "malformed"); dlqErr != nil {
			p.logger.Errorw("Dead-letter failed", "stream", rec.Stream, "offset", rec.Offset, "error", dlqErr)
		}

	default:
		if budgetExceeded {
			metrics.ProcessingTimeouts.WithLabelValues(rec.Stream, p.cfg.Group).Inc()
			p.logger.Warnw("Processing budget exceeded",
				"stream", rec.Stream, "partition", rec.Partition, "offset", rec.Offset)
		} else {
			p.logger.Warnw("Handler failed, scheduling redelivery",
				"stream", rec.Stream, "partition", rec.Partition, "offset", rec.Offset,
				"deliveries", rec.Deliveries, "error", err)
		}
		if nackErr := p.log.Nack(ctx, rec.Stream, p.cfg.Group, rec.Partition, rec.Offset); nackErr != nil {
			p.logger.Errorw("Nack failed", "stream", rec.Stream, "offset", rec.Offset, "error", nackErr)
		}
	}
}
