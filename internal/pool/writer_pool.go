// Package pool provides the bounded worker pool that carries the runtime's
// fire-and-forget durable writes (logs, state, execution history).
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/metrics"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Write is one durable write executed in the background. The context carries
// the per-write timeout; implementations must respect it.
type Write func(ctx context.Context) error

type job struct {
	kind  string
	write Write
}

// Config configures the writer pool.
type Config struct {
	Workers      int           `json:"workers" yaml:"workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
}

// WriterPool executes durable writes without blocking the submitter. Write
// failures are logged and counted, never returned: durability here is
// best-effort and decoupled from the correctness of the run that produced
// the write. A saturated queue drops the write instead of queuing further.
type WriterPool struct {
	cfg     Config
	queue   chan job
	closed  atomic.Bool
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Collector

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates the pool and starts its workers.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector) *WriterPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	p := &WriterPool{
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		logger:  logger.With(zap.String("component", "writer_pool")),
		metrics: collector,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit queues one write. It never blocks: with the queue full the write is
// dropped and ErrPoolFull returned so the caller can count the loss.
func (p *WriterPool) Submit(kind string, write Write) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	select {
	case p.queue <- job{kind: kind, write: write}:
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.RecordPoolDrop()
		p.logger.Warn("async write dropped, pool saturated", zap.String("kind", kind))
		return ErrPoolFull
	}
}

func (p *WriterPool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *WriterPool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.metrics.RecordAsyncWriteFailure(j.kind)
			p.logger.Error("async write panicked",
				zap.String("kind", j.kind),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	if err := j.write(ctx); err != nil {
		p.failed.Add(1)
		p.metrics.RecordAsyncWriteFailure(j.kind)
		p.logger.Warn("async write failed",
			zap.String("kind", j.kind),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Close stops intake and waits for queued writes to finish. Producers must
// be stopped before Close is called.
func (p *WriterPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WriterPool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
