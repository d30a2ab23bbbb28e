package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/config"
)

// TaskRunner runs short provider calls off the caller's goroutine.
type TaskRunner interface {
	Submit(task func()) error
}

// ProviderPool bounds the number of concurrent gateway calls made by the
// pairing loops. The sweeper calls the gateway inline from its cron job.
type ProviderPool struct {
	pool *ants.Pool
	cfg  config.WorkerPoolConfig
	log  *zap.Logger
}

// Ensure ProviderPool implements TaskRunner
var _ TaskRunner = (*ProviderPool)(nil)

// NewProviderPool creates the worker pool. A QueueSize of 0 makes Submit fail
// fast instead of waiting for a free worker.
func NewProviderPool(cfg config.WorkerPoolConfig, baseLogger *zap.Logger) (*ProviderPool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	p := &ProviderPool{
		cfg: cfg,
		log: baseLogger.Named("provider_pool"),
	}

	opts := []ants.Option{
		ants.WithNonblocking(cfg.QueueSize <= 0),
		ants.WithPanicHandler(func(r interface{}) {
			p.log.Error("Panic recovered in provider worker", zap.Any("panic_error", r), zap.Stack("stack"))
		}),
	}
	if cfg.QueueSize > 0 {
		opts = append(opts, ants.WithMaxBlockingTasks(cfg.QueueSize))
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}

	pool, err := ants.NewPool(cfg.PoolSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider worker pool: %w", err)
	}
	p.pool = pool
	p.log.Info("Provider worker pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return p, nil
}

// Submit hands task to a worker. An overloaded pool yields ErrRateLimited.
func (p *ProviderPool) Submit(task func()) error {
	if err := p.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) || errors.Is(err, ants.ErrPoolClosed) {
			return fmt.Errorf("%w: provider pool: %w", apperrors.ErrRateLimited, err)
		}
		return fmt.Errorf("failed to submit provider task: %w", err)
	}
	return nil
}

// Running returns the number of busy workers.
func (p *ProviderPool) Running() int {
	return p.pool.Running()
}

// Release stops the pool, waiting up to timeout for running tasks.
func (p *ProviderPool) Release(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		p.log.Warn("Provider pool did not drain in time", zap.Error(err))
		return
	}
	p.log.Info("Provider worker pool released")
}
