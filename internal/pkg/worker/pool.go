// Package worker provides goroutine pool management: bounded ants pools
// with context-aware submission.
//
// No package in this module submits work to these pools; the event bus
// delivers each event on its own goroutine.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	// Eval is sized by PoolConfig.EvalPoolSize; custom-operator evaluation
	// runs on the caller's goroutine, not on this pool.
	Eval *Pool
	// Invalidate is sized by PoolConfig.InvalidatePoolSize; dependency-graph
	// and computed-field cache invalidation run inline, not on this pool.
	Invalidate *Pool

	// serviceCtx is the service lifecycle context for detached tasks.
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	EvalPoolSize       int
	InvalidatePoolSize int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		EvalPoolSize:       64,
		InvalidatePoolSize: 32,
	}
}

// NewPools creates the worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	evalAnts, err := ants.NewPool(cfg.EvalPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	invalidateAnts, err := ants.NewPool(cfg.InvalidatePoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		evalAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		Eval:          &Pool{pool: evalAnts, name: "eval"},
		Invalidate:    &Pool{pool: invalidateAnts, name: "invalidate"},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// The task receives the caller's context and should check ctx.Done() at blocking points.
// If context is already cancelled, returns ctx.Err() immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
}

// SubmitDetached submits a detached background task.
// Detached tasks use the service lifecycle context instead of a request context,
// so they survive request cancellation but still respect graceful shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	var pool *Pool
	switch poolName {
	case "eval":
		pool = p.Eval
	case "invalidate":
		pool = p.Invalidate
	default:
		pool = p.Eval
	}

	return pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", poolName),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
}

// Shutdown gracefully shuts down all pools with a timeout.
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.Eval.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Eval pool shutdown timeout", zap.Error(err))
	}
	if err := p.Invalidate.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Invalidate pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"eval": map[string]int{
			"running": p.Eval.pool.Running(),
			"free":    p.Eval.pool.Free(),
			"cap":     p.Eval.pool.Cap(),
		},
		"invalidate": map[string]int{
			"running": p.Invalidate.pool.Running(),
			"free":    p.Invalidate.pool.Free(),
			"cap":     p.Invalidate.pool.Cap(),
		},
	}
}
