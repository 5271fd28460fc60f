package worker

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// TickFunc processes one batch of due work
type TickFunc func(ctx context.Context) error

// Poller runs a tick on a fixed interval until its context is cancelled.
// A tick in progress is allowed to finish.
type Poller struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   *zap.Logger
	done     chan struct{}
}

// NewPoller creates a new polling worker
func NewPoller(name string, interval time.Duration, tick TickFunc) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   util.ComponentLogger(name),
		done:     make(chan struct{}),
	}
}

// Name returns the worker name
func (p *Poller) Name() string {
	return p.name
}

// Start runs the poller in the background
func (p *Poller) Start(ctx context.Context) {
	go p.Run(ctx)
}

// Done is closed once the poller has stopped
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Run ticks immediately, then every interval, and returns when ctx is done
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)

	p.logger.Info("Starting worker", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.runTick(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Stopping worker")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	util.WorkerTicksTotal.WithLabelValues(p.name).Inc()

	start := time.Now()
	err := Guard(func() error { return p.tick(ctx) })
	if err != nil {
		p.logger.Error("Tick failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	p.logger.Debug("Tick completed", zap.Duration("elapsed", time.Since(start)))
}

// Guard runs fn and turns a panic into an error
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// RunUnit processes one unit of a tick. Errors and panics are logged and
// counted so the tick can continue with the next unit.
func RunUnit(worker string, logger *zap.Logger, fn func() error) error {
	err := Guard(fn)
	if err != nil {
		util.WorkerUnitErrorsTotal.WithLabelValues(worker).Inc()
		logger.Error("Unit failed", zap.String("worker", worker), zap.Error(err), zap.StackSkip("stack", 1))
	}
	return err
}
