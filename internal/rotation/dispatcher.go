package rotation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"livingrosary.org/internal/obs"
)

// ErrDispatcherClosed is returned by Submit after Wait has been called.
var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// Job is a rotation run executed in the background.
type Job func(ctx context.Context) (Result, error)

// Dispatcher runs rotation jobs detached from the request that submitted them.
// The submitter learns only that the job was accepted; the outcome goes to
// the log and to the optional done callback.
type Dispatcher struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	log    *zap.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger means obs.Logger().
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = obs.Logger()
	}
	return &Dispatcher{log: log}
}

// Submit starts job on its own goroutine. ctx contributes values (request
// id, user) but not cancellation: the job runs to completion even after
// the request finished. done, if non-nil, receives the outcome.
func (d *Dispatcher) Submit(ctx context.Context, name string, job Job, done func(Result, error)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		res, err := d.run(bg, name, job)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, name string, job Job) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("background rotation panicked", zap.String("job", name), zap.Any("panic", p))
			err = errors.New("rotation panicked")
		}
	}()
	res, err = job(ctx)
	if err != nil {
		d.log.Error("background rotation failed", zap.String("job", name), zap.Error(err))
		return res, err
	}
	d.log.Info("background rotation completed",
		zap.String("job", name),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Wait stops accepting jobs and blocks until running jobs finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
