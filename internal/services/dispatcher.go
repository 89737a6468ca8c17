package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher hands items to a single background worker through a bounded
// buffer. Submit never blocks: items are dropped and counted when the buffer
// is full or the dispatcher is closed.
type Dispatcher[T any] struct {
	name    string
	handle  func(context.Context, T)
	timeout time.Duration
	logger  *slog.Logger

	ch        chan T
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the worker. Each item is handled with its own
// timeout-bounded context.
func NewDispatcher[T any](name string, bufferSize int, timeout time.Duration, logger *slog.Logger, handle func(context.Context, T)) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	d := &Dispatcher[T]{
		name:    name,
		handle:  handle,
		timeout: timeout,
		logger:  logger,
		ch:      make(chan T, bufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher[T]) run() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.ch:
			d.process(item)
		case <-d.done:
			for {
				select {
				case item := <-d.ch:
					d.process(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher[T]) process(item T) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatcher handler panicked", slog.String("dispatcher", d.name), slog.Any("panic", p))
		}
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	d.handle(ctx, item)
}

// Submit queues item without blocking.
func (d *Dispatcher[T]) Submit(item T) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- item:
	case <-d.done:
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.logger.Warn("dispatcher buffer full, dropping items",
				slog.String("dispatcher", d.name),
				slog.Uint64("dropped_total", d.dropped.Load()))
		}
	}
}

// Close stops accepting items and waits for the buffer to drain.
func (d *Dispatcher[T]) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many items were discarded.
func (d *Dispatcher[T]) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
