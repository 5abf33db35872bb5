package geoview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/mmadfox/geoview"

	defaultWorkers   = 4
	defaultQueueSize = 1024
)

const (
	taskPending int32 = iota
	taskRunning
	taskCommitted
	taskCanceled
)

// Cancelable is the handle of an asynchronous request. Its callback is
// invoked exactly once: with the result, or with ErrCanceled if Cancel
// wins the race against completion.
type Cancelable struct {
	id     xid.ID
	kind   string
	state  int32
	cancel context.CancelFunc
	fail   func(error)
	done   chan struct{}
}

func (c *Cancelable) ID() string {
	return c.id.String()
}

func (c *Cancelable) Kind() string {
	return c.kind
}

// Cancel stops the request. It is a no-op once the result has been
// committed or the request was already canceled.
func (c *Cancelable) Cancel() {
	if !c.abort() {
		return
	}
	c.fail(ErrCanceled)
}

// Canceled reports whether the request ended by cancellation.
func (c *Cancelable) Canceled() bool {
	return atomic.LoadInt32(&c.state) == taskCanceled
}

// Done is closed after the callback has returned.
func (c *Cancelable) Done() <-chan struct{} {
	return c.done
}

func (c *Cancelable) abort() bool {
	for {
		state := atomic.LoadInt32(&c.state)
		if state == taskCommitted || state == taskCanceled {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, state, taskCanceled) {
			c.cancel()
			return true
		}
	}
}

func (c *Cancelable) start() bool {
	return atomic.CompareAndSwapInt32(&c.state, taskPending, taskRunning)
}

func (c *Cancelable) commit() bool {
	return atomic.CompareAndSwapInt32(&c.state, taskRunning, taskCommitted)
}

type task struct {
	handle *Cancelable
	ctx    context.Context
	exec   func(ctx context.Context) error
}

type coordinatorConfig struct {
	workers   int
	queueSize int
	logger    *zap.Logger
	meter     metric.MeterProvider
	tracer    trace.TracerProvider
	stats     *StatsCollector
}

// coordinator executes requests on a bounded worker pool and delivers
// results through the mailbox.
type coordinator struct {
	mu      sync.RWMutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan *task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mailbox *mailbox
	logger  *zap.Logger
	stats   *StatsCollector

	tracer       trace.Tracer
	taskCounter  metric.Int64Counter
	taskDuration metric.Float64Histogram
}

func newCoordinator(cfg coordinatorConfig, mb *mailbox) (*coordinator, error) {
	if cfg.workers <= 0 {
		cfg.workers = defaultWorkers
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}
	meter := cfg.meter.Meter(instrumentationName)
	taskCounter, err := meter.Int64Counter(
		"geoview.tasks",
		metric.WithDescription("Number of finished asynchronous requests"),
		metric.WithUnit("{tasks}"),
	)
	if err != nil {
		return nil, fmt.Errorf("geoview/coordinator: tasks counter: %w", err)
	}
	taskDuration, err := meter.Float64Histogram(
		"geoview.task.duration",
		metric.WithDescription("Duration of asynchronous requests"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("geoview/coordinator: task duration histogram: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &coordinator{
		ctx:          ctx,
		cancel:       cancel,
		tasks:        make(chan *task, cfg.queueSize),
		stopCh:       make(chan struct{}),
		mailbox:      mb,
		logger:       cfg.logger,
		stats:        cfg.stats,
		tracer:       cfg.tracer.Tracer(instrumentationName),
		taskCounter:  taskCounter,
		taskDuration: taskDuration,
	}
	for i := 0; i < cfg.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// submit schedules op and returns immediately. cb runs on the mailbox
// goroutine exactly once.
func submit[T any](c *coordinator, kind string, op func(ctx context.Context) (T, error), cb func(Result[T])) *Cancelable {
	ctx, cancel := context.WithCancel(c.ctx)
	handle := &Cancelable{
		id:     xid.New(),
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	deliver := func(res Result[T]) {
		c.mailbox.post(func() {
			defer close(handle.done)
			defer cancel()
			if res.Err != nil {
				c.observe(kind, res.Err)
			}
			if cb != nil {
				cb(res)
			}
		})
	}
	handle.fail = func(err error) {
		var zero T
		deliver(Result[T]{Value: zero, Err: err})
	}
	t := &task{
		handle: handle,
		ctx:    ctx,
		exec: func(ctx context.Context) error {
			value, err := op(ctx)
			err = upstreamError(err)
			if handle.commit() {
				deliver(makeResult(value, err))
			}
			return err
		},
	}
	c.enqueue(t)
	return handle
}

// reject delivers err through the regular callback path.
func reject[T any](c *coordinator, kind string, err error, cb func(Result[T])) *Cancelable {
	return submit(c, kind, func(context.Context) (T, error) {
		var zero T
		return zero, err
	}, cb)
}

func (c *coordinator) enqueue(t *task) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.failClosed(t)
		return
	}
	select {
	case c.tasks <- t:
	default:
		if t.handle.abort() {
			t.handle.fail(fmt.Errorf("%w: request queue is full", ErrUpstreamUnavailable))
		}
	}
}

func (c *coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case t := <-c.tasks:
			if c.ctx.Err() != nil {
				c.failClosed(t)
				continue
			}
			c.execute(t)
		case <-c.stopCh:
			return
		}
	}
}

func (c *coordinator) execute(t *task) {
	if !t.handle.start() {
		return
	}
	ctx, span := c.tracer.Start(t.ctx, t.handle.kind,
		trace.WithAttributes(attribute.String("geoview.task.id", t.handle.ID())))
	defer span.End()

	startTime := time.Now()
	err := t.exec(ctx)
	duration := float64(time.Since(startTime).Milliseconds())

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.taskDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("kind", t.handle.kind),
		attribute.String("status", status),
	))
	if err == nil && !t.handle.Canceled() {
		c.taskCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", t.handle.kind),
			attribute.String("status", status),
		))
		c.stats.IncrTasks()
	}
}

// observe records a failed or canceled delivery.
func (c *coordinator) observe(kind string, err error) {
	status := "error"
	switch {
	case errors.Is(err, ErrCanceled):
		status = "canceled"
		c.stats.IncrCanceled()
	default:
		c.stats.IncrFailed()
		c.logger.Debug("request failed", zap.String("kind", kind), zap.Error(err))
	}
	c.taskCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	c.stats.IncrTasks()
}

// close fails queued requests with ErrUpstreamUnavailable, cancels
// running ones and waits for the workers to stop.
func (c *coordinator) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.stopCh)
	c.wg.Wait()

	for {
		select {
		case t := <-c.tasks:
			c.failClosed(t)
		default:
			return
		}
	}
}

func (c *coordinator) failClosed(t *task) {
	if t.handle.abort() {
		t.handle.fail(fmt.Errorf("%w: engine closed", ErrUpstreamUnavailable))
	}
}

// upstreamError maps context termination of a running request onto the
// error taxonomy.
func upstreamError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return err
}
