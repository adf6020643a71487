// Package dispatch runs background tasks on a bounded worker pool.
// Tasks sharing a key run one at a time in submission order; tasks with
// different keys run in parallel up to the worker count.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/scribe/internal/logging"
)

var (
	// ErrBusy is returned by Submit when a key cannot take more work.
	ErrBusy = errors.New("busy")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("dispatcher closed")
	// ErrPanic marks a task that panicked.
	ErrPanic = errors.New("task panicked")
)

// Task is a unit of work.
type Task struct {
	// Key serializes tasks. The coordinator uses the conversation ID.
	Key string
	// Name describes the step in logs.
	Name string
	// IdempotencyKey identifies the step across redeliveries and retries.
	IdempotencyKey string
	// RejectIfBusy fails the submission with ErrBusy when Key already has
	// running or queued work.
	RejectIfBusy bool
	// Run does the work. attempt starts at 1.
	Run func(ctx context.Context, attempt int) error
	// OnFailure, when set, runs with the final error after the last attempt
	// and before the ticket is done. The key stays held while it runs.
	OnFailure func(err error)
}

// Ticket tracks a submitted task.
type Ticket struct {
	key            string
	idempotencyKey string
	done           chan struct{}
	err            error
}

// Key returns the task key.
func (t *Ticket) Key() string { return t.key }

// IdempotencyKey returns the task's idempotency key.
func (t *Ticket) IdempotencyKey() string { return t.idempotencyKey }

// Done is closed when the task finished, successfully or not.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task's final error. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done. Abandoning the wait
// does not cancel the task.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config configures a Dispatcher.
type Config struct {
	// Workers bounds concurrently running tasks. Defaults to 4.
	Workers int
	// QueueDepth bounds waiting tasks per key. Defaults to 8.
	QueueDepth int
	// Retry is the retry policy applied to every task.
	Retry  RetryPolicy
	Logger *slog.Logger
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

type job struct {
	task   Task
	ticket *Ticket
}

// Dispatcher is a keyed FIFO worker pool.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	runnable []*job
	// waiting holds queued jobs behind the key's active job.
	waiting map[string][]*job
	// active marks keys with a runnable or running job.
	active map[string]bool
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	workers sync.WaitGroup

	queued, running, completed, failed, retries atomic.Int64
}

// New starts a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	cfg.Retry = cfg.Retry.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "dispatch"),
		waiting: make(map[string][]*job),
		active:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < cfg.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	return d
}

// Submit enqueues t. It never blocks on running work.
func (d *Dispatcher) Submit(t Task) (*Ticket, error) {
	if t.Run == nil {
		return nil, errors.New("task has no Run function")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	busy := d.active[t.Key]
	queue := d.waiting[t.Key]
	if t.RejectIfBusy && busy {
		return nil, fmt.Errorf("%s for %s: %w", t.Name, t.Key, ErrBusy)
	}
	if len(queue) >= d.cfg.QueueDepth {
		return nil, fmt.Errorf("%s for %s: queue full: %w", t.Name, t.Key, ErrBusy)
	}

	j := &job{task: t, ticket: &Ticket{key: t.Key, idempotencyKey: t.IdempotencyKey, done: make(chan struct{})}}
	d.pending.Add(1)
	d.queued.Add(1)
	if busy {
		d.waiting[t.Key] = append(queue, j)
	} else {
		d.active[t.Key] = true
		d.runnable = append(d.runnable, j)
		d.cond.Signal()
	}
	return j.ticket, nil
}

// Busy reports whether key has running or queued work.
func (d *Dispatcher) Busy(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[key]
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Running:   d.running.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Retries:   d.retries.Load(),
	}
}

// Shutdown stops accepting tasks and waits for accepted ones to finish.
// When ctx expires first, running tasks are cancelled and ctx.Err is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-drained
	}

	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
	d.workers.Wait()
	d.cancel()
	return err
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		d.mu.Lock()
		for len(d.runnable) == 0 && !(d.closed && d.idle()) {
			d.cond.Wait()
		}
		if len(d.runnable) == 0 {
			d.mu.Unlock()
			return
		}
		j := d.runnable[0]
		d.runnable = d.runnable[1:]
		d.mu.Unlock()

		d.execute(j)
		d.release(j.task.Key)
	}
}

// idle reports whether no job is runnable or waiting. Callers hold d.mu.
func (d *Dispatcher) idle() bool {
	return len(d.active) == 0
}

// release hands the key to its next waiting job, if any.
func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if queue := d.waiting[key]; len(queue) > 0 {
		d.runnable = append(d.runnable, queue[0])
		if len(queue) == 1 {
			delete(d.waiting, key)
		} else {
			d.waiting[key] = queue[1:]
		}
		d.cond.Signal()
		return
	}
	delete(d.active, key)
	if d.closed && d.idle() {
		d.cond.Broadcast()
	}
}

func (d *Dispatcher) execute(j *job) {
	d.queued.Add(-1)
	d.running.Add(1)
	defer d.running.Add(-1)

	t := j.task
	start := time.Now()
	err := d.runWithRetry(t)

	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("task failed",
			"task", t.Name,
			"key", t.Key,
			"idempotency_key", t.IdempotencyKey,
			"duration", time.Since(start),
			"error", err)
		if t.OnFailure != nil {
			d.safeFailure(t, err)
		}
	} else {
		d.completed.Add(1)
		d.logger.Debug("task completed",
			"task", t.Name,
			"key", t.Key,
			"duration", time.Since(start))
	}

	j.ticket.err = err
	close(j.ticket.done)
	d.pending.Done()
}

func (d *Dispatcher) runWithRetry(t Task) error {
	policy := d.cfg.Retry
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = d.safeRun(t, attempt)
		if err == nil || !policy.Retryable(err) || attempt == policy.MaxAttempts {
			return err
		}

		delay := policy.Delay(attempt)
		d.retries.Add(1)
		d.logger.Info("retrying task",
			"task", t.Name,
			"key", t.Key,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", d.ctx.Err(), err)
		}
	}
	return err
}

func (d *Dispatcher) safeFailure(t Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("failure hook panicked", "task", t.Name, "key", t.Key, "panic", r)
		}
	}()
	t.OnFailure(err)
}

// safeRun converts a panic into an error so one task cannot take down a worker.
func (d *Dispatcher) safeRun(t Task, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked",
				"task", t.Name,
				"key", t.Key,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%s: %w: %v", t.Name, ErrPanic, r)
		}
	}()
	return t.Run(d.ctx, attempt)
}
