package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WorkerCaller hands a job to a worker shard. Implementations issue the RPC;
// an error means the job never reached the worker and goes back in the
// queue.
type WorkerCaller interface {
	Dispatch(shard int, job Job) error
}

// Config holds dispatcher configuration.
type Config struct {
	// PollInterval is how long the dispatcher sleeps when the queue is
	// empty or every worker is busy.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 200 * time.Millisecond}
}

// Dispatcher moves jobs from the queue to free workers in the background.
type Dispatcher struct {
	queue  *JobQueue
	pool   *WorkerPool
	caller WorkerCaller
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher wires a queue, a pool and a worker caller together.
func NewDispatcher(queue *JobQueue, pool *WorkerPool, caller WorkerCaller, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Dispatcher{
		queue:  queue,
		pool:   pool,
		caller: caller,
		config: cfg,
		logger: logger.With("component", "dispatcher"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the dispatch loop. Blocks until ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", d.pool.Size())
	defer close(d.doneCh)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "reason", "context cancelled")
			return ctx.Err()
		case <-d.stopCh:
			d.logger.Info("dispatcher stopping", "reason", "stop called")
			return nil
		default:
		}
		if !d.tick() {
			select {
			case <-ctx.Done():
			case <-d.stopCh:
			case <-time.After(d.config.PollInterval):
			}
		}
	}
}

// Stop shuts the dispatcher down and waits for the loop to exit. A stop
// sentinel goes into the queue below every real priority, so a loop blocked
// on an empty queue wakes up without waiting out a poll interval.
func (d *Dispatcher) Stop() error {
	d.queue.Push(stopJob(), PriorityExtraLow, time.Time{})
	close(d.stopCh)
	<-d.doneCh
	return nil
}

// tick tries to place one job and reports whether it made progress. No
// progress means the caller should sleep before retrying.
func (d *Dispatcher) tick() bool {
	entry, err := d.queue.Pop()
	if err != nil {
		return false
	}
	if entry.Job.Action == actionStop {
		// Consume the sentinel; the loop exits via stopCh on the next
		// pass.
		return false
	}

	shard, err := d.pool.Acquire(entry.Job)
	if errors.Is(err, ErrNoFreeWorker) {
		d.queue.Push(entry.Job, entry.Priority, entry.Timestamp)
		return false
	}

	d.logger.Info("dispatching job",
		"action", string(entry.Job.Action),
		"submission", entry.Job.SubmissionID,
		"shard", shard,
		"priority", int(entry.Priority))

	if err := d.caller.Dispatch(shard, entry.Job); err != nil {
		d.logger.Warn("dispatch failed, requeueing",
			"action", string(entry.Job.Action),
			"submission", entry.Job.SubmissionID,
			"shard", shard,
			"error", err)
		d.pool.Release(shard)
		d.queue.Push(entry.Job, entry.Priority, entry.Timestamp)
		return false
	}
	return true
}
