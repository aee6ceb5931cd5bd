// Package evaluation implements the evaluation service: it owns the job
// queue and the worker pool, assigns compile and evaluate jobs to worker
// shards over RPC, tracks their results in the store, and retries failures.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/metrics"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/internal/scheduler"
	"github.com/cms-dev/cms-sub006/internal/store"
	"github.com/cms-dev/cms-sub006/pkg/model"
)

// MaxTries is how often a compilation or evaluation is attempted before the
// service gives up on it.
const MaxTries = 3

// Coord is the conventional coordinate of the single evaluation shard.
var Coord = config.ServiceCoord{Name: "EvaluationService", Shard: 0}

// Options tunes the evaluation service.
type Options struct {
	// Dispatcher is passed through to the job dispatcher.
	Dispatcher scheduler.Config

	// HealthCheckInterval is the period of the worker echo round.
	// Default 10s.
	HealthCheckInterval time.Duration

	// Stats collects metrics; a fresh collector is created when nil.
	Stats *metrics.Collector
}

// Service is the evaluation service.
type Service struct {
	rpcSvc  *rpc.Service
	store   store.Store
	queue   *scheduler.JobQueue
	pool    *scheduler.WorkerPool
	disp    *scheduler.Dispatcher
	workers []*rpc.RemoteService // indexed by shard
	stats   *metrics.Collector
	logger  *slog.Logger
	opts    Options
	started time.Time
}

// New wires the service together: one pool slot and one connection per
// configured worker shard, handlers registered on the RPC service.
func New(rpcSvc *rpc.Service, st store.Store, cfg *config.Config, logger *slog.Logger, opts Options) (*Service, error) {
	shards := cfg.ShardCount("Worker")
	if shards == 0 {
		return nil, errors.New("no worker shards configured")
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 10 * time.Second
	}
	if opts.Stats == nil {
		opts.Stats = metrics.NewCollector()
	}

	s := &Service{
		rpcSvc:  rpcSvc,
		store:   st,
		queue:   scheduler.NewJobQueue(),
		pool:    scheduler.NewWorkerPool(shards),
		stats:   opts.Stats,
		logger:  logger.With("component", "evaluation"),
		opts:    opts,
		started: time.Now(),
	}
	s.disp = scheduler.NewDispatcher(s.queue, s.pool, s, opts.Dispatcher, logger)

	s.workers = make([]*rpc.RemoteService, shards)
	for shard := 0; shard < shards; shard++ {
		remote, err := rpcSvc.ConnectTo(config.ServiceCoord{Name: "Worker", Shard: shard})
		if err != nil {
			return nil, fmt.Errorf("connect worker %d: %w", shard, err)
		}
		s.workers[shard] = remote
	}

	rpcSvc.Register("new_submission", s.handleNewSubmission)
	rpcSvc.Register("use_token", s.handleUseToken)
	rpcSvc.Register("compilation_finished", s.handleCompilationFinished)
	rpcSvc.Register("evaluation_finished", s.handleEvaluationFinished)

	rpcSvc.AddTimeout(s.healthCheck, opts.HealthCheckInterval, true)
	return s, nil
}

// Start requeues unfinished submissions, runs the dispatcher in the
// background and blocks in the RPC event loop until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if err := s.requeueUnfinished(ctx); err != nil {
		return fmt.Errorf("requeue unfinished submissions: %w", err)
	}

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		s.disp.Start(ctx)
	}()

	err := s.rpcSvc.Start(ctx)

	s.disp.Stop()
	<-dispDone
	return err
}

// Stop asks the RPC event loop to exit; Start unwinds the rest.
func (s *Service) Stop() {
	s.rpcSvc.Stop()
}

// requeueUnfinished restores the queue from the store after a restart.
func (s *Service) requeueUnfinished(ctx context.Context) error {
	subs, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.Compiled() {
			s.enqueue(scheduler.Job{Action: scheduler.ActionCompile, SubmissionID: sub.ID},
				scheduler.PriorityHigh, sub.Timestamp)
		} else {
			s.enqueue(scheduler.Job{Action: scheduler.ActionEvaluate, SubmissionID: sub.ID},
				s.evaluatePriority(sub), sub.Timestamp)
		}
	}
	if len(subs) > 0 {
		s.logger.Info("requeued unfinished submissions", "count", len(subs))
	}
	return nil
}

// Submit records a new submission and queues its compilation. Used by the
// HTTP API; the new_submission RPC covers submissions already in the store.
func (s *Service) Submit(ctx context.Context, sub *model.Submission) error {
	if sub.Timestamp.IsZero() {
		sub.Timestamp = time.Now().UTC()
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	s.enqueue(scheduler.Job{Action: scheduler.ActionCompile, SubmissionID: sub.ID},
		scheduler.PriorityHigh, sub.Timestamp)
	return nil
}

// UseToken marks the submission tokened and boosts its queued evaluation,
// if any, to medium priority.
func (s *Service) UseToken(ctx context.Context, submissionID string) error {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if !sub.Tokened {
		sub.Tokened = true
		if err := s.store.UpdateSubmission(ctx, sub); err != nil {
			return err
		}
	}
	job := scheduler.Job{Action: scheduler.ActionEvaluate, SubmissionID: submissionID}
	if err := s.queue.SetPriority(job, scheduler.PriorityMedium); err == nil {
		s.logger.Info("token used, evaluation boosted", "submission", submissionID)
	}
	return nil
}

func (s *Service) enqueue(job scheduler.Job, priority scheduler.Priority, timestamp time.Time) {
	s.queue.Push(job, priority, timestamp)
	s.stats.JobEnqueued()
}

func (s *Service) evaluatePriority(sub *model.Submission) scheduler.Priority {
	if sub.Tokened {
		return scheduler.PriorityMedium
	}
	return scheduler.PriorityLow
}

// jobPriority recomputes the scheduling priority of a job for a requeue.
func (s *Service) jobPriority(job scheduler.Job, sub *model.Submission) scheduler.Priority {
	if job.Action == scheduler.ActionCompile {
		return scheduler.PriorityHigh
	}
	return s.evaluatePriority(sub)
}

// Dispatch implements scheduler.WorkerCaller: it issues the typed RPC for
// the job to the given worker shard. Runs on the dispatcher goroutine.
func (s *Service) Dispatch(shard int, job scheduler.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := s.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission %s: %w", job.SubmissionID, err)
	}

	data := map[string]any{
		"submission_id": sub.ID,
		"task_name":     sub.TaskName,
	}
	if job.Action == scheduler.ActionCompile && sub.SourceDigest != "" {
		data["source_digest"] = sub.SourceDigest
	}

	issued := s.workers[shard].Call(string(job.Action), data, s.dispatchAck(job, shard), nil)
	if !issued {
		return fmt.Errorf("worker %d: %w", shard, rpc.ErrNotConnected)
	}
	return nil
}

// dispatchAck handles the worker's direct response to a compile/evaluate
// request. The real result arrives separately via *_finished; an error here
// means the job never started (worker busy, connection lost), so the slot
// is freed and the job goes back in the queue.
func (s *Service) dispatchAck(job scheduler.Job, shard int) rpc.Callback {
	return func(_ any, _ any, err error) {
		if err == nil {
			return
		}
		s.logger.Warn("worker refused job",
			"action", string(job.Action),
			"submission", job.SubmissionID,
			"shard", shard,
			"error", err)
		// Release by lookup, not by the remembered shard: the slot may
		// have been freed by a finished report and handed to another job
		// since this call was issued.
		current, rerr := s.pool.Find(job)
		if rerr != nil {
			return // already released by a finished report
		}
		s.pool.Release(current)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sub, serr := s.store.GetSubmission(ctx, job.SubmissionID)
		if serr != nil {
			s.logger.Error("cannot requeue refused job", "submission", job.SubmissionID, "error", serr)
			return
		}
		s.enqueue(job, s.jobPriority(job, sub), time.Time{})
		s.stats.JobRequeued()
	}
}

func (s *Service) handleNewSubmission(ctx context.Context, data map[string]any) (any, error) {
	id, _ := data["submission_id"].(string)
	if id == "" {
		return nil, errors.New("new_submission requires submission_id")
	}
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	s.enqueue(scheduler.Job{Action: scheduler.ActionCompile, SubmissionID: sub.ID},
		scheduler.PriorityHigh, sub.Timestamp)
	s.logger.Info("submission queued", "submission", sub.ID, "task", sub.TaskName)
	return true, nil
}

func (s *Service) handleUseToken(ctx context.Context, data map[string]any) (any, error) {
	id, _ := data["submission_id"].(string)
	if id == "" {
		return nil, errors.New("use_token requires submission_id")
	}
	if err := s.UseToken(ctx, id); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) handleCompilationFinished(ctx context.Context, data map[string]any) (any, error) {
	return s.finished(ctx, scheduler.ActionCompile, data)
}

func (s *Service) handleEvaluationFinished(ctx context.Context, data map[string]any) (any, error) {
	return s.finished(ctx, scheduler.ActionEvaluate, data)
}

// finished processes a worker's completion report: frees the pool slot,
// records the result and applies the retry rules.
func (s *Service) finished(ctx context.Context, action scheduler.Action, data map[string]any) (any, error) {
	id, _ := data["submission_id"].(string)
	if id == "" {
		return nil, errors.New("completion report requires submission_id")
	}
	success, _ := data["success"].(bool)
	outcome := model.Outcome(stringField(data, "outcome"))

	job := scheduler.Job{Action: action, SubmissionID: id}
	elapsed := s.releaseJob(job)
	s.stats.JobCompleted(string(action), success, elapsed.Seconds())

	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	// A submission that exhausts its tries gets a terminal fail outcome, so
	// the startup requeue scan does not hand it extra attempts on every
	// restart.
	gaveUp := false
	switch action {
	case scheduler.ActionCompile:
		sub.CompilationTries++
		if success {
			sub.CompilationOutcome = outcome
		} else if sub.CompilationTries >= MaxTries {
			sub.CompilationOutcome = model.OutcomeFail
			gaveUp = true
		}
	case scheduler.ActionEvaluate:
		sub.EvaluationTries++
		if success {
			sub.EvaluationOutcome = outcome
		} else if sub.EvaluationTries >= MaxTries {
			sub.EvaluationOutcome = model.OutcomeFail
			gaveUp = true
		}
	}
	if err := s.store.UpdateSubmission(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("job completed",
		"action", string(action),
		"submission", id,
		"success", success,
		"outcome", string(outcome),
		"tries", tries(sub, action))

	switch {
	case success && action == scheduler.ActionCompile && outcome == model.OutcomeOK:
		// Compiled fine, move on to evaluation.
		s.enqueue(scheduler.Job{Action: scheduler.ActionEvaluate, SubmissionID: sub.ID},
			s.evaluatePriority(sub), sub.Timestamp)
	case !success && !gaveUp:
		s.enqueue(job, s.jobPriority(job, sub), sub.Timestamp)
		s.stats.JobRequeued()
	case !success:
		s.logger.Error("giving up on submission",
			"action", string(action), "submission", sub.ID, "tries", tries(sub, action))
	}
	return true, nil
}

// releaseJob frees whatever pool slot is running the job and returns how
// long it ran. A queued duplicate (left by a requeue that raced the report)
// is dropped too.
func (s *Service) releaseJob(job scheduler.Job) time.Duration {
	var elapsed time.Duration
	if shard, err := s.pool.Find(job); err == nil {
		if since, err := s.pool.BusySince(shard); err == nil {
			elapsed = time.Since(since)
		}
		s.pool.Release(shard)
	} else {
		s.logger.Warn("completion report for unassigned job",
			"action", string(job.Action), "submission", job.SubmissionID)
	}
	s.queue.Delete(job)
	return elapsed
}

// healthCheck echoes every worker connection and refreshes the gauges.
func (s *Service) healthCheck() bool {
	for shard, remote := range s.workers {
		if !remote.Connected() {
			continue
		}
		sh := shard
		remote.Call("echo", map[string]any{"string": "ping"}, func(_ any, _ any, err error) {
			if err != nil {
				s.logger.Warn("worker health-check failed", "shard", sh, "error", err)
			}
		}, nil)
	}
	s.stats.SetQueueLength(s.queue.Len())
	s.stats.SetWorkersBusy(s.pool.Busy())
	return true
}

func tries(sub *model.Submission, action scheduler.Action) int {
	if action == scheduler.ActionCompile {
		return sub.CompilationTries
	}
	return sub.EvaluationTries
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
