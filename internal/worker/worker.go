// Package worker implements the worker service: it accepts compile and
// evaluate jobs over RPC, runs them through a Runner, and reports the result
// back to the evaluation service.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cms-dev/cms-sub006/internal/filestorage"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/pkg/model"
)

// Worker serves one job at a time. A second job arriving while one runs is
// rejected with an error response; the dispatcher treats that as a failed
// dispatch and requeues.
type Worker struct {
	svc     *rpc.Service
	runner  Runner
	files   *filestorage.FileClient // nil when sources are not fetched
	evalSvc *rpc.RemoteService
	logger  *slog.Logger

	mu      sync.Mutex
	current *Job
	started time.Time
}

// New registers the worker's RPC methods. evalSvc is the connection used to
// report job completion; files may be nil when the runner needs no source.
func New(svc *rpc.Service, runner Runner, files *filestorage.FileClient, evalSvc *rpc.RemoteService, logger *slog.Logger) *Worker {
	w := &Worker{
		svc:     svc,
		runner:  runner,
		files:   files,
		evalSvc: evalSvc,
		logger:  logger.With("component", "worker"),
	}
	// Threaded: a compile or evaluate occupies its own goroutine so the
	// worker keeps answering echo health-checks while it runs.
	svc.RegisterThreaded("compile", w.handleCompile)
	svc.RegisterThreaded("evaluate", w.handleEvaluate)
	return w
}

// Busy reports whether a job is running.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

// acquire claims the worker for the job; fails when one is already running.
func (w *Worker) acquire(job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		return fmt.Errorf("busy with submission %s since %s",
			w.current.SubmissionID, w.started.Format(time.RFC3339))
	}
	j := job
	w.current = &j
	w.started = time.Now()
	return nil
}

func (w *Worker) release() {
	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()
}

func (w *Worker) handleCompile(ctx context.Context, data map[string]any) (any, error) {
	return w.run(ctx, "compile", data)
}

func (w *Worker) handleEvaluate(ctx context.Context, data map[string]any) (any, error) {
	return w.run(ctx, "evaluate", data)
}

func (w *Worker) run(ctx context.Context, action string, data map[string]any) (any, error) {
	job := Job{
		SubmissionID: stringField(data, "submission_id"),
		TaskName:     stringField(data, "task_name"),
		SourceDigest: stringField(data, "source_digest"),
	}
	if job.SubmissionID == "" {
		return nil, fmt.Errorf("%s requires submission_id", action)
	}
	if err := w.acquire(job); err != nil {
		w.logger.Warn("job rejected", "action", action, "submission", job.SubmissionID, "reason", err)
		return nil, err
	}
	defer w.release()

	w.logger.Info("job started", "action", action, "submission", job.SubmissionID, "task", job.TaskName)
	start := time.Now()

	outcome, err := w.execute(ctx, action, job)
	success := err == nil

	if err != nil {
		w.logger.Warn("job failed", "action", action, "submission", job.SubmissionID, "error", err)
	} else {
		w.logger.Info("job finished",
			"action", action,
			"submission", job.SubmissionID,
			"outcome", string(outcome),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	w.report(action, job, success, outcome)
	return map[string]any{"success": success, "outcome": string(outcome)}, nil
}

func (w *Worker) execute(ctx context.Context, action string, job Job) (model.Outcome, error) {
	switch action {
	case "compile":
		var source []byte
		if job.SourceDigest != "" && w.files != nil {
			var err error
			source, err = w.files.Get(ctx, job.SourceDigest)
			if err != nil {
				return model.OutcomeNone, fmt.Errorf("fetch source: %w", err)
			}
		}
		return w.runner.Compile(ctx, job, source)
	case "evaluate":
		return w.runner.Evaluate(ctx, job)
	}
	return model.OutcomeNone, fmt.Errorf("unknown action %q", action)
}

// report tells the evaluation service the job is done. Fire and forget: if
// the connection is down, the evaluation service's health-checks notice the
// stuck slot and requeue.
func (w *Worker) report(action string, job Job, success bool, outcome model.Outcome) {
	if w.evalSvc == nil {
		return
	}
	method := "compilation_finished"
	if action == "evaluate" {
		method = "evaluation_finished"
	}
	w.evalSvc.Call(method, map[string]any{
		"submission_id": job.SubmissionID,
		"success":       success,
		"outcome":       string(outcome),
	}, nil, nil)
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
