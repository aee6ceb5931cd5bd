package worker

import (
	"context"
	"time"

	"github.com/cms-dev/cms-sub006/pkg/model"
)

// Job carries what a runner needs to know about the submission it is
// working on.
type Job struct {
	SubmissionID string
	TaskName     string
	SourceDigest string
}

// Runner performs the actual compilation and evaluation. The worker service
// handles transport, busy tracking and reporting; the runner only computes
// an outcome. Returning an error means the attempt itself failed and should
// be retried; an OutcomeFail is a definitive verdict (e.g. a compile error
// in the contestant's source).
type Runner interface {
	Compile(ctx context.Context, job Job, source []byte) (model.Outcome, error)
	Evaluate(ctx context.Context, job Job) (model.Outcome, error)
}

// SimulatedRunner stands in for a sandboxed runner: it sleeps for a
// configured duration and accepts everything. Useful for exercising the
// whole pipeline without a sandbox.
type SimulatedRunner struct {
	CompileTime  time.Duration
	EvaluateTime time.Duration
}

func (r *SimulatedRunner) Compile(ctx context.Context, _ Job, _ []byte) (model.Outcome, error) {
	if err := sleepCtx(ctx, r.CompileTime); err != nil {
		return model.OutcomeNone, err
	}
	return model.OutcomeOK, nil
}

func (r *SimulatedRunner) Evaluate(ctx context.Context, _ Job) (model.Outcome, error) {
	if err := sleepCtx(ctx, r.EvaluateTime); err != nil {
		return model.OutcomeNone, err
	}
	return model.OutcomeOK, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
