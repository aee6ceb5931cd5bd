package store

import (
	"context"
	"errors"

	"github.com/cms-dev/cms-sub006/pkg/model"
)

// ErrNotFound is returned when a submission id is unknown.
var ErrNotFound = errors.New("submission not found")

// ListOptions bounds a listing query.
type ListOptions struct {
	Limit  int
	Offset int
}

// Clamp forces the options into sane bounds.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Store defines the persistence layer for submissions.
type Store interface {
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, opts ListOptions) ([]*model.Submission, int, error)
	UpdateSubmission(ctx context.Context, sub *model.Submission) error

	// ListUnfinished returns every submission whose pipeline has not run to
	// completion, oldest first. The evaluation service requeues these at
	// startup.
	ListUnfinished(ctx context.Context) ([]*model.Submission, error)

	Close() error
	Migrate(ctx context.Context) error
}
