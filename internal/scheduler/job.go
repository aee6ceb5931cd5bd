// Package scheduler holds the job queue, the worker pool and the dispatcher
// that moves jobs from one to the other.
package scheduler

import "time"

// Action is what a worker is asked to do with a submission.
type Action string

const (
	ActionCompile  Action = "compile"
	ActionEvaluate Action = "evaluate"

	// actionStop is the poison job the dispatcher enqueues at itself to
	// wake up and exit. It never reaches a worker.
	actionStop Action = "stop"
)

// Priority orders jobs in the queue; lower is more urgent.
type Priority int

const (
	PriorityHigh     Priority = 0 // compilations
	PriorityMedium   Priority = 1 // evaluations the contestant paid a token for
	PriorityLow      Priority = 2 // ordinary evaluations
	PriorityExtraLow Priority = 3 // below everything: the stop sentinel
)

// Job is one unit of work for a worker.
type Job struct {
	Action       Action
	SubmissionID string
}

func stopJob() Job { return Job{Action: actionStop} }

// queueEntry is a job with its scheduling key. Ties on priority break on
// timestamp, so equal-priority jobs dispatch oldest first.
type queueEntry struct {
	job       Job
	priority  Priority
	timestamp time.Time
	index     int // heap index, maintained by the container/heap callbacks
}

// JobInfo is a read-only snapshot of a queued job, for status reporting.
type JobInfo struct {
	Job       Job       `json:"job"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}
