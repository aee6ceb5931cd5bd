package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyQueue is returned by Pop when no job is waiting.
	ErrEmptyQueue = errors.New("job queue is empty")

	// ErrJobNotPresent is returned when a job lookup finds nothing.
	ErrJobNotPresent = errors.New("job not present in queue")
)

// JobQueue is a priority queue of jobs, safe for concurrent use. Jobs with a
// lower priority value come out first; within one priority, older jobs come
// out first.
type JobQueue struct {
	mu      sync.Mutex
	entries entryHeap
}

// NewJobQueue returns an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Push adds a job. A zero timestamp means now.
func (q *JobQueue) Push(job Job, priority Priority, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.entries, &queueEntry{job: job, priority: priority, timestamp: timestamp})
}

// Top returns the most urgent job without removing it.
func (q *JobQueue) Top() (JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return JobInfo{}, ErrEmptyQueue
	}
	e := q.entries[0]
	return JobInfo{Job: e.job, Priority: e.priority, Timestamp: e.timestamp}, nil
}

// Pop removes and returns the most urgent job. The caller gets the full
// scheduling key so a job that cannot be placed can be pushed back
// unchanged.
func (q *JobQueue) Pop() (JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return JobInfo{}, ErrEmptyQueue
	}
	e := heap.Pop(&q.entries).(*queueEntry)
	return JobInfo{Job: e.job, Priority: e.priority, Timestamp: e.timestamp}, nil
}

// Search reports whether the job is queued.
func (q *JobQueue) Search(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.find(job) != nil
}

// Delete removes the job from the queue.
func (q *JobQueue) Delete(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.find(job)
	if entry == nil {
		return ErrJobNotPresent
	}
	heap.Remove(&q.entries, entry.index)
	return nil
}

// SetPriority changes the priority of a queued job, keeping its timestamp.
func (q *JobQueue) SetPriority(job Job, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.find(job)
	if entry == nil {
		return ErrJobNotPresent
	}
	entry.priority = priority
	heap.Fix(&q.entries, entry.index)
	return nil
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Empty reports whether no job is waiting.
func (q *JobQueue) Empty() bool {
	return q.Len() == 0
}

// Snapshot returns the queued jobs in heap order, for status reporting.
func (q *JobQueue) Snapshot() []JobInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]JobInfo, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, JobInfo{Job: e.job, Priority: e.priority, Timestamp: e.timestamp})
	}
	return out
}

// find must be called with the lock held.
func (q *JobQueue) find(job Job) *queueEntry {
	for _, e := range q.entries {
		if e.job == job {
			return e
		}
	}
	return nil
}

// entryHeap implements heap.Interface ordered by (priority, timestamp).
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
