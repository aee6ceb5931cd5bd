package scheduler

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoFreeWorker is returned by Acquire when every slot is busy.
	ErrNoFreeWorker = errors.New("no worker free")

	// ErrWorkerIdle is returned when releasing or looking up a job on a
	// worker that has none.
	ErrWorkerIdle = errors.New("worker has no job assigned")

	// ErrJobNotAssigned is returned when no worker is running the job.
	ErrJobNotAssigned = errors.New("job not assigned to any worker")
)

// WorkerPool tracks which worker shard is running which job. Shards are
// fixed at construction; the pool does no I/O, it is pure bookkeeping for
// the dispatcher.
type WorkerPool struct {
	mu    sync.Mutex
	slots []*Job // indexed by shard, nil when idle
	since []time.Time
}

// NewWorkerPool returns a pool with size worker slots, all idle.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make([]*Job, size),
		since: make([]time.Time, size),
	}
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int { return len(p.slots) }

// Acquire assigns the job to the lowest-numbered idle shard and returns it.
func (p *WorkerPool) Acquire(job Job) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for shard, slot := range p.slots {
		if slot == nil {
			j := job
			p.slots[shard] = &j
			p.since[shard] = time.Now()
			return shard, nil
		}
	}
	return 0, ErrNoFreeWorker
}

// Release marks the shard idle and returns the job it was running.
func (p *WorkerPool) Release(shard int) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if shard < 0 || shard >= len(p.slots) || p.slots[shard] == nil {
		return Job{}, ErrWorkerIdle
	}
	job := *p.slots[shard]
	p.slots[shard] = nil
	return job, nil
}

// Find returns the shard running the job.
func (p *WorkerPool) Find(job Job) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for shard, slot := range p.slots {
		if slot != nil && *slot == job {
			return shard, nil
		}
	}
	return 0, ErrJobNotAssigned
}

// Running returns the job assigned to the shard.
func (p *WorkerPool) Running(shard int) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if shard < 0 || shard >= len(p.slots) || p.slots[shard] == nil {
		return Job{}, ErrWorkerIdle
	}
	return *p.slots[shard], nil
}

// BusySince returns when the shard's current job was assigned.
func (p *WorkerPool) BusySince(shard int) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if shard < 0 || shard >= len(p.slots) || p.slots[shard] == nil {
		return time.Time{}, ErrWorkerIdle
	}
	return p.since[shard], nil
}

// Busy returns the number of shards with a job assigned.
func (p *WorkerPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// WorkerInfo is a read-only snapshot of one shard, for status reporting.
type WorkerInfo struct {
	Shard int        `json:"shard"`
	Job   *Job       `json:"job,omitempty"`
	Since *time.Time `json:"since,omitempty"`
}

// Snapshot returns the state of every shard.
func (p *WorkerPool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, len(p.slots))
	for shard, slot := range p.slots {
		out[shard] = WorkerInfo{Shard: shard}
		if slot != nil {
			j := *slot
			since := p.since[shard]
			out[shard].Job = &j
			out[shard].Since = &since
		}
	}
	return out
}
