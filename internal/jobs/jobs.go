// Package jobs tracks the async scrape jobs created by the inbound HTTP
// API (C9). Each job wraps exactly one Orchestrator.Run call, executed on
// its own goroutine, with the ability to look up status/result by id or
// to request cancellation before it completes.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/titan-scrape/titan/internal/titan"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrTerminal is returned by Cancel when the job has already finished.
var ErrTerminal = errors.New("job already in a terminal state")

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

// Job is one tracked scrape request.
type Job struct {
	ID        string
	Status    Status
	Request   *titan.Request
	Result    *titan.Result
	CreatedAt time.Time
	UpdatedAt time.Time
	cancel    context.CancelFunc
}

func (j *Job) snapshot() *Job {
	cp := *j
	cp.cancel = nil
	return &cp
}

// Runner is the slice of Orchestrator behavior the job manager depends
// on, narrowed to an interface for the same reason the orchestrator
// narrows its own task queue dependency.
type Runner interface {
	Run(ctx context.Context, req *titan.Request) *titan.Result
}

// Manager owns the in-memory job table. Jobs do not survive a process
// restart — spec.md's job API is a convenience wrapper around one
// orchestration call, not a durable work queue (that role belongs to C6).
type Manager struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	runner Runner
}

func NewManager(runner Runner) *Manager {
	return &Manager{jobs: make(map[string]*Job), runner: runner}
}

// Submit creates a job, starts it on its own goroutine, and returns
// immediately with the assigned id.
func (m *Manager) Submit(parent context.Context, req *titan.Request) string {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	now := time.Now()
	job := &Job{ID: id, Status: StatusQueued, Request: req, CreatedAt: now, UpdatedAt: now, cancel: cancel}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	go m.run(ctx, job)
	return id
}

func (m *Manager) run(ctx context.Context, job *Job) {
	m.setStatus(job.ID, StatusRunning, nil)
	result := m.runner.Run(ctx, job.Request)

	status := StatusFailed
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case result.Success:
		status = StatusSucceeded
	}
	m.setStatus(job.ID, status, result)
}

func (m *Manager) setStatus(id string, status Status, result *titan.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	job.Status = status
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now()
}

// Get returns a point-in-time copy of a job's state.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.snapshot(), nil
}

// Cancel requests cooperative cancellation of a non-terminal job.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch job.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return ErrTerminal
	}
	job.cancel()
	return nil
}

// Sweep deletes terminal jobs older than maxAge, bounding memory growth
// on a long-running server.
func (m *Manager) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, job := range m.jobs {
		switch job.Status {
		case StatusSucceeded, StatusFailed, StatusCancelled:
			if job.UpdatedAt.Before(cutoff) {
				delete(m.jobs, id)
				removed++
			}
		}
	}
	return removed
}
