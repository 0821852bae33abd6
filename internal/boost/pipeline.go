package boost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cuedeck/internal/loop"
)

// JobStatus is the lifecycle state of a boost job
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Job represents one boost rendering
type Job struct {
	ID         string     `json:"id"`
	TrackID    int        `json:"track_id"`
	SourcePath string     `json:"source_path"`
	ResultPath string     `json:"result_path,omitempty"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Result is handed to the submitter on the control loop
type Result struct {
	JobID      string
	TrackID    int
	SourcePath string
	ResultPath string
	Err        error
}

// OK reports whether the job produced a file
func (r Result) OK() bool {
	return r.Err == nil && r.ResultPath != ""
}

// Pipeline runs boost jobs off the control loop and posts their results back.
type Pipeline struct {
	tool       Tool
	capability Capability
	dispatch   loop.Dispatcher
	gainDB     float64
	logger     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs    map[string]*Job
	jobsMux sync.RWMutex
	closed  bool
}

// NewPipeline creates a pipeline that renders with tool at gainDB
func NewPipeline(tool Tool, capability Capability, dispatch loop.Dispatcher, gainDB float64, logger *logrus.Entry) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		tool:       tool,
		capability: capability,
		dispatch:   dispatch,
		gainDB:     gainDB,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*Job),
	}
}

// Capability returns the startup capability the pipeline was built with
func (p *Pipeline) Capability() Capability {
	return p.capability
}

// Supports reports whether sourcePath can be boosted
func (p *Pipeline) Supports(sourcePath string) bool {
	return p.capability.Supports(sourcePath)
}

// Submit starts a job for sourcePath. done runs on the control loop exactly
// once, unless the loop has already been closed.
func (p *Pipeline) Submit(trackID int, sourcePath string, done func(Result)) (*Job, error) {
	if !p.capability.Available() {
		return nil, ErrToolUnavailable
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	job := &Job{
		ID:         id.String(),
		TrackID:    trackID,
		SourcePath: sourcePath,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}

	p.jobsMux.Lock()
	if p.closed {
		p.jobsMux.Unlock()
		return nil, fmt.Errorf("boost pipeline closed")
	}
	p.jobs[job.ID] = job
	p.wg.Add(1)
	p.jobsMux.Unlock()

	p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"track_id": trackID,
		"path":     sourcePath,
	}).Info("Boost job started")

	snapshot := *job
	go p.process(snapshot, done)
	return &snapshot, nil
}

func (p *Pipeline) process(job Job, done func(Result)) {
	defer p.wg.Done()

	var (
		out string
		err error
	)
	if _, statErr := os.Stat(job.SourcePath); errors.Is(statErr, os.ErrNotExist) {
		err = fmt.Errorf("%w: %s", ErrSourceMissing, job.SourcePath)
	} else {
		out, err = p.tool.ProcessGain(p.ctx, job.ID, job.SourcePath, p.gainDB)
	}

	p.finish(job.ID, out, err)

	res := Result{
		JobID:      job.ID,
		TrackID:    job.TrackID,
		SourcePath: job.SourcePath,
		ResultPath: out,
		Err:        err,
	}

	log := p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"track_id": job.TrackID,
	})
	if err != nil {
		log.WithError(err).Warn("Boost job failed")
	} else {
		log.WithField("output", out).Info("Boost job finished")
	}

	if done == nil {
		return
	}
	if !p.dispatch.Post(func() { done(res) }) {
		if out != "" {
			os.Remove(out)
		}
		log.Warn("Control loop closed, discarded boost result")
	}
}

func (p *Pipeline) finish(jobID, out string, err error) {
	p.jobsMux.Lock()
	defer p.jobsMux.Unlock()

	job, exists := p.jobs[jobID]
	if !exists {
		return
	}
	now := time.Now()
	job.FinishedAt = &now
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		return
	}
	job.Status = StatusSucceeded
	job.ResultPath = out
}

// GetJob returns a copy of a job by ID
func (p *Pipeline) GetJob(jobID string) (Job, bool) {
	p.jobsMux.RLock()
	defer p.jobsMux.RUnlock()

	job, exists := p.jobs[jobID]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// GetAllJobs returns copies of all known jobs
func (p *Pipeline) GetAllJobs() []Job {
	p.jobsMux.RLock()
	defer p.jobsMux.RUnlock()

	jobs := make([]Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// CleanupFinishedJobs forgets finished jobs older than maxAge
func (p *Pipeline) CleanupFinishedJobs(maxAge time.Duration) {
	p.jobsMux.Lock()
	defer p.jobsMux.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range p.jobs {
		if job.Status != StatusRunning && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(p.jobs, id)
		}
	}
}

// Close cancels running tool processes and waits for the workers to exit.
func (p *Pipeline) Close(ctx context.Context) error {
	p.jobsMux.Lock()
	p.closed = true
	p.jobsMux.Unlock()

	p.cancel()

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for boost workers: %w", ctx.Err())
	}
}
