package worker

import (
	"context"
	"sync"
	"time"

	"transcoder/models"
)

// Registry is the process-wide table of tracked jobs. It is explicitly
// owned by the Pool that created it; tests instantiate their own. All
// mutation happens through its methods under one lock, which is what keeps
// per-job state transitions strictly ordered.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	order []string
}

type jobEntry struct {
	job             *models.TranscodeJob
	cancelRequested bool
	cancel          context.CancelFunc
	stagingDir      string
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*jobEntry)}
}

func (r *Registry) Add(job *models.TranscodeJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &jobEntry{job: job}
	r.order = append(r.order, job.ID)
}

// Remove drops a job and returns its staging directory for cleanup.
func (r *Registry) Remove(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	delete(r.jobs, jobID)
	for i, id := range r.order {
		if id == jobID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return entry.stagingDir, true
}

// Get returns a value snapshot of a job.
func (r *Registry) Get(jobID string) (models.TranscodeJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return models.TranscodeJob{}, false
	}
	return *entry.job, true
}

// List returns snapshots of up to limit jobs, newest first.
func (r *Registry) List(limit int) []models.TranscodeJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TranscodeJob, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if entry, ok := r.jobs[r.order[i]]; ok {
			out = append(out, *entry.job)
		}
	}
	return out
}

// BeginRunning transitions a pending job to running and records the cancel
// function for its subprocess context. It returns false if the job is no
// longer pending (cancelled while queued), in which case the worker must
// skip it.
func (r *Registry) BeginRunning(jobID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok || entry.job.State != models.StatePending {
		return false
	}
	now := time.Now()
	entry.job.State = models.StateRunning
	entry.job.StartedAt = &now
	entry.cancel = cancel
	return true
}

// Finish records a terminal state. It is a no-op if the job is already
// terminal, so a late worker cannot overwrite a recorded result.
func (r *Registry) Finish(jobID string, state models.JobState, result *models.TranscodeResult) (models.TranscodeJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok || entry.job.State.Terminal() {
		return models.TranscodeJob{}, false
	}
	now := time.Now()
	entry.job.State = state
	entry.job.FinishedAt = &now
	entry.job.Result = result
	entry.cancel = nil
	return *entry.job, true
}

// RequestCancel implements the cancellation contract: terminal jobs are a
// no-op, pending jobs go straight to cancelled, running jobs have their
// subprocess context cancelled and stay running until the process exits.
// The returned state is the job's state before the call.
func (r *Registry) RequestCancel(jobID string) (models.JobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	prior := entry.job.State
	if prior.Terminal() {
		return prior, true
	}
	entry.cancelRequested = true
	switch prior {
	case models.StatePending:
		now := time.Now()
		entry.job.State = models.StateCancelled
		entry.job.FinishedAt = &now
	case models.StateRunning:
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	return prior, true
}

func (r *Registry) CancelRequested(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.jobs[jobID]
	return ok && entry.cancelRequested
}

// TakeStagingDir returns a job's staging directory and clears it, handing
// cleanup responsibility to the caller.
func (r *Registry) TakeStagingDir(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return ""
	}
	dir := entry.stagingDir
	entry.stagingDir = ""
	return dir
}

func (r *Registry) SetStagingDir(jobID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.jobs[jobID]; ok {
		entry.stagingDir = dir
	}
}

// Expired returns the IDs of terminal jobs whose retention window has
// elapsed.
func (r *Registry) Expired(retention time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, entry := range r.jobs {
		if entry.job.State.Terminal() && entry.job.FinishedAt != nil &&
			now.Sub(*entry.job.FinishedAt) > retention {
			ids = append(ids, id)
		}
	}
	return ids
}
