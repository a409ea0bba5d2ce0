package worker

import (
	"testing"
	"time"

	"transcoder/models"
)

func addJob(r *Registry, id string) *models.TranscodeJob {
	job := &models.TranscodeJob{
		ID:        id,
		State:     models.StatePending,
		CreatedAt: time.Now(),
	}
	r.Add(job)
	return job
}

func TestRegistryListNewestFirst(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	addJob(r, "a")
	addJob(r, "b")
	addJob(r, "c")

	jobs := r.List(2)
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("unexpected listing: %+v", jobs)
	}
}

func TestRegistryFinishIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	addJob(r, "a")
	r.BeginRunning("a", func() {})

	first := &models.TranscodeResult{OutputPath: "/out/a.mp4"}
	if _, ok := r.Finish("a", models.StateSucceeded, first); !ok {
		t.Fatal("first Finish should apply")
	}
	if _, ok := r.Finish("a", models.StateFailed, &models.TranscodeResult{}); ok {
		t.Fatal("second Finish must not overwrite a terminal state")
	}

	job, _ := r.Get("a")
	if job.State != models.StateSucceeded || job.Result.OutputPath != "/out/a.mp4" {
		t.Fatalf("terminal record was altered: %+v", job)
	}
}

func TestRegistryBeginRunningSkipsCancelled(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	addJob(r, "a")
	if prior, ok := r.RequestCancel("a"); !ok || prior != models.StatePending {
		t.Fatalf("unexpected cancel outcome: %v %v", prior, ok)
	}
	if r.BeginRunning("a", func() {}) {
		t.Fatal("cancelled job must not begin running")
	}
}

func TestRegistryExpired(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	addJob(r, "old")
	addJob(r, "fresh")
	addJob(r, "live")
	r.BeginRunning("old", func() {})
	r.BeginRunning("fresh", func() {})
	r.Finish("old", models.StateSucceeded, nil)
	r.Finish("fresh", models.StateSucceeded, nil)

	// Age the old job past the retention window.
	expired := r.Expired(time.Minute, time.Now().Add(2*time.Minute))
	if len(expired) != 2 {
		t.Fatalf("expected both terminal jobs expired, got %v", expired)
	}
	if ids := r.Expired(time.Hour, time.Now()); len(ids) != 0 {
		t.Fatalf("nothing should expire inside the window, got %v", ids)
	}
}
