package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"transcoder/config"
	"transcoder/models"
	"transcoder/services"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Transcoder runs one validated operation against an input file. Satisfied
// by services.FFmpegService; tests inject fakes.
type Transcoder interface {
	Transcode(ctx context.Context, spec models.OpSpec, inputPath, outputPath string) error
	Probe(ctx context.Context, path string) (*models.MediaInfo, error)
}

// BlobStore stages s3:// inputs and publishes outputs. Satisfied by
// services.S3Service. A nil store means s3 references are rejected.
type BlobStore interface {
	Head(ctx context.Context, ref string) error
	Download(ctx context.Context, ref string, localPath string) error
	Upload(ctx context.Context, localPath string, key string, contentType string) (string, error)
}

// JobLedger persists job history. Satisfied by services.DatabaseService.
// A nil ledger disables persistence; the registry alone tracks jobs.
type JobLedger interface {
	InsertJob(ctx context.Context, job *models.TranscodeJob) error
	MarkJobRunning(ctx context.Context, jobID string, at time.Time) error
	FinishJob(ctx context.Context, job *models.TranscodeJob) error
}

// Pool is the transcode coordinator: it owns the job registry, a bounded
// submission queue, and the worker goroutines that drive each job's
// subprocess through the pending -> running -> terminal state machine.
type Pool struct {
	cfg         *config.Config
	transcoder  Transcoder
	store       BlobStore
	ledger      JobLedger
	redisClient *redis.Client
	registry    *Registry
	queue       chan string
	slots       chan struct{}
	wg          sync.WaitGroup
}

func NewPool(cfg *config.Config, transcoder Transcoder, store BlobStore, ledger JobLedger, redisClient *redis.Client) *Pool {
	return &Pool{
		cfg:         cfg,
		transcoder:  transcoder,
		store:       store,
		ledger:      ledger,
		redisClient: redisClient,
		registry:    NewRegistry(),
		queue:       make(chan string, cfg.QueueDepth),
		slots:       make(chan struct{}, cfg.QueueDepth),
	}
}

// Start launches the worker goroutines and the retention reaper. Workers
// stop when ctx is cancelled; in-flight subprocesses are signalled through
// their job contexts.
func (p *Pool) Start(ctx context.Context) {
	if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
		log.Printf("[Pool] Failed to create work dir %s: %v", p.cfg.WorkDir, err)
	}

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(ctx)
	}()

	log.Printf("[Pool] Started %d transcode workers (queue depth %d)", p.cfg.WorkerCount, p.cfg.QueueDepth)
}

// Wait blocks until all workers have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit validates a request and registers a pending job. Validation
// failures and queue overflow are synchronous; no job is created for
// either.
func (p *Pool) Submit(ctx context.Context, req *models.TranscodeRequest) (string, error) {
	spec, err := models.ParseRequest(req)
	if err != nil {
		return "", err
	}
	if _, err := p.resolveInput(ctx, req.Input); err != nil {
		return "", err
	}

	// Reserve a queue slot before the job exists anywhere, so a rejected
	// submission is never observable through Status or List.
	select {
	case p.slots <- struct{}{}:
	default:
		return "", models.NewJobError(models.KindOverloaded,
			"queue depth %d exceeded, retry later", p.cfg.QueueDepth)
	}

	job := &models.TranscodeJob{
		ID:        uuid.New().String(),
		Request:   *req,
		Spec:      spec,
		State:     models.StatePending,
		CreatedAt: time.Now(),
	}

	// The ledger row and the initial status mirror are written from a
	// private snapshot before the job is published. Once workers can see
	// the ID, the live record is read and written only under the registry
	// lock, and the pending row is guaranteed to exist before any worker
	// updates it.
	snapshot := *job
	if p.ledger != nil {
		if err := p.ledger.InsertJob(ctx, &snapshot); err != nil {
			log.Printf("[Pool] Failed to insert job %s into ledger: %v", snapshot.ID, err)
		}
	}
	p.mirrorStatus(&snapshot)

	p.registry.Add(job)
	p.queue <- job.ID // cannot block: a slot was reserved above

	log.Printf("[Pool] Accepted job %s (%s %s)", snapshot.ID, snapshot.Request.Operation, snapshot.Request.Input)
	return snapshot.ID, nil
}

// Status returns a snapshot of a tracked job.
func (p *Pool) Status(jobID string) (models.TranscodeJob, error) {
	job, ok := p.registry.Get(jobID)
	if !ok {
		return models.TranscodeJob{}, models.NewJobError(models.KindUnknownJob, "no such job %s", jobID)
	}
	return job, nil
}

// List returns snapshots of recent jobs, newest first.
func (p *Pool) List(limit int) []models.TranscodeJob {
	return p.registry.List(limit)
}

// Cancel requests best-effort termination. Terminal jobs are untouched;
// pending jobs are cancelled immediately; running jobs transition once
// their subprocess exits.
func (p *Pool) Cancel(jobID string) error {
	prior, ok := p.registry.RequestCancel(jobID)
	if !ok {
		return models.NewJobError(models.KindUnknownJob, "no such job %s", jobID)
	}
	if prior == models.StatePending {
		if job, ok := p.registry.Get(jobID); ok {
			p.recordTerminal(&job)
		}
	}
	log.Printf("[Pool] Cancel requested for job %s (was %s)", jobID, prior)
	return nil
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		case jobID := <-p.queue:
			p.freeSlot()
			p.processJob(ctx, workerID, jobID)
		}
	}
}

// freeSlot releases the submission slot paired with a dequeued job ID;
// every ID in the queue was preceded by exactly one slot reservation.
func (p *Pool) freeSlot() {
	<-p.slots
}

func (p *Pool) processJob(ctx context.Context, workerID int, jobID string) {
	job, ok := p.registry.Get(jobID)
	if !ok {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !p.registry.BeginRunning(jobID, cancel) {
		// Cancelled while queued.
		log.Printf("[Worker %d] Skipping job %s: no longer pending", workerID, jobID)
		return
	}

	log.Printf("[Worker %d] Processing job %s (%s %s)", workerID, jobID, job.Request.Operation, job.Request.Input)
	if p.ledger != nil {
		if err := p.ledger.MarkJobRunning(context.Background(), jobID, time.Now()); err != nil {
			log.Printf("[Worker %d] Failed to update ledger for job %s: %v", workerID, jobID, err)
		}
	}
	if running, ok := p.registry.Get(jobID); ok {
		p.mirrorStatus(&running)
	}

	runCtx, cancelTimeout := context.WithTimeout(jobCtx, p.cfg.JobTimeout)
	defer cancelTimeout()

	startTime := time.Now()
	result, state := p.runPipeline(runCtx, workerID, jobID, job.Spec, job.Request.Input)

	final, ok := p.registry.Finish(jobID, state, result)
	if !ok {
		return
	}
	p.recordTerminal(&final)

	switch state {
	case models.StateSucceeded:
		log.Printf("[Worker %d] Job %s succeeded (%.2fs)", workerID, jobID, time.Since(startTime).Seconds())
	case models.StateCancelled:
		log.Printf("[Worker %d] Job %s cancelled", workerID, jobID)
	default:
		log.Printf("[Worker %d] Job %s failed: %s", workerID, jobID, result.Error)
	}

	// Staging files of failed and cancelled jobs have no readers; reclaim
	// them now instead of waiting for the retention reaper.
	if state != models.StateSucceeded {
		if dir := p.registry.TakeStagingDir(jobID); dir != "" {
			os.RemoveAll(dir)
		}
	}
}

// runPipeline stages the input, runs the subprocess and publishes the
// output. It returns the terminal result and state for the job.
func (p *Pool) runPipeline(ctx context.Context, workerID int, jobID string, spec models.OpSpec, input string) (*models.TranscodeResult, models.JobState) {
	staging, err := os.MkdirTemp(p.cfg.WorkDir, "job-*")
	if err != nil {
		return failure(models.NewJobError(models.KindLaunchError, "could not create staging dir: %v", err))
	}
	p.registry.SetStagingDir(jobID, staging)

	inputPath, err := p.stageInput(ctx, staging, input)
	if err != nil {
		if p.cancelledOrDone(ctx, jobID) {
			return nil, models.StateCancelled
		}
		return failure(models.NewJobError(models.KindLaunchError, "could not stage input: %v", err))
	}

	outputPath := filepath.Join(staging, "output."+spec.OutputExt())
	if err := p.transcoder.Transcode(ctx, spec, inputPath, outputPath); err != nil {
		if errors.Is(err, context.Canceled) || p.registry.CancelRequested(jobID) {
			return nil, models.StateCancelled
		}
		return failure(models.AsJobError(err))
	}

	result := &models.TranscodeResult{OutputPath: outputPath, Format: spec.TargetFormat}
	if info, err := p.transcoder.Probe(ctx, outputPath); err != nil {
		log.Printf("[Worker %d] Probe of job %s output failed: %v", workerID, jobID, err)
		if fi, statErr := os.Stat(outputPath); statErr == nil {
			result.SizeBytes = fi.Size()
		}
	} else {
		result.DurationSeconds = info.DurationSeconds
		result.SizeBytes = info.SizeBytes
		if info.Format != "" {
			result.Format = info.Format
		}
	}

	// Outputs of s3-sourced jobs are published back to the bucket.
	if p.store != nil && strings.HasPrefix(input, "s3://") {
		key := p.cfg.S3OutputPrefix + jobID + "." + spec.OutputExt()
		ref, err := p.store.Upload(ctx, outputPath, key, services.ContentTypeFor(spec.OutputExt()))
		if err != nil {
			return failure(models.NewJobError(models.KindTranscodeError, "could not publish output: %v", err))
		}
		result.OutputRef = ref
	}

	return result, models.StateSucceeded
}

func failure(err *models.JobError) (*models.TranscodeResult, models.JobState) {
	return &models.TranscodeResult{Error: err}, models.StateFailed
}

func (p *Pool) cancelledOrDone(ctx context.Context, jobID string) bool {
	return errors.Is(ctx.Err(), context.Canceled) || p.registry.CancelRequested(jobID)
}

// resolveInput checks that an input reference resolves to readable bytes
// and returns the local path a worker should hand to the subprocess (empty
// for s3 references, which are staged at run time).
func (p *Pool) resolveInput(ctx context.Context, input string) (string, error) {
	if strings.HasPrefix(input, "s3://") {
		if p.store == nil {
			return "", models.InvalidRequestf("s3 inputs are not configured")
		}
		if err := p.store.Head(ctx, input); err != nil {
			return "", models.InvalidRequestf("input does not resolve: %v", err)
		}
		return "", nil
	}

	path := input
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.cfg.MediaDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", models.InvalidRequestf("input does not resolve: %v", err)
	}
	if !info.Mode().IsRegular() {
		return "", models.InvalidRequestf("input %s is not a regular file", input)
	}
	return path, nil
}

func (p *Pool) stageInput(ctx context.Context, staging, input string) (string, error) {
	if !strings.HasPrefix(input, "s3://") {
		return p.resolveInput(ctx, input)
	}
	localPath := filepath.Join(staging, "input"+filepath.Ext(input))
	if err := p.store.Download(ctx, input, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

// recordTerminal persists and mirrors a terminal job state. It runs on a
// background context so shutdown cannot lose the final transition.
func (p *Pool) recordTerminal(job *models.TranscodeJob) {
	if p.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.ledger.FinishJob(ctx, job); err != nil {
			log.Printf("[Pool] Failed to record job %s in ledger: %v", job.ID, err)
		}
	}
	p.mirrorStatus(job)
	if job.State == models.StateFailed {
		p.pushFailed(job)
	}
}

// mirrorStatus writes the job's status hash to Redis for external
// consumers. The registry stays the source of truth.
func (p *Pool) mirrorStatus(job *models.TranscodeJob) {
	if p.redisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := map[string]interface{}{
		"state":      string(job.State),
		"updated_at": time.Now().Format(time.RFC3339),
	}
	if job.Result != nil && job.Result.Error != nil {
		fields["error_kind"] = string(job.Result.Error.Kind)
		fields["error"] = job.Result.Error.Message
	}

	key := p.cfg.StatusKeyPrefix + job.ID
	if err := p.redisClient.HSet(ctx, key, fields).Err(); err != nil {
		log.Printf("[Pool] Failed to mirror status for job %s: %v", job.ID, err)
		return
	}
	p.redisClient.Expire(ctx, key, p.cfg.StatusTTL)
}

// pushFailed appends the job ID to the capped failed-jobs list.
func (p *Pool) pushFailed(job *models.TranscodeJob) {
	if p.redisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := p.redisClient.Pipeline()
	pipe.LPush(ctx, p.cfg.FailedListKey, job.ID)
	pipe.LTrim(ctx, p.cfg.FailedListKey, 0, int64(p.cfg.FailedListCap-1))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Pool] Failed to push job %s to failed list: %v", job.ID, err)
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	interval := p.cfg.Retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("[Reaper] Starting job retention loop")
	for {
		select {
		case <-ctx.Done():
			log.Println("[Reaper] Shutting down")
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	reaped := 0
	for _, id := range p.registry.Expired(p.cfg.Retention, time.Now()) {
		if dir, ok := p.registry.Remove(id); ok {
			if dir != "" {
				os.RemoveAll(dir)
			}
			reaped++
		}
	}
	if reaped > 0 {
		log.Printf("[Reaper] Reclaimed %d expired jobs", reaped)
	}
}

