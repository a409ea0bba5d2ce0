package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"transcoder/config"
	"transcoder/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkDir:            t.TempDir(),
		MediaDir:           t.TempDir(),
		WorkerCount:        2,
		QueueDepth:         8,
		JobTimeout:         5 * time.Second,
		CancelGrace:        time.Second,
		Retention:          time.Hour,
		StderrCaptureBytes: 4096,
		StatusKeyPrefix:    "transcode:status:",
		FailedListKey:      "transcode:failed",
		FailedListCap:      10,
		S3OutputPrefix:     "transcoded/",
	}
}

// fakeTranscoder stands in for the ffmpeg service. It honors the transcoder
// contract: context cancellation is returned unwrapped, deadline expiry as a
// timeout JobError.
type fakeTranscoder struct {
	started chan string
	block   bool
	err     error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, spec models.OpSpec, inputPath, outputPath string) error {
	if f.started != nil {
		f.started <- inputPath
	}
	if f.block {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.NewJobError(models.KindTimeout, "transcode exceeded allotted duration")
		}
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("media"), 0o644)
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	return &models.MediaInfo{Format: "mov,mp4,m4a", DurationSeconds: 4.2, SizeBytes: 5}, nil
}

// recordingLedger captures ledger calls in order. Its methods read the
// same job fields services.DatabaseService reads, so running the suite
// with the race detector also guards the snapshot handoff in Submit.
type recordingLedger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLedger) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLedger) InsertJob(ctx context.Context, job *models.TranscodeJob) error {
	if job.CreatedAt.IsZero() || job.Request.Operation == "" {
		return errors.New("incomplete job row")
	}
	l.record("insert:" + string(job.State))
	return nil
}

func (l *recordingLedger) MarkJobRunning(ctx context.Context, jobID string, at time.Time) error {
	l.record("running")
	return nil
}

func (l *recordingLedger) FinishJob(ctx context.Context, job *models.TranscodeJob) error {
	l.record("finish:" + string(job.State))
	return nil
}

func (l *recordingLedger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func startPool(t *testing.T, cfg *config.Config, tr Transcoder) *Pool {
	t.Helper()
	return startPoolWithLedger(t, cfg, tr, nil)
}

func startPoolWithLedger(t *testing.T, cfg *config.Config, tr Transcoder, ledger JobLedger) *Pool {
	t.Helper()
	pool := NewPool(cfg, tr, nil, ledger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
	pool.Start(ctx)
	return pool
}

func writeInput(t *testing.T, cfg *config.Config, name string) string {
	t.Helper()
	path := filepath.Join(cfg.MediaDir, name)
	if err := os.WriteFile(path, []byte("source media"), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return name
}

func waitForState(t *testing.T, pool *Pool, jobID string, want models.JobState) models.TranscodeJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := pool.Status(jobID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if job.State == want {
			return job
		}
		if job.State.Terminal() {
			t.Fatalf("job reached terminal state %s, wanted %s (result: %+v)", job.State, want, job.Result)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
	return models.TranscodeJob{}
}

func convertRequest(input string) *models.TranscodeRequest {
	return &models.TranscodeRequest{
		Input:     input,
		Operation: models.OpConvert,
		Params:    map[string]string{"target_format": "mp4"},
	}
}

func TestSubmitAndSucceed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForState(t, pool, jobID, models.StateSucceeded)
	if job.Result == nil {
		t.Fatal("expected a result on the succeeded job")
	}
	if !strings.HasSuffix(job.Result.OutputPath, ".mp4") {
		t.Errorf("expected .mp4 output, got %q", job.Result.OutputPath)
	}
	if job.Result.DurationSeconds <= 0 {
		t.Errorf("expected non-empty duration metadata, got %v", job.Result.DurationSeconds)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("expected started/finished timestamps on terminal job")
	}
}

func TestSubmitInvalidOperationCreatesNoJob(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})

	_, err := pool.Submit(context.Background(), &models.TranscodeRequest{
		Input:     writeInput(t, cfg, "clip.mov"),
		Operation: "explode",
	})
	if models.KindOf(err) != models.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if jobs := pool.List(10); len(jobs) != 0 {
		t.Errorf("expected no jobs created, found %d", len(jobs))
	}
}

func TestSubmitUnresolvableInput(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})

	_, err := pool.Submit(context.Background(), convertRequest("missing.mov"))
	if models.KindOf(err) != models.KindInvalidRequest {
		t.Fatalf("expected invalid_request for missing input, got %v", err)
	}
	if jobs := pool.List(10); len(jobs) != 0 {
		t.Errorf("expected no jobs created, found %d", len(jobs))
	}
}

func TestSubmitOverloaded(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.WorkerCount = 1
	cfg.QueueDepth = 1
	fake := &fakeTranscoder{block: true, started: make(chan string, 1)}
	pool := startPool(t, cfg, fake)
	input := writeInput(t, cfg, "clip.mov")

	// First job occupies the worker...
	if _, err := pool.Submit(context.Background(), convertRequest(input)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-fake.started

	// ...second fills the queue...
	if _, err := pool.Submit(context.Background(), convertRequest(input)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// ...third must be rejected without creating a job.
	_, err := pool.Submit(context.Background(), convertRequest(input))
	if models.KindOf(err) != models.KindOverloaded {
		t.Fatalf("expected overloaded, got %v", err)
	}
	if jobs := pool.List(10); len(jobs) != 2 {
		t.Errorf("expected 2 tracked jobs, found %d", len(jobs))
	}
}

func TestLedgerWritesFollowLifecycleOrder(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ledger := &recordingLedger{}
	pool := startPoolWithLedger(t, cfg, &fakeTranscoder{}, ledger)
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, pool, jobID, models.StateSucceeded)

	events := ledger.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected insert/running/finish, got %v", events)
	}
	// The row must exist, as pending, before any worker touches it —
	// however fast the worker picks the job up.
	if events[0] != "insert:pending" {
		t.Errorf("first ledger write must be the pending insert, got %q", events[0])
	}
	if events[1] != "running" {
		t.Errorf("expected running update after insert, got %q", events[1])
	}
	if events[2] != "finish:succeeded" {
		t.Errorf("expected terminal update last, got %q", events[2])
	}
}

func TestOverloadedSubmissionNeverVisible(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.WorkerCount = 1
	cfg.QueueDepth = 1
	fake := &fakeTranscoder{block: true, started: make(chan string, 1)}
	pool := startPool(t, cfg, fake)
	input := writeInput(t, cfg, "clip.mov")

	if _, err := pool.Submit(context.Background(), convertRequest(input)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-fake.started
	if _, err := pool.Submit(context.Background(), convertRequest(input)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Watch the job listing while submissions are being rejected; a
	// rejected submission must never appear, even transiently.
	stop := make(chan struct{})
	violation := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := len(pool.List(10)); n > 2 {
				select {
				case violation <- n:
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := pool.Submit(context.Background(), convertRequest(input)); models.KindOf(err) != models.KindOverloaded {
			t.Fatalf("expected overloaded, got %v", err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case n := <-violation:
		t.Fatalf("rejected submission became visible: %d tracked jobs", n)
	default:
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.WorkerCount = 0 // nothing drains the queue
	pool := startPool(t, cfg, &fakeTranscoder{})
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := pool.Cancel(jobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	job, _ := pool.Status(jobID)
	if job.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	if job.FinishedAt == nil {
		t.Error("expected finished timestamp on cancelled job")
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fake := &fakeTranscoder{block: true, started: make(chan string, 1)}
	pool := startPool(t, cfg, fake)
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-fake.started

	if err := pool.Cancel(jobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitForState(t, pool, jobID, models.StateCancelled)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done := waitForState(t, pool, jobID, models.StateSucceeded)

	if err := pool.Cancel(jobID); err != nil {
		t.Fatalf("Cancel on terminal job should be a no-op, got %v", err)
	}
	after, _ := pool.Status(jobID)
	if after.State != models.StateSucceeded {
		t.Errorf("cancel altered terminal state: %s", after.State)
	}
	if after.Result == nil || after.Result.OutputPath != done.Result.OutputPath {
		t.Error("cancel altered the recorded result")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})

	err := pool.Cancel("fd5a2f18-0000-0000-0000-000000000000")
	if models.KindOf(err) != models.KindUnknownJob {
		t.Fatalf("expected unknown_job, got %v", err)
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.JobTimeout = 50 * time.Millisecond
	pool := startPool(t, cfg, &fakeTranscoder{block: true})
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForState(t, pool, jobID, models.StateFailed)
	if job.Result == nil || job.Result.Error == nil {
		t.Fatal("expected failure descriptor")
	}
	if job.Result.Error.Kind != models.KindTimeout {
		t.Errorf("expected timeout kind, got %s", job.Result.Error.Kind)
	}
}

func TestFailureCarriesDiagnostic(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fake := &fakeTranscoder{err: &models.JobError{
		Kind:     models.KindTranscodeError,
		ExitCode: 1,
		Message:  "Invalid data found when processing input",
	}}
	pool := startPool(t, cfg, fake)
	input := writeInput(t, cfg, "clip.mov")

	jobID, err := pool.Submit(context.Background(), convertRequest(input))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForState(t, pool, jobID, models.StateFailed)
	e := job.Result.Error
	if e == nil || e.Kind != models.KindTranscodeError || e.ExitCode != 1 {
		t.Fatalf("unexpected failure descriptor: %+v", e)
	}
	if !strings.Contains(e.Message, "Invalid data found") {
		t.Errorf("diagnostic missing stderr text: %q", e.Message)
	}
}

func TestDuplicateSubmissionsAreIndependent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})
	input := writeInput(t, cfg, "clip.mov")
	req := convertRequest(input)

	first, err := pool.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := pool.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if first == second {
		t.Fatal("expected independent job handles")
	}

	a := waitForState(t, pool, first, models.StateSucceeded)
	b := waitForState(t, pool, second, models.StateSucceeded)
	if a.Result.OutputPath == b.Result.OutputPath {
		t.Error("jobs shared a staging file")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pool := startPool(t, cfg, &fakeTranscoder{})

	_, err := pool.Status("nope")
	if models.KindOf(err) != models.KindUnknownJob {
		t.Fatalf("expected unknown_job, got %v", err)
	}
}
