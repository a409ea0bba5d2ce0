package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"transcoder/config"
	"transcoder/models"
)

// FFmpegService invokes the external ffmpeg/ffprobe binaries. Argument
// vectors are built exclusively from validated OpSpec values and fixed flag
// tables; raw request strings never reach the command line, and no shell is
// involved.
type FFmpegService struct {
	ffmpegPath   string
	ffprobePath  string
	captureLimit int
	cancelGrace  time.Duration
}

func NewFFmpegService(cfg *config.Config) *FFmpegService {
	return &FFmpegService{
		ffmpegPath:   cfg.FFmpegPath,
		ffprobePath:  cfg.FFprobePath,
		captureLimit: cfg.StderrCaptureBytes,
		cancelGrace:  cfg.CancelGrace,
	}
}

// BuildArgs maps a validated operation spec to an ffmpeg argument vector.
func BuildArgs(spec models.OpSpec, inputPath, outputPath string) []string {
	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}

	switch spec.Operation {
	case models.OpClip:
		// Seek before -i for fast keyframe seeking on long inputs.
		args = append(args,
			"-ss", formatSeconds(spec.StartSeconds),
			"-t", formatSeconds(spec.DurationSeconds),
			"-i", inputPath,
		)
	case models.OpThumbnail:
		args = append(args,
			"-ss", formatSeconds(spec.StartSeconds),
			"-i", inputPath,
			"-frames:v", "1",
		)
		if filter := scaleFilter(spec.Width, spec.Height); filter != "" {
			args = append(args, "-vf", filter)
		}
	default: // convert
		args = append(args, "-i", inputPath)
	}

	// movflags is an mp4/mov muxer option; other muxers reject it.
	switch spec.TargetFormat {
	case "mp4", "mov":
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, outputPath)
}

func scaleFilter(width, height int) string {
	if width == 0 && height == 0 {
		return ""
	}
	w, h := "-1", "-1"
	if width > 0 {
		w = strconv.Itoa(width)
	}
	if height > 0 {
		h = strconv.Itoa(height)
	}
	return fmt.Sprintf("scale=%s:%s", w, h)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// Transcode runs ffmpeg for one job. The returned error is always a
// *models.JobError except when ctx was cancelled by the caller, in which
// case the context error is returned unwrapped so the coordinator can tell
// a user cancellation from a processing fault.
func (f *FFmpegService) Transcode(ctx context.Context, spec models.OpSpec, inputPath, outputPath string) error {
	args := BuildArgs(spec, inputPath, outputPath)

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...) //nolint:gosec
	stderr := &tailBuffer{limit: f.captureLimit}
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		// Ask ffmpeg to stop cleanly first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = f.cancelGrace

	if err := cmd.Start(); err != nil {
		return models.NewJobError(models.KindLaunchError, "failed to launch %s: %v", f.ffmpegPath, err)
	}

	err := cmd.Wait()
	// ErrWaitDelay means the process exited zero but an orphaned child kept
	// its pipes open past the grace period; judge by the output instead.
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		if info, statErr := os.Stat(outputPath); statErr != nil || info.Size() == 0 {
			return models.NewJobError(models.KindTranscodeError, "ffmpeg exited cleanly but produced no output")
		}
		return nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.NewJobError(models.KindTimeout, "transcode exceeded allotted duration: %s", stderr.Tail())
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &models.JobError{
			Kind:     models.KindTranscodeError,
			ExitCode: exitErr.ExitCode(),
			Message:  stderr.Tail(),
		}
	}
	return models.NewJobError(models.KindLaunchError, "ffmpeg did not run: %v", err)
}

// Probe runs ffprobe and returns the file's format and stream description.
func (f *FFmpegService) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath, //nolint:gosec
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	stderr := &tailBuffer{limit: f.captureLimit}
	cmd.Stderr = stderr

	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, stderr.Tail())
	}

	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &models.MediaInfo{Format: out.Format.FormatName}
	info.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	for _, s := range out.Streams {
		info.Streams = append(info.Streams, models.StreamInfo{
			CodecType: s.CodecType,
			CodecName: s.CodecName,
			Width:     s.Width,
			Height:    s.Height,
		})
	}
	return info, nil
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// tailBuffer keeps the last limit bytes written to it. ffmpeg can emit
// megabytes of stderr on a long job; only the tail is diagnostic.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if b.limit > 0 && len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	return strings.TrimSpace(string(b.buf))
}
