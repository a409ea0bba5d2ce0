package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear anything the surrounding environment might set.
	for _, key := range []string{"REDIS_ADDR", "DB_HOST", "TRANSCODE_WORKER_COUNT", "TRANSCODE_TIMEOUT", "LISTEN_ADDR", "FFMPEG_PATH", "FFPROBE_PATH"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
	if cfg.FFmpegPath != "ffmpeg" || cfg.FFprobePath != "ffprobe" {
		t.Errorf("unexpected binary defaults: %q, %q", cfg.FFmpegPath, cfg.FFprobePath)
	}
	if cfg.WorkerCount != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.WorkerCount)
	}
	if cfg.JobTimeout != 300*time.Second {
		t.Errorf("expected 300s job timeout, got %v", cfg.JobTimeout)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("expected redis disabled by default, got %q", cfg.RedisAddr)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("expected database disabled without DB_HOST, got %q", cfg.DatabaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRANSCODE_WORKER_COUNT", "8")
	t.Setenv("TRANSCODE_QUEUE_DEPTH", "4")
	t.Setenv("TRANSCODE_TIMEOUT", "60")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("S3_USE_PATH_STYLE_ENDPOINT", "yes")

	cfg := Load()

	if cfg.WorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.WorkerCount)
	}
	if cfg.QueueDepth != 4 {
		t.Errorf("expected queue depth 4, got %d", cfg.QueueDepth)
	}
	if cfg.JobTimeout != time.Minute {
		t.Errorf("expected 60s timeout, got %v", cfg.JobTimeout)
	}
	if cfg.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("unexpected ffmpeg path %q", cfg.FFmpegPath)
	}
	if !cfg.S3UsePathStyle {
		t.Error("expected path-style S3 enabled")
	}
}

func TestDatabaseURLFromParts(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_PASSWORD", "p@ss word")
	t.Setenv("DB_SSLROOTCERT", "/etc/ssl/root.pem")

	cfg := Load()

	for _, part := range []string{
		"host=db.internal",
		"port=5433",
		"password=p@ss word",
		"sslmode=disable",
		"sslrootcert=/etc/ssl/root.pem",
	} {
		if !strings.Contains(cfg.DatabaseURL, part) {
			t.Errorf("database URL missing %q: %q", part, cfg.DatabaseURL)
		}
	}
}

func TestRedisPrefixApplied(t *testing.T) {
	t.Setenv("REDIS_PREFIX", "stage:")

	cfg := Load()

	if cfg.StatusKeyPrefix != "stage:transcode:status:" {
		t.Errorf("prefix not applied to status key: %q", cfg.StatusKeyPrefix)
	}
	if cfg.FailedListKey != "stage:transcode:failed" {
		t.Errorf("prefix not applied to failed list: %q", cfg.FailedListKey)
	}
}

func TestS3CredentialFallback(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "legacy-key")

	cfg := Load()

	if cfg.AWSS3AccessKey != "legacy-key" {
		t.Errorf("expected legacy AWS var fallback, got %q", cfg.AWSS3AccessKey)
	}
}
