package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	FFmpegPath  string
	FFprobePath string
	WorkDir     string
	MediaDir    string

	WorkerCount        int
	QueueDepth         int
	JobTimeout         time.Duration
	CancelGrace        time.Duration
	Retention          time.Duration
	StderrCaptureBytes int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	StatusKeyPrefix string
	StatusTTL       time.Duration
	FailedListKey   string
	FailedListCap   int

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	S3OutputPrefix string

	DatabaseURL string
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		WorkDir:     getEnv("WORK_DIR", "/tmp/transcodes"),
		MediaDir:    getEnv("MEDIA_DIR", "."),

		WorkerCount:        getEnvInt("TRANSCODE_WORKER_COUNT", 3),
		QueueDepth:         getEnvInt("TRANSCODE_QUEUE_DEPTH", 32),
		JobTimeout:         time.Duration(getEnvInt("TRANSCODE_TIMEOUT", 300)) * time.Second,
		CancelGrace:        time.Duration(getEnvInt("TRANSCODE_CANCEL_GRACE", 10)) * time.Second,
		Retention:          time.Duration(getEnvInt("JOB_RETENTION_MINUTES", 60)) * time.Minute,
		StderrCaptureBytes: getEnvInt("STDERR_CAPTURE_BYTES", 16*1024),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_TRANSCODE_DB", 3),
		RedisPrefix:     redisPrefix,
		StatusKeyPrefix: applyPrefix(getEnv("TRANSCODE_STATUS_PREFIX", "transcode:status:"), redisPrefix),
		StatusTTL:       time.Duration(getEnvInt("TRANSCODE_STATUS_TTL_MINUTES", 120)) * time.Minute,
		FailedListKey:   applyPrefix(getEnv("TRANSCODE_FAILED_LIST", "transcode:failed"), redisPrefix),
		FailedListCap:   getEnvInt("TRANSCODE_FAILED_LIST_CAP", 100),

		S3Bucket: getEnv("AWS_BUCKET", ""),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3OutputPrefix: getEnv("S3_OUTPUT_PREFIX", "transcoded/"),

		DatabaseURL: buildDatabaseURL(),
	}
}

// buildDatabaseURL assembles a lib/pq "key=value" connection string, which
// avoids URI escaping issues for special characters in passwords. An empty
// DB_HOST disables the Postgres ledger entirely.
func buildDatabaseURL() string {
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		return ""
	}

	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "transcoder")
	dbUser := getEnv("DB_USERNAME", "transcoder")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if cert := getEnv("DB_SSLCERT", ""); cert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", cert)
	}
	if key := getEnv("DB_SSLKEY", ""); key != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", key)
	}
	if rootCert := getEnv("DB_SSLROOTCERT", ""); rootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", rootCert)
	}

	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}
