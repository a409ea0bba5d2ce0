package models

import "time"

type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// TranscodeRequest is the caller-facing submission payload. Input is either
// a local file path or an s3://bucket/key reference; Params carries the
// operation's parameters as strings and is validated against a fixed
// allow-list before a job is created.
type TranscodeRequest struct {
	Input     string            `json:"input"`
	Operation Operation         `json:"operation"`
	Params    map[string]string `json:"params,omitempty"`
}

// TranscodeJob ties one accepted request to its subprocess invocation.
// Only the coordinator mutates a job; everyone else sees value snapshots.
type TranscodeJob struct {
	ID         string           `json:"job_id"`
	Request    TranscodeRequest `json:"request"`
	Spec       OpSpec           `json:"-"`
	State      JobState         `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Result     *TranscodeResult `json:"result,omitempty"`
}

// TranscodeResult is the immutable terminal outcome of a job: either an
// output reference plus probed metadata, or a failure descriptor.
type TranscodeResult struct {
	OutputPath      string    `json:"output_path,omitempty"`
	OutputRef       string    `json:"output_ref,omitempty"`
	Format          string    `json:"format,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	Error           *JobError `json:"error,omitempty"`
}

// MediaInfo is the probed description of a media file.
type MediaInfo struct {
	Format          string       `json:"format"`
	DurationSeconds float64      `json:"duration_seconds"`
	SizeBytes       int64        `json:"size_bytes"`
	Streams         []StreamInfo `json:"streams,omitempty"`
}

type StreamInfo struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}
