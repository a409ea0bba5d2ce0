package models

import (
	"strconv"
	"strings"
)

// Operation is one of the statically recognized transcode operations.
// Anything outside this set is rejected at submission time.
type Operation string

const (
	OpConvert   Operation = "convert"
	OpClip      Operation = "clip"
	OpThumbnail Operation = "thumbnail"
)

// Formats the service will produce. User input never reaches the ffmpeg
// argument vector directly; only values from these tables do.
var containerFormats = map[string]bool{
	"mp4": true, "webm": true, "mkv": true, "mov": true,
	"mp3": true, "aac": true, "flac": true, "wav": true,
	"ogg": true, "opus": true,
}

var imageFormats = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true,
}

// Parameters each operation understands. Unknown keys are rejected so a
// typo fails loudly instead of being silently dropped.
var allowedParams = map[Operation]map[string]bool{
	OpConvert: {
		"target_format": true,
	},
	OpClip: {
		"target_format": true,
		"start":         true,
		"duration":      true,
	},
	OpThumbnail: {
		"target_format": true,
		"start":         true,
		"width":         true,
		"height":        true,
	},
}

const maxDimension = 7680

// OpSpec is the typed, validated form of a request's operation and
// parameters. Once built it is the only thing the argument builder reads.
type OpSpec struct {
	Operation       Operation `json:"operation"`
	TargetFormat    string    `json:"target_format"`
	StartSeconds    float64   `json:"start_seconds,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
}

// OutputExt returns the file extension of the produced output.
func (s OpSpec) OutputExt() string {
	return s.TargetFormat
}

// ParseRequest validates a submission and produces its typed OpSpec. All
// failures are invalid_request; the message names the offending field.
func ParseRequest(req *TranscodeRequest) (OpSpec, error) {
	if strings.TrimSpace(req.Input) == "" {
		return OpSpec{}, InvalidRequestf("input is required")
	}

	allowed, ok := allowedParams[req.Operation]
	if !ok {
		return OpSpec{}, InvalidRequestf("unrecognized operation %q", req.Operation)
	}
	for key := range req.Params {
		if !allowed[key] {
			return OpSpec{}, InvalidRequestf("unknown parameter %q for operation %q", key, req.Operation)
		}
	}

	spec := OpSpec{Operation: req.Operation}

	switch req.Operation {
	case OpConvert:
		format, err := requireFormat(req.Params, containerFormats)
		if err != nil {
			return OpSpec{}, err
		}
		spec.TargetFormat = format

	case OpClip:
		format := req.Params["target_format"]
		if format == "" {
			format = "mp4"
		}
		if !containerFormats[format] {
			return OpSpec{}, InvalidRequestf("unsupported target_format %q", format)
		}
		spec.TargetFormat = format

		start, err := requireSeconds(req.Params, "start")
		if err != nil {
			return OpSpec{}, err
		}
		duration, err := requireSeconds(req.Params, "duration")
		if err != nil {
			return OpSpec{}, err
		}
		if duration <= 0 {
			return OpSpec{}, InvalidRequestf("duration must be positive")
		}
		spec.StartSeconds = start
		spec.DurationSeconds = duration

	case OpThumbnail:
		format := req.Params["target_format"]
		if format == "" {
			format = "jpg"
		}
		if !imageFormats[format] {
			return OpSpec{}, InvalidRequestf("unsupported target_format %q for thumbnail", format)
		}
		spec.TargetFormat = format

		if raw, ok := req.Params["start"]; ok {
			start, err := parseSeconds("start", raw)
			if err != nil {
				return OpSpec{}, err
			}
			spec.StartSeconds = start
		}
		width, err := optionalDimension(req.Params, "width")
		if err != nil {
			return OpSpec{}, err
		}
		height, err := optionalDimension(req.Params, "height")
		if err != nil {
			return OpSpec{}, err
		}
		spec.Width = width
		spec.Height = height
	}

	return spec, nil
}

func requireFormat(params map[string]string, formats map[string]bool) (string, error) {
	format := params["target_format"]
	if format == "" {
		return "", InvalidRequestf("target_format is required")
	}
	if !formats[format] {
		return "", InvalidRequestf("unsupported target_format %q", format)
	}
	return format, nil
}

func requireSeconds(params map[string]string, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, InvalidRequestf("%s is required", key)
	}
	return parseSeconds(key, raw)
}

func parseSeconds(key, raw string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, InvalidRequestf("%s must be a number of seconds, got %q", key, raw)
	}
	if value < 0 {
		return 0, InvalidRequestf("%s must not be negative", key)
	}
	return value, nil
}

func optionalDimension(params map[string]string, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > maxDimension {
		return 0, InvalidRequestf("%s must be a positive integer up to %d, got %q", key, maxDimension, raw)
	}
	return value, nil
}
