package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"transcoder/models"
	"transcoder/services"
	"transcoder/worker"
)

// Prober resolves media metadata for the probe endpoint.
type Prober interface {
	Probe(ctx context.Context, path string) (*models.MediaInfo, error)
}

// Server exposes the coordinator over HTTP.
type Server struct {
	pool     *worker.Pool
	prober   Prober
	mediaDir string
}

func New(pool *worker.Pool, prober Prober, mediaDir string) *Server {
	return &Server{pool: pool, prober: prober, mediaDir: mediaDir}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/transcode", s.handleSubmit)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /api/media/probe", s.handleProbe)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.TranscodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.InvalidRequestf("invalid request body: %v", err))
		return
	}

	jobID, err := s.pool.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(models.StatePending),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.pool.List(limit))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.pool.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.pool.Cancel(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.pool.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job.State != models.StateSucceeded || job.Result == nil || job.Result.OutputPath == "" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "job has no downloadable output",
			"state": string(job.State),
		})
		return
	}
	if _, err := os.Stat(job.Result.OutputPath); err != nil {
		// Output file already reclaimed by the retention reaper.
		writeError(w, models.NewJobError(models.KindUnknownJob, "output of job %s is no longer retained", job.ID))
		return
	}

	w.Header().Set("Content-Type", services.ContentTypeFor(job.Spec.OutputExt()))
	http.ServeFile(w, r, job.Result.OutputPath)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("input")
	if input == "" {
		writeError(w, models.InvalidRequestf("input query parameter is required"))
		return
	}
	if strings.HasPrefix(input, "s3://") {
		writeError(w, models.InvalidRequestf("probe supports local inputs only"))
		return
	}

	path := input
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.mediaDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, models.InvalidRequestf("input does not resolve: %v", err))
		return
	}

	info, err := s.prober.Probe(r.Context(), path)
	if err != nil {
		writeError(w, models.NewJobError(models.KindTranscodeError, "probe failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var je *models.JobError
	if !errors.As(err, &je) {
		je = models.AsJobError(err)
	}

	status := http.StatusInternalServerError
	switch je.Kind {
	case models.KindInvalidRequest:
		status = http.StatusBadRequest
	case models.KindUnknownJob:
		status = http.StatusNotFound
	case models.KindOverloaded:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	}

	writeJSON(w, status, map[string]interface{}{
		"error": je.Message,
		"kind":  string(je.Kind),
	})
}
