package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"transcoder/models"

	_ "github.com/lib/pq"
)

// DatabaseService persists the job ledger to Postgres. The in-memory
// registry remains the source of truth for live jobs; rows here give
// operators durable history across restarts.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS transcode_jobs (
	id               TEXT PRIMARY KEY,
	input            TEXT NOT NULL,
	operation        TEXT NOT NULL,
	params           JSONB,
	state            TEXT NOT NULL,
	error_kind       TEXT,
	error_message    TEXT,
	exit_code        INTEGER,
	output_ref       TEXT,
	format           TEXT,
	duration_seconds DOUBLE PRECISION,
	size_bytes       BIGINT,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
)`

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

func (d *DatabaseService) InsertJob(ctx context.Context, job *models.TranscodeJob) error {
	params, _ := json.Marshal(job.Request.Params)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO transcode_jobs (id, input, operation, params, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Request.Input, string(job.Request.Operation), params, string(job.State), job.CreatedAt,
	)
	return err
}

func (d *DatabaseService) MarkJobRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET state = $1, started_at = $2 WHERE id = $3`,
		string(models.StateRunning), startedAt, jobID,
	)
	return err
}

// FinishJob records a job's terminal state and result.
func (d *DatabaseService) FinishJob(ctx context.Context, job *models.TranscodeJob) error {
	res := job.Result
	if res == nil {
		res = &models.TranscodeResult{}
	}

	var errKind, errMsg sql.NullString
	var exitCode sql.NullInt64
	if res.Error != nil {
		errKind = sql.NullString{String: string(res.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: res.Error.Message, Valid: true}
		exitCode = sql.NullInt64{Int64: int64(res.Error.ExitCode), Valid: res.Error.ExitCode != 0}
	}

	outputRef := res.OutputRef
	if outputRef == "" {
		outputRef = res.OutputPath
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE transcode_jobs
		SET state = $1, error_kind = $2, error_message = $3, exit_code = $4,
		    output_ref = $5, format = $6, duration_seconds = $7, size_bytes = $8,
		    finished_at = $9
		WHERE id = $10`,
		string(job.State), errKind, errMsg, exitCode,
		outputRef, res.Format, res.DurationSeconds, res.SizeBytes,
		job.FinishedAt, job.ID,
	)
	return err
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
