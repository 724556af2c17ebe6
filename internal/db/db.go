package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Job Archive
// Insert-only Postgres record of terminal jobs. The live registry is
// in-memory; the archive exists for audit and reporting after the process
// restarts.
// ---------------------------------------------------------------------------

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	return &DB{conn}, nil
}

// ArchiveJob records one terminal job. Scenes are stored as a JSON document;
// the archive never needs to query inside them.
func (db *DB) ArchiveJob(ctx context.Context, status models.JobStatus) error {
	scenes, err := json.Marshal(status.Scenes)
	if err != nil {
		return fmt.Errorf("failed to marshal scenes: %w", err)
	}

	query := `
		INSERT INTO archived_jobs (
			job_id, owner_ref, overall_status, scenes, final_video_uri,
			final_duration_sec, error_message, created_at, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = db.ExecContext(
		ctx, query,
		status.JobID, status.OwnerRef, string(status.OverallStatus), scenes,
		status.FinalVideoURI, status.FinalDurationSec, status.Error,
		status.CreatedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// GetArchivedJob loads one archived job by ID.
func (db *DB) GetArchivedJob(ctx context.Context, jobID string) (models.JobStatus, error) {
	query := `
		SELECT
			job_id, owner_ref, overall_status, scenes, final_video_uri,
			final_duration_sec, error_message, created_at
		FROM archived_jobs
		WHERE job_id = $1
	`

	var status models.JobStatus
	var overall string
	var scenes []byte

	err := db.QueryRowContext(ctx, query, jobID).Scan(
		&status.JobID, &status.OwnerRef, &overall, &scenes,
		&status.FinalVideoURI, &status.FinalDurationSec, &status.Error,
		&status.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return models.JobStatus{}, errs.NotFound("archived job %s not found", jobID)
	}
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("failed to get archived job: %w", err)
	}

	status.OverallStatus = models.OverallStatus(overall)
	if err := json.Unmarshal(scenes, &status.Scenes); err != nil {
		return models.JobStatus{}, fmt.Errorf("failed to unmarshal scenes: %w", err)
	}
	return status, nil
}
