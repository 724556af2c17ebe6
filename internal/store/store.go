package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Snapshot Store
// Publishes job status snapshots to Redis so external readers (dashboards,
// other services) can observe job state without touching the in-process
// registry. Writes are best effort; the in-memory registry stays the source
// of truth while the process lives.
// ---------------------------------------------------------------------------

const (
	keyPrefix = "videogen:job:"

	// Snapshots outlive the job long enough for late readers, then expire.
	snapshotTTL = 24 * time.Hour
)

type Store struct {
	client *redis.Client
}

func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// SaveSnapshot writes the full job status as JSON under the job's key,
// refreshing the TTL on every update.
func (s *Store) SaveSnapshot(ctx context.Context, status models.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, keyPrefix+status.JobID, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a previously published snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, jobID string) (models.JobStatus, error) {
	data, err := s.client.Get(ctx, keyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return models.JobStatus{}, errs.NotFound("no snapshot for job %s", jobID)
	}
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var status models.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return models.JobStatus{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return status, nil
}
