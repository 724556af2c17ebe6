package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// Client interfaces the pipeline drives. Services implement these; tests use
// fakes. All calls are bounded by the caller's context.

// ImageClient produces still images.
type ImageClient interface {
	SubmitImage(ctx context.Context, prompt string) (string, error)
	Poll(ctx context.Context, taskID string) (models.TaskStatus, error)
	Download(ctx context.Context, uri, destPath string) error
}

// Registrar turns a local artifact into a handle usable in later generation
// requests. Seed images are registered with the VIDEO provider, since that is
// who will reference them.
type Registrar interface {
	UploadReference(ctx context.Context, imagePath string) (string, error)
}

// VideoClient produces video clips, optionally seeded with a reference image.
type VideoClient interface {
	SubmitVideo(ctx context.Context, prompt string, durationSec int, seedHandle string) (string, error)
	Poll(ctx context.Context, taskID string) (models.TaskStatus, error)
	UploadReference(ctx context.Context, imagePath string) (string, error)
	Download(ctx context.Context, uri, destPath string) error
}

// AudioClient produces a soundtrack for a finished scene video.
type AudioClient interface {
	SubmitAudio(ctx context.Context, videoPath, prompt string, durationSec int) (string, error)
	Poll(ctx context.Context, taskID string) (models.TaskStatus, error)
	Download(ctx context.Context, uri, destPath string) error
}

// poller is the common subset used by the shared wait loop.
type poller interface {
	Poll(ctx context.Context, taskID string) (models.TaskStatus, error)
}

// PollConfig bounds the wait for one external task.
type PollConfig struct {
	InitialDelay  time.Duration // wait before the first poll
	MinInterval   time.Duration // starting interval between polls
	MaxInterval   time.Duration // interval cap
	BackoffFactor float64       // interval multiplier per poll
	MaxDuration   time.Duration // hard timeout for the whole task
}

// DefaultPollConfig matches generation latencies measured in tens of seconds
// to minutes: poll gently, back off, give up after ten minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay:  5 * time.Second,
		MinInterval:   5 * time.Second,
		MaxInterval:   20 * time.Second,
		BackoffFactor: 1.5,
		MaxDuration:   10 * time.Minute,
	}
}

// waitForTask polls until the task reaches a terminal state or the config's
// hard timeout expires. onProgress, when non-nil, receives a coarse progress
// estimate per poll. Provider-reported failures come back as
// ExternalServiceError; an exhausted wait is a GenerationTimeout. Errors from
// Poll itself (including SeedTransferError) pass through unchanged.
func waitForTask(ctx context.Context, p poller, taskID string, cfg PollConfig, onProgress func(int)) (string, error) {
	deadline := time.Now().Add(cfg.MaxDuration)

	if cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("cancelled during initial wait: %w", ctx.Err())
		case <-time.After(cfg.InitialDelay):
		}
	}

	interval := cfg.MinInterval
	pollCount := 0

	for {
		if time.Now().After(deadline) {
			return "", errs.New(errs.KindTimeout, fmt.Sprintf("task %s timed out after %v (polled %d times)", taskID, cfg.MaxDuration, pollCount))
		}

		pollCount++
		status, err := p.Poll(ctx, taskID)
		if err != nil {
			return "", err
		}

		switch status.State {
		case models.TaskStateDone:
			if status.ResultURI == "" {
				return "", errs.New(errs.KindExternalService, fmt.Sprintf("task %s finished without a result", taskID))
			}
			return status.ResultURI, nil

		case models.TaskStateError:
			msg := status.Message
			if msg == "" {
				msg = "unknown provider error"
			}
			return "", errs.New(errs.KindExternalService, fmt.Sprintf("task %s failed: %s", taskID, msg))
		}

		if onProgress != nil {
			// Coarse ramp that never claims completion
			pct := 10 + pollCount*10
			if pct > 90 {
				pct = 90
			}
			onProgress(pct)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("cancelled while polling task %s: %w", taskID, ctx.Err())
		case <-time.After(interval):
		}

		next := time.Duration(float64(interval) * cfg.BackoffFactor)
		if next > cfg.MaxInterval {
			next = cfg.MaxInterval
		}
		interval = next
	}
}
