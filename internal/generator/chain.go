package generator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/productflow/videogen/internal/errs"
)

// ---------------------------------------------------------------------------
// Sequential Frame-Chained Video Generator
// Generates scene videos in scene order. Each scene's request may be seeded
// with the last frame of the previous scene's clip for visual continuity,
// which makes this the one hard sequential dependency in the pipeline:
// scene i+1 never starts before scene i reaches a terminal outcome.
// A failed scene does not block the chain; the next scene just falls back
// to its static seed (or none).
// ---------------------------------------------------------------------------

// FrameExtractor is the transcoder subset the chain needs for continuity.
// The frame is written to outputPath, which the chain keeps inside the job's
// own work directory.
type FrameExtractor interface {
	ExtractLastFrame(ctx context.Context, videoPath, outputPath string) (string, error)
}

// Observer receives scene lifecycle events while the chain runs, so job
// status stays current scene by scene instead of all-at-the-end.
type Observer interface {
	SceneGenerating(scenario string, progress int)
	SceneDurationAdjusted(scenario string, submittedSec int)
	SceneCompleted(scenario string, localPath string)
	SceneFailed(scenario string, err error)
}

// SceneInput is one scene's generation request, in chain order.
type SceneInput struct {
	Scenario     string
	Prompt       string
	DurationSec  int
	StaticHandle string // pre-generated image handle, empty when unavailable
}

// SceneOutcome is one scene's terminal result.
type SceneOutcome struct {
	Scenario     string
	LocalPath    string // set on success
	SubmittedSec int    // duration actually sent after rounding
	Err          error  // set on failure
}

type Chain struct {
	video      VideoClient
	frames     FrameExtractor
	poll       PollConfig
	continuity bool

	// settleDelay gives the provider time to finish processing a freshly
	// uploaded continuity frame before the next scene references it.
	settleDelay time.Duration
	// retryBase is the first same-seed backoff (doubles per retry: 2s, 4s).
	retryBase time.Duration
}

func NewChain(video VideoClient, frames FrameExtractor, poll PollConfig, continuity bool) *Chain {
	return &Chain{
		video:       video,
		frames:      frames,
		poll:        poll,
		continuity:  continuity,
		settleDelay: 3 * time.Second,
		retryBase:   2 * time.Second,
	}
}

// Run generates every scene in order and returns outcomes indexed like the
// input. Clips are written into destDir as <scenario>.mp4.
func (c *Chain) Run(ctx context.Context, scenes []SceneInput, destDir string, obs Observer) []SceneOutcome {
	outcomes := make([]SceneOutcome, len(scenes))
	continuityHandle := ""

	for i, scene := range scenes {
		outcomes[i] = c.generateScene(ctx, scene, continuityHandle, destDir, obs)

		// Terminal state is known here; prepare continuity for scene i+1
		continuityHandle = ""
		if outcomes[i].Err == nil && i < len(scenes)-1 {
			continuityHandle = c.registerContinuityFrame(ctx, scene.Scenario, outcomes[i].LocalPath, destDir)
		}
	}

	return outcomes
}

// generateScene drives one scene to a terminal outcome, applying the seed
// retry/fallback policy on seed-transfer failures.
func (c *Chain) generateScene(ctx context.Context, scene SceneInput, continuityHandle, destDir string, obs Observer) SceneOutcome {
	outcome := SceneOutcome{Scenario: scene.Scenario}

	obs.SceneGenerating(scene.Scenario, 0)

	submittedSec := roundDuration(scene.DurationSec)
	outcome.SubmittedSec = submittedSec
	if submittedSec != scene.DurationSec {
		log.Printf("[Chain] Scene %s duration %ds rounded to %ds", scene.Scenario, scene.DurationSec, submittedSec)
		obs.SceneDurationAdjusted(scene.Scenario, submittedSec)
	}

	kind, handle := chooseSeed(c.continuity, continuityHandle, scene.StaticHandle)
	state := attemptState{seed: kind}

	log.Printf("[Chain] Scene %s starting (seed=%s, duration=%ds)", scene.Scenario, kind, submittedSec)

	for {
		localPath, err := c.attemptScene(ctx, scene, submittedSec, handle, destDir, obs)
		if err == nil {
			outcome.LocalPath = localPath
			obs.SceneCompleted(scene.Scenario, localPath)
			return outcome
		}

		if !errs.IsKind(err, errs.KindSeedTransfer) {
			outcome.Err = err
			obs.SceneFailed(scene.Scenario, err)
			return outcome
		}

		action, nextState, nextHandle := nextAttempt(state, scene.StaticHandle)
		switch action {
		case actionSwitchSeed:
			log.Printf("[Chain] Scene %s seed transfer failed with %s seed, switching to %s", scene.Scenario, state.seed, nextState.seed)
			state = nextState
			handle = nextHandle

		case actionRetry:
			backoff := c.retryBase << state.retries // 2s, then 4s
			log.Printf("[Chain] Scene %s seed transfer failed (retry %d/%d in %v)", scene.Scenario, nextState.retries, maxSameSeedRetries, backoff)
			state = nextState

			select {
			case <-ctx.Done():
				outcome.Err = fmt.Errorf("cancelled during retry backoff: %w", ctx.Err())
				obs.SceneFailed(scene.Scenario, outcome.Err)
				return outcome
			case <-time.After(backoff):
			}

		case actionFail:
			outcome.Err = err
			obs.SceneFailed(scene.Scenario, err)
			return outcome
		}
	}
}

// attemptScene is one submit-poll-download pass with a fixed seed.
func (c *Chain) attemptScene(ctx context.Context, scene SceneInput, durationSec int, seedHandle, destDir string, obs Observer) (string, error) {
	taskID, err := c.video.SubmitVideo(ctx, scene.Prompt, durationSec, seedHandle)
	if err != nil {
		return "", err
	}

	uri, err := waitForTask(ctx, c.video, taskID, c.poll, func(pct int) {
		obs.SceneGenerating(scene.Scenario, pct)
	})
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(destDir, scene.Scenario+".mp4")
	if err := c.video.Download(ctx, uri, localPath); err != nil {
		return "", errs.Wrap(errs.KindExternalService, "clip download failed", err)
	}

	return localPath, nil
}

// registerContinuityFrame extracts the clip's last frame, uploads it as the
// next scene's seed, and waits out the settle delay. Continuity is best
// effort: on any failure the next scene falls back to its static seed.
// The frame lands in destDir next to the clips, keeping it out of reach of
// other jobs regenerating the same scenario.
func (c *Chain) registerContinuityFrame(ctx context.Context, scenario, clipPath, destDir string) string {
	if !c.continuity {
		return ""
	}

	framePath, err := c.frames.ExtractLastFrame(ctx, clipPath, filepath.Join(destDir, scenario+"_lastframe.png"))
	if err != nil {
		log.Printf("[Chain] Frame extraction failed for %s: %v (continuity skipped)", scenario, err)
		return ""
	}

	handle, err := c.video.UploadReference(ctx, framePath)
	if err != nil {
		log.Printf("[Chain] Continuity upload failed for %s: %v (continuity skipped)", scenario, err)
		return ""
	}

	// Let the provider finish ingesting the reference before it's used
	if c.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(c.settleDelay):
		}
	}

	log.Printf("[Chain] Continuity frame for %s registered as %s", scenario, handle)
	return handle
}
