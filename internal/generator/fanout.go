package generator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Parallel Fan-Out
// Runs independent generation tasks concurrently with bounded parallelism
// and returns per-task outcomes in the original input order, regardless of
// completion order. One failing task never aborts its siblings; partial
// failure is a normal outcome the caller inspects.
// ---------------------------------------------------------------------------

// ImageTask describes one independent image generation work item.
type ImageTask struct {
	Scenario string
	Prompt   string
}

// AudioTask describes one independent audio generation work item. The audio
// is derived from the scene's finished video.
type AudioTask struct {
	Scenario    string
	VideoPath   string
	Prompt      string
	DurationSec int
}

// Result is one task's outcome, aligned by index to the input list.
type Result struct {
	Scenario  string
	LocalPath string // downloaded artifact, set on success
	Handle    string // reusable provider reference; empty when registration failed
	Err       error  // task failure; nil on success
	HandleErr error  // registration failure; the local artifact is still usable
}

// Succeeded reports whether the task produced a local artifact.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// FanOut schedules independent tasks over a shared concurrency limit.
type FanOut struct {
	limit int
	poll  PollConfig
}

func NewFanOut(limit int, poll PollConfig) *FanOut {
	if limit < 1 {
		limit = 1
	}
	return &FanOut{limit: limit, poll: poll}
}

// GenerateImages produces one image per task and registers each with reg as
// a reusable seed reference. Results are indexed by input position.
func (f *FanOut) GenerateImages(ctx context.Context, client ImageClient, reg Registrar, tasks []ImageTask, destDir string) []Result {
	results := make([]Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = f.generateImage(gctx, client, reg, task, destDir)
			// Task errors live in the result so siblings keep running
			return nil
		})
	}

	// Only returns nil given the closures above; Wait is for the join
	_ = g.Wait()
	return results
}

func (f *FanOut) generateImage(ctx context.Context, client ImageClient, reg Registrar, task ImageTask, destDir string) Result {
	res := Result{Scenario: task.Scenario}

	taskID, err := client.SubmitImage(ctx, task.Prompt)
	if err != nil {
		res.Err = fmt.Errorf("image submission failed: %w", err)
		return res
	}

	uri, err := waitForTask(ctx, client, taskID, f.poll, nil)
	if err != nil {
		res.Err = err
		return res
	}

	localPath := filepath.Join(destDir, task.Scenario+"_image.png")
	if err := client.Download(ctx, uri, localPath); err != nil {
		res.Err = fmt.Errorf("image download failed: %w", err)
		return res
	}
	res.LocalPath = localPath

	// Mandatory registration step: upload the produced asset so later video
	// requests can reference it. Failure here degrades the result (no
	// reusable handle) without failing the task.
	handle, err := reg.UploadReference(ctx, localPath)
	if err != nil {
		log.Printf("[FanOut] Reference registration failed for %s: %v", task.Scenario, err)
		res.HandleErr = err
		return res
	}
	res.Handle = handle

	return res
}

// GenerateAudio produces one soundtrack per task. No registration step:
// audio is only consumed locally by the assembly engine.
func (f *FanOut) GenerateAudio(ctx context.Context, client AudioClient, tasks []AudioTask, destDir string) []Result {
	results := make([]Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = f.generateAudio(gctx, client, task, destDir)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (f *FanOut) generateAudio(ctx context.Context, client AudioClient, task AudioTask, destDir string) Result {
	res := Result{Scenario: task.Scenario}

	taskID, err := client.SubmitAudio(ctx, task.VideoPath, task.Prompt, task.DurationSec)
	if err != nil {
		res.Err = fmt.Errorf("audio submission failed: %w", err)
		return res
	}

	uri, err := waitForTask(ctx, client, taskID, f.poll, nil)
	if err != nil {
		res.Err = err
		return res
	}

	localPath := filepath.Join(destDir, task.Scenario+"_audio.mp3")
	if err := client.Download(ctx, uri, localPath); err != nil {
		res.Err = fmt.Errorf("audio download failed: %w", err)
		return res
	}
	res.LocalPath = localPath

	return res
}
