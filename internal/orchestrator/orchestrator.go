package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/productflow/videogen/internal/assembly"
	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/generator"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Job Orchestrator
// Owns the job registry and drives the full pipeline per submission:
// image fan-out, the sequential frame-chained video pass, audio fan-out,
// then final assembly. Submissions return immediately with a job ID; the
// pipeline runs on a background goroutine bounded by the job timeout.
// ---------------------------------------------------------------------------

// Snapshotter persists job status snapshots for observability across
// restarts. Implemented by the Redis store; nil disables it.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, status models.JobStatus) error
}

// Archiver records terminal jobs durably. Implemented by the Postgres
// archive; nil disables it.
type Archiver interface {
	ArchiveJob(ctx context.Context, status models.JobStatus) error
}

// Assembler builds the final video from the per-scene artifacts.
type Assembler interface {
	Assemble(ctx context.Context, plan assembly.Plan, outputPath string) (float64, error)
}

// Options are the orchestration knobs, all required.
type Options struct {
	MaxActiveJobs      int
	MaxConcurrentTasks int
	ContinuityEnabled  bool
	JobTimeout         time.Duration
	OutputDir          string
	TempDir            string
	Poll               generator.PollConfig
}

// Deps are the pipeline collaborators. Audio, Store and Archive may be nil.
type Deps struct {
	Image     generator.ImageClient
	Video     generator.VideoClient
	Audio     generator.AudioClient
	Frames    generator.FrameExtractor
	Assembler Assembler
	Store     Snapshotter
	Archive   Archiver
}

// jobRuntime pairs the job aggregate with the local artifacts the pipeline
// produced, so regeneration can rebuild the final cut without redoing
// untouched scenes.
type jobRuntime struct {
	job *models.GenerationJob

	mu      sync.Mutex
	workDir string
	clips   map[string]string // scenario -> local clip path
	audio   map[string]string // scenario -> local soundtrack path
}

func (rt *jobRuntime) setClip(scenario, path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.clips[scenario] = path
}

func (rt *jobRuntime) setAudio(scenario, path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.audio[scenario] = path
}

func (rt *jobRuntime) artifacts(scenario string) (clip, audio string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.clips[scenario], rt.audio[scenario]
}

type Orchestrator struct {
	opts Options
	deps Deps

	mu   sync.RWMutex
	jobs map[string]*jobRuntime

	// slots caps concurrently running pipelines across all jobs.
	slots chan struct{}
}

func New(opts Options, deps Deps) *Orchestrator {
	if opts.MaxActiveJobs < 1 {
		opts.MaxActiveJobs = 1
	}
	return &Orchestrator{
		opts:  opts,
		deps:  deps,
		jobs:  make(map[string]*jobRuntime),
		slots: make(chan struct{}, opts.MaxActiveJobs),
	}
}

// Submit validates the request, registers a new job and starts its pipeline
// in the background. Fails fast with a too_busy error when the active job
// cap is reached; nothing is queued.
func (o *Orchestrator) Submit(req models.GenerateScenesRequest) (string, error) {
	if err := validateScenes(req.Scenes); err != nil {
		return "", err
	}

	select {
	case o.slots <- struct{}{}:
	default:
		return "", errs.New(errs.KindTooBusy, fmt.Sprintf("at capacity: %d jobs already running", o.opts.MaxActiveJobs))
	}

	jobID := uuid.New().String()
	rt := &jobRuntime{
		job:     models.NewGenerationJob(jobID, req.OwnerRef, req.Scenes),
		workDir: filepath.Join(o.opts.TempDir, jobID),
		clips:   make(map[string]string),
		audio:   make(map[string]string),
	}

	o.mu.Lock()
	o.jobs[jobID] = rt
	o.mu.Unlock()

	log.Printf("[Orchestrator] Job %s accepted with %d scenes", jobID, len(req.Scenes))

	go func() {
		defer func() { <-o.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.JobTimeout)
		defer cancel()

		o.runPipeline(ctx, rt, rt.job.Scenarios())
	}()

	return jobID, nil
}

// GetStatus returns a consistent snapshot of one job.
func (o *Orchestrator) GetStatus(jobID string) (models.JobStatus, error) {
	o.mu.RLock()
	rt, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return models.JobStatus{}, errs.NotFound("job %s not found", jobID)
	}
	return rt.job.Snapshot(), nil
}

// RegenerateScene resets one scene and reruns it in the background, then
// rebuilds the final video from the refreshed artifacts. The rerun uses the
// scene's own reference image as seed; frame continuity does not apply to an
// isolated scene.
func (o *Orchestrator) RegenerateScene(req models.RegenerateSceneRequest) (models.SceneJob, error) {
	o.mu.RLock()
	rt, ok := o.jobs[req.JobID]
	o.mu.RUnlock()
	if !ok {
		return models.SceneJob{}, errs.NotFound("job %s not found", req.JobID)
	}

	if _, ok := rt.job.Description(req.Scenario); !ok {
		return models.SceneJob{}, errs.NotFound("scene %s not part of job %s", req.Scenario, req.JobID)
	}

	if snap := rt.job.Snapshot(); snap.OverallStatus == models.OverallStatusGenerating {
		return models.SceneJob{}, errs.InvalidInput("job %s is still generating", req.JobID)
	}

	select {
	case o.slots <- struct{}{}:
	default:
		return models.SceneJob{}, errs.New(errs.KindTooBusy, fmt.Sprintf("at capacity: %d jobs already running", o.opts.MaxActiveJobs))
	}

	rt.job.Reset(req.Scenario)
	log.Printf("[Orchestrator] Job %s regenerating scene %s", req.JobID, req.Scenario)

	go func() {
		defer func() { <-o.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.JobTimeout)
		defer cancel()

		o.runPipeline(ctx, rt, []string{req.Scenario})
	}()

	scene, _ := rt.job.Scene(req.Scenario)
	return scene, nil
}

// runPipeline generates the named scenes and reassembles the job's final
// video. On full submission the list is every scene; on regeneration it is
// the single scene being redone.
func (o *Orchestrator) runPipeline(ctx context.Context, rt *jobRuntime, scenarios []string) {
	job := rt.job
	started := time.Now()

	if err := os.MkdirAll(rt.workDir, 0755); err != nil {
		log.Printf("[Orchestrator] Job %s failed to create work dir: %v", job.JobID, err)
		for _, s := range scenarios {
			job.SetFailed(s, "internal error: could not prepare workspace")
		}
		o.finish(job)
		return
	}

	for _, s := range scenarios {
		job.SetGenerating(s, 5)
	}
	o.publishSnapshot(job)

	fan := generator.NewFanOut(o.opts.MaxConcurrentTasks, o.opts.Poll)

	// Phase 1: reference images, generated in parallel. A failed image is
	// not fatal; the scene just renders without a first-frame seed.
	handles := o.generateImages(ctx, fan, rt, scenarios)
	o.publishSnapshot(job)

	// Phase 2: scene videos, strictly in order. Only full submissions chain
	// continuity frames; a lone regenerated scene has no predecessor clip.
	continuity := o.opts.ContinuityEnabled && len(scenarios) > 1
	chain := generator.NewChain(o.deps.Video, o.deps.Frames, o.opts.Poll, continuity)

	inputs := make([]generator.SceneInput, 0, len(scenarios))
	for _, s := range scenarios {
		desc, _ := job.Description(s)
		inputs = append(inputs, generator.SceneInput{
			Scenario:     s,
			Prompt:       videoPrompt(desc),
			DurationSec:  desc.DurationSeconds,
			StaticHandle: handles[s],
		})
	}

	outcomes := chain.Run(ctx, inputs, rt.workDir, &jobObserver{job: job, orch: o})
	for _, out := range outcomes {
		if out.Err == nil {
			rt.setClip(out.Scenario, out.LocalPath)
		}
	}
	o.publishSnapshot(job)

	// Phase 3: soundtracks for the scenes that produced a clip.
	if o.deps.Audio != nil {
		o.generateAudio(ctx, fan, rt, outcomes)
	}

	// Phase 4: final cut from everything completed so far, including scenes
	// untouched by this run.
	o.assemble(ctx, rt)

	o.finish(job)
	log.Printf("[Orchestrator] Job %s finished in %s (status=%s)", job.JobID, time.Since(started).Round(time.Second), job.Snapshot().OverallStatus)
}

// generateImages runs the image fan-out and returns scenario -> seed handle.
func (o *Orchestrator) generateImages(ctx context.Context, fan *generator.FanOut, rt *jobRuntime, scenarios []string) map[string]string {
	job := rt.job

	tasks := make([]generator.ImageTask, 0, len(scenarios))
	for _, s := range scenarios {
		desc, _ := job.Description(s)
		tasks = append(tasks, generator.ImageTask{Scenario: s, Prompt: desc.Description})
	}

	// Seed handles are registered with the video provider, who consumes them
	handles := make(map[string]string, len(scenarios))
	for _, res := range fan.GenerateImages(ctx, o.deps.Image, o.deps.Video, tasks, rt.workDir) {
		if res.Err != nil {
			log.Printf("[Orchestrator] Job %s image for %s failed, scene will render unseeded: %v", job.JobID, res.Scenario, res.Err)
			continue
		}
		handles[res.Scenario] = res.Handle
	}
	return handles
}

func (o *Orchestrator) generateAudio(ctx context.Context, fan *generator.FanOut, rt *jobRuntime, outcomes []generator.SceneOutcome) {
	job := rt.job

	tasks := make([]generator.AudioTask, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Err != nil {
			continue
		}
		desc, _ := job.Description(out.Scenario)
		tasks = append(tasks, generator.AudioTask{
			Scenario:    out.Scenario,
			VideoPath:   out.LocalPath,
			Prompt:      audioPrompt(desc),
			DurationSec: out.SubmittedSec,
		})
	}
	if len(tasks) == 0 {
		return
	}

	for _, res := range fan.GenerateAudio(ctx, o.deps.Audio, tasks, rt.workDir) {
		if res.Err != nil {
			// Soundtracks are an enrichment; the scene ships silent
			log.Printf("[Orchestrator] Job %s audio for %s failed: %v", job.JobID, res.Scenario, res.Err)
			continue
		}
		rt.setAudio(res.Scenario, res.LocalPath)
	}
}

// assemble builds the final video from every completed scene, in scene order.
func (o *Orchestrator) assemble(ctx context.Context, rt *jobRuntime) {
	job := rt.job

	var items []assembly.Item
	for _, scenario := range job.Scenarios() {
		scene, ok := job.Scene(scenario)
		if !ok || scene.Status != models.SceneStatusCompleted {
			continue
		}
		clip, audio := rt.artifacts(scenario)
		if clip == "" {
			continue
		}
		items = append(items, assembly.Item{Scenario: scenario, VideoPath: clip, AudioPath: audio})
	}

	if len(items) == 0 {
		log.Printf("[Orchestrator] Job %s has no completed scenes, skipping assembly", job.JobID)
		return
	}

	outputPath := filepath.Join(o.opts.OutputDir, job.JobID+".mp4")
	durationSec, err := o.deps.Assembler.Assemble(ctx, assembly.Plan{Items: items, WorkDir: rt.workDir}, outputPath)
	if err != nil {
		log.Printf("[Orchestrator] Job %s assembly failed: %v", job.JobID, err)
		job.SetJobError(fmt.Sprintf("final assembly failed: %v", err))
		return
	}

	job.SetFinalArtifact(outputPath, durationSec)
	job.SetJobError("")
	log.Printf("[Orchestrator] Job %s assembled %d scenes into %s (%.1fs)", job.JobID, len(items), outputPath, durationSec)
}

// finish publishes the terminal snapshot and archives it.
func (o *Orchestrator) finish(job *models.GenerationJob) {
	o.publishSnapshot(job)

	if o.deps.Archive == nil {
		return
	}

	snap := job.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.deps.Archive.ArchiveJob(ctx, snap); err != nil {
		log.Printf("[Orchestrator] Job %s archive failed: %v", job.JobID, err)
	}
}

// publishSnapshot is best effort; status is always served from memory.
func (o *Orchestrator) publishSnapshot(job *models.GenerationJob) {
	if o.deps.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.SaveSnapshot(ctx, job.Snapshot()); err != nil {
		log.Printf("[Orchestrator] Job %s snapshot publish failed: %v", job.JobID, err)
	}
}

// jobObserver maps chain lifecycle events onto job state.
type jobObserver struct {
	job  *models.GenerationJob
	orch *Orchestrator
}

func (ob *jobObserver) SceneGenerating(scenario string, progress int) {
	ob.job.SetGenerating(scenario, progress)
}

func (ob *jobObserver) SceneDurationAdjusted(scenario string, submittedSec int) {
	ob.job.SetSubmittedDuration(scenario, submittedSec)
}

func (ob *jobObserver) SceneCompleted(scenario string, localPath string) {
	ob.job.SetCompleted(scenario, localPath)
	ob.orch.publishSnapshot(ob.job)
}

func (ob *jobObserver) SceneFailed(scenario string, err error) {
	ob.job.SetFailed(scenario, err.Error())
	ob.orch.publishSnapshot(ob.job)
}

// validateScenes rejects malformed submissions before any work starts.
func validateScenes(scenes []models.SceneDescription) error {
	if len(scenes) == 0 {
		return errs.InvalidInput("at least one scene is required")
	}

	seen := make(map[string]bool, len(scenes))
	for i, s := range scenes {
		if s.Scenario == "" {
			return errs.InvalidInput("scene %d is missing a scenario identifier", i)
		}
		if seen[s.Scenario] {
			return errs.InvalidInput("duplicate scenario %q", s.Scenario)
		}
		seen[s.Scenario] = true

		if s.Description == "" {
			return errs.InvalidInput("scene %q is missing a description", s.Scenario)
		}
		if s.DurationSeconds < 1 {
			return errs.InvalidInput("scene %q has invalid duration %d", s.Scenario, s.DurationSeconds)
		}
	}
	return nil
}

func videoPrompt(d models.SceneDescription) string {
	if d.VideoPrompt != "" {
		return d.VideoPrompt
	}
	return d.Description
}

func audioPrompt(d models.SceneDescription) string {
	if d.AudioPrompt != "" {
		return d.AudioPrompt
	}
	return d.Description
}
