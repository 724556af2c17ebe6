package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/productflow/videogen/internal/assembly"
	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/generator"
	"github.com/productflow/videogen/internal/models"
)

func fastPoll() generator.PollConfig {
	return generator.PollConfig{
		InitialDelay:  0,
		MinInterval:   time.Millisecond,
		MaxInterval:   2 * time.Millisecond,
		BackoffFactor: 1.5,
		MaxDuration:   2 * time.Second,
	}
}

// fakeProvider serves images, videos and audio from one in-memory task table.
// Video failures are scripted per prompt; videoGate, when set, blocks video
// submissions until released so tests can hold a job in flight.
type fakeProvider struct {
	mu        sync.Mutex
	failVideo map[string]bool
	videoGate chan struct{}
	seq       int
	failing   map[string]bool // taskID -> poll returns provider error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failVideo: make(map[string]bool),
		failing:   make(map[string]bool),
	}
}

func (f *fakeProvider) newTask(fails bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	taskID := fmt.Sprintf("task-%d", f.seq)
	f.failing[taskID] = fails
	return taskID
}

func (f *fakeProvider) SubmitImage(ctx context.Context, prompt string) (string, error) {
	return f.newTask(false), nil
}

func (f *fakeProvider) SubmitVideo(ctx context.Context, prompt string, durationSec int, seedHandle string) (string, error) {
	f.mu.Lock()
	gate := f.videoGate
	fails := f.failVideo[prompt]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.newTask(fails), nil
}

func (f *fakeProvider) SubmitAudio(ctx context.Context, videoPath, prompt string, durationSec int) (string, error) {
	return f.newTask(false), nil
}

func (f *fakeProvider) Poll(ctx context.Context, taskID string) (models.TaskStatus, error) {
	f.mu.Lock()
	fails := f.failing[taskID]
	f.mu.Unlock()

	if fails {
		return models.TaskStatus{State: models.TaskStateError, Message: "simulated provider failure"}, nil
	}
	return models.TaskStatus{State: models.TaskStateDone, ResultURI: "uri-" + taskID}, nil
}

func (f *fakeProvider) UploadReference(ctx context.Context, imagePath string) (string, error) {
	return "handle-" + imagePath, nil
}

func (f *fakeProvider) Download(ctx context.Context, uri, destPath string) error {
	return os.WriteFile(destPath, []byte(uri), 0644)
}

type fakeFrames struct{}

func (fakeFrames) ExtractLastFrame(ctx context.Context, videoPath, outputPath string) (string, error) {
	return outputPath, nil
}

// fakeAssembler records the plans it was given and reports the crossfade
// arithmetic over scripted per-scene durations.
type fakeAssembler struct {
	mu        sync.Mutex
	durations map[string]float64
	plans     []assembly.Plan
	fail      bool
}

func (f *fakeAssembler) Assemble(ctx context.Context, plan assembly.Plan, outputPath string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)

	if f.fail {
		return 0, errs.New(errs.KindAssembly, "simulated assembly failure")
	}

	durations := make([]float64, 0, len(plan.Items))
	for _, item := range plan.Items {
		durations = append(durations, f.durations[item.Scenario])
	}
	return assembly.ExpectedDuration(durations, 0.3), nil
}

func (f *fakeAssembler) lastPlan() (assembly.Plan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.plans) == 0 {
		return assembly.Plan{}, false
	}
	return f.plans[len(f.plans)-1], true
}

type fakeStore struct {
	mu    sync.Mutex
	saves int
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []models.JobStatus
}

func (f *fakeArchive) ArchiveJob(ctx context.Context, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, status)
	return nil
}

func testOptions(t *testing.T) Options {
	return Options{
		MaxActiveJobs:      4,
		MaxConcurrentTasks: 4,
		ContinuityEnabled:  true,
		JobTimeout:         10 * time.Second,
		OutputDir:          t.TempDir(),
		TempDir:            t.TempDir(),
		Poll:               fastPoll(),
	}
}

func fourSceneRequest() models.GenerateScenesRequest {
	mk := func(scenario string, dur int) models.SceneDescription {
		return models.SceneDescription{
			Scenario:        scenario,
			Description:     "a product shot for the " + scenario,
			VideoPrompt:     scenario,
			AudioPrompt:     "ambience for the " + scenario,
			DurationSeconds: dur,
		}
	}
	return models.GenerateScenesRequest{
		OwnerRef: "user-42",
		Scenes: []models.SceneDescription{
			mk("hook", 5), mk("problem", 5), mk("solution", 10), mk("cta", 5),
		},
	}
}

// waitFor polls job status until the predicate holds or the test times out.
func waitFor(t *testing.T, o *Orchestrator, jobID string, pred func(models.JobStatus) bool) models.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.GetStatus(jobID)
		if err != nil {
			t.Fatalf("status lookup failed: %v", err)
		}
		if pred(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := o.GetStatus(jobID)
	t.Fatalf("condition not reached, last status: %+v", snap)
	return models.JobStatus{}
}

func isTerminal(s models.JobStatus) bool {
	for _, sc := range s.Scenes {
		if sc.Status != models.SceneStatusCompleted && sc.Status != models.SceneStatusFailed {
			return false
		}
	}
	return true
}

func TestSubmitFullPipelineSucceeds(t *testing.T) {
	provider := newFakeProvider()
	assembler := &fakeAssembler{durations: map[string]float64{"hook": 5, "problem": 5, "solution": 10, "cta": 5}}
	store := &fakeStore{}
	archive := &fakeArchive{}

	o := New(testOptions(t), Deps{
		Image: provider, Video: provider, Audio: provider,
		Frames: fakeFrames{}, Assembler: assembler,
		Store: store, Archive: archive,
	})

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	snap := waitFor(t, o, jobID, func(s models.JobStatus) bool {
		return s.OverallStatus == models.OverallStatusCompleted && s.FinalVideoURI != ""
	})

	if len(snap.Scenes) != 4 {
		t.Fatalf("expected 4 scenes, got %d", len(snap.Scenes))
	}
	for _, scene := range snap.Scenes {
		if scene.Status != models.SceneStatusCompleted || scene.Progress != 100 {
			t.Errorf("scene %s not completed: %+v", scene.Scenario, scene)
		}
	}
	// 5 + 5 + 10 + 5 - 3 * 0.3
	if math.Abs(snap.FinalDurationSec-24.1) > 1e-9 {
		t.Errorf("expected final duration 24.1, got %v", snap.FinalDurationSec)
	}
	if !strings.HasSuffix(snap.FinalVideoURI, jobID+".mp4") {
		t.Errorf("unexpected final artifact path %s", snap.FinalVideoURI)
	}

	plan, ok := assembler.lastPlan()
	if !ok || len(plan.Items) != 4 {
		t.Fatalf("assembler should receive all 4 scenes, got %+v", plan)
	}
	for _, item := range plan.Items {
		if item.AudioPath == "" {
			t.Errorf("scene %s missing soundtrack in assembly plan", item.Scenario)
		}
	}
	if !strings.HasSuffix(plan.WorkDir, jobID) {
		t.Errorf("assembly scratch should live in the job's work dir, got %s", plan.WorkDir)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.archived) != 1 || archive.archived[0].OverallStatus != models.OverallStatusCompleted {
		t.Errorf("terminal job should be archived once, got %+v", archive.archived)
	}
}

func TestSubmitPartialFailureStillAssembles(t *testing.T) {
	provider := newFakeProvider()
	provider.failVideo["problem"] = true
	assembler := &fakeAssembler{durations: map[string]float64{"hook": 5, "solution": 10, "cta": 5}}

	o := New(testOptions(t), Deps{
		Image: provider, Video: provider, Audio: provider,
		Frames: fakeFrames{}, Assembler: assembler,
	})

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	snap := waitFor(t, o, jobID, func(s models.JobStatus) bool {
		return s.OverallStatus == models.OverallStatusPartial && s.FinalVideoURI != ""
	})

	for _, scene := range snap.Scenes {
		switch scene.Scenario {
		case "problem":
			if scene.Status != models.SceneStatusFailed || scene.Error == "" {
				t.Errorf("problem should be failed with an error, got %+v", scene)
			}
		default:
			if scene.Status != models.SceneStatusCompleted {
				t.Errorf("scene %s should be completed, got %+v", scene.Scenario, scene)
			}
		}
	}

	plan, ok := assembler.lastPlan()
	if !ok || len(plan.Items) != 3 {
		t.Fatalf("assembler should receive the 3 completed scenes, got %+v", plan)
	}
	for _, item := range plan.Items {
		if item.Scenario == "problem" {
			t.Error("failed scene must not enter the final cut")
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	o := New(testOptions(t), Deps{})

	tests := []struct {
		name   string
		mutate func(*models.GenerateScenesRequest)
	}{
		{"no scenes", func(r *models.GenerateScenesRequest) { r.Scenes = nil }},
		{"blank scenario", func(r *models.GenerateScenesRequest) { r.Scenes[0].Scenario = "" }},
		{"duplicate scenario", func(r *models.GenerateScenesRequest) { r.Scenes[1].Scenario = "hook" }},
		{"blank description", func(r *models.GenerateScenesRequest) { r.Scenes[2].Description = "" }},
		{"zero duration", func(r *models.GenerateScenesRequest) { r.Scenes[3].DurationSeconds = 0 }},
	}

	for _, tt := range tests {
		req := fourSceneRequest()
		tt.mutate(&req)
		_, err := o.Submit(req)
		if err == nil {
			t.Errorf("%s: expected validation error", tt.name)
			continue
		}
		if !errs.IsKind(err, errs.KindInvalidInput) {
			t.Errorf("%s: expected invalid input kind, got %v", tt.name, err)
		}
	}
}

func TestSubmitRejectsWhenAtCapacity(t *testing.T) {
	provider := newFakeProvider()
	provider.videoGate = make(chan struct{})
	assembler := &fakeAssembler{durations: map[string]float64{}}

	opts := testOptions(t)
	opts.MaxActiveJobs = 1

	o := New(opts, Deps{
		Image: provider, Video: provider,
		Frames: fakeFrames{}, Assembler: assembler,
	})

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("first submit should be accepted: %v", err)
	}

	_, err = o.Submit(fourSceneRequest())
	if err == nil {
		t.Fatal("second submit should be rejected at capacity")
	}
	if !errs.IsKind(err, errs.KindTooBusy) {
		t.Errorf("expected too busy kind, got %v", err)
	}

	// Release the held job and confirm capacity frees up
	close(provider.videoGate)
	waitFor(t, o, jobID, isTerminal)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := o.Submit(fourSceneRequest()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("capacity never freed after job completion")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	o := New(testOptions(t), Deps{})

	_, err := o.GetStatus("no-such-job")
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("expected not found kind, got %v", err)
	}
}

func TestRegenerateSceneRecoversFailedScene(t *testing.T) {
	provider := newFakeProvider()
	provider.failVideo["problem"] = true
	assembler := &fakeAssembler{durations: map[string]float64{"hook": 5, "problem": 5, "solution": 10, "cta": 5}}

	o := New(testOptions(t), Deps{
		Image: provider, Video: provider, Audio: provider,
		Frames: fakeFrames{}, Assembler: assembler,
	})

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, o, jobID, func(s models.JobStatus) bool {
		return s.OverallStatus == models.OverallStatusPartial && s.FinalVideoURI != ""
	})

	// The provider recovers; regeneration should now succeed
	provider.mu.Lock()
	provider.failVideo["problem"] = false
	provider.mu.Unlock()

	scene, err := o.RegenerateScene(models.RegenerateSceneRequest{JobID: jobID, Scenario: "problem"})
	if err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if scene.Status == models.SceneStatusFailed {
		t.Errorf("returned scene should be reset, got %+v", scene)
	}

	snap := waitFor(t, o, jobID, func(s models.JobStatus) bool {
		return s.OverallStatus == models.OverallStatusCompleted && math.Abs(s.FinalDurationSec-24.1) < 1e-9
	})
	if snap.FinalVideoURI == "" {
		t.Error("final video should be rebuilt after regeneration")
	}

	plan, ok := assembler.lastPlan()
	if !ok || len(plan.Items) != 4 {
		t.Fatalf("rebuilt cut should include all 4 scenes, got %+v", plan)
	}
}

func TestRegenerateSceneValidation(t *testing.T) {
	provider := newFakeProvider()
	assembler := &fakeAssembler{durations: map[string]float64{"hook": 5, "problem": 5, "solution": 10, "cta": 5}}

	o := New(testOptions(t), Deps{
		Image: provider, Video: provider,
		Frames: fakeFrames{}, Assembler: assembler,
	})

	_, err := o.RegenerateScene(models.RegenerateSceneRequest{JobID: "nope", Scenario: "hook"})
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("unknown job: expected not found, got %v", err)
	}

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, o, jobID, isTerminal)

	_, err = o.RegenerateScene(models.RegenerateSceneRequest{JobID: jobID, Scenario: "outro"})
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("unknown scene: expected not found, got %v", err)
	}
}

func TestAssemblyFailureSetsJobError(t *testing.T) {
	provider := newFakeProvider()
	assembler := &fakeAssembler{durations: map[string]float64{}, fail: true}

	o := New(testOptions(t), Deps{
		Image: provider, Video: provider,
		Frames: fakeFrames{}, Assembler: assembler,
	})

	jobID, err := o.Submit(fourSceneRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	snap := waitFor(t, o, jobID, func(s models.JobStatus) bool {
		return isTerminal(s) && s.Error != ""
	})

	if snap.OverallStatus != models.OverallStatusCompleted {
		t.Errorf("scenes themselves succeeded, expected completed, got %s", snap.OverallStatus)
	}
	if snap.FinalVideoURI != "" {
		t.Error("no final artifact should be reported when assembly fails")
	}
}
