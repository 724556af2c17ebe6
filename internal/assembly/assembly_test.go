package assembly

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/services"
)

// fakeTranscoder records every operation and lets tests script durations,
// audio presence, and crossfade failure.
type fakeTranscoder struct {
	calls         []string
	durations     map[string]float64 // path -> probed duration
	hasAudio      map[string]bool    // path -> carries audio stream
	failCrossfade bool
	failLossless  bool
	failProbeOut  bool

	crossfadeDurations []float64
	crossfadeClips     []string
	cleaned            []string
	scratchOutputs     []string
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{
		durations: make(map[string]float64),
		hasAudio:  make(map[string]bool),
	}
}

func (f *fakeTranscoder) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (services.MediaInfo, error) {
	if f.failProbeOut && path == "final.mp4" {
		return services.MediaInfo{}, fmt.Errorf("simulated probe failure")
	}
	d, ok := f.durations[path]
	if !ok {
		return services.MediaInfo{}, fmt.Errorf("no duration scripted for %s", path)
	}
	return services.MediaInfo{DurationSec: d, Width: 1920, Height: 1080}, nil
}

func (f *fakeTranscoder) HasAudioStream(ctx context.Context, path string) (bool, error) {
	return f.hasAudio[path], nil
}

func (f *fakeTranscoder) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	f.record("merge:%s+%s", filepath.Base(videoPath), filepath.Base(audioPath))
	f.scratchOutputs = append(f.scratchOutputs, outputPath)
	f.durations[outputPath] = f.durations[videoPath]
	return nil
}

func (f *fakeTranscoder) AttachSilentAudio(ctx context.Context, videoPath, outputPath string) error {
	f.record("silent:%s", filepath.Base(videoPath))
	f.scratchOutputs = append(f.scratchOutputs, outputPath)
	f.durations[outputPath] = f.durations[videoPath]
	return nil
}

func (f *fakeTranscoder) ConcatCrossfade(ctx context.Context, clipPaths []string, durations []float64, transitionSec float64, outputPath string) error {
	f.record("crossfade:%d", len(clipPaths))
	if f.failCrossfade {
		return fmt.Errorf("simulated filter graph failure")
	}
	f.crossfadeClips = append([]string(nil), clipPaths...)
	f.crossfadeDurations = append([]float64(nil), durations...)
	f.durations[outputPath] = ExpectedDuration(durations, transitionSec)
	return nil
}

func (f *fakeTranscoder) ConcatLossless(ctx context.Context, clipPaths []string, outputPath string) error {
	f.record("lossless:%d", len(clipPaths))
	if f.failLossless {
		return fmt.Errorf("simulated concat failure")
	}
	total := 0.0
	for _, p := range clipPaths {
		total += f.durations[p]
	}
	f.durations[outputPath] = total
	return nil
}

func (f *fakeTranscoder) Copy(srcPath, destPath string) error {
	f.record("copy:%s", filepath.Base(srcPath))
	f.durations[destPath] = f.durations[srcPath]
	return nil
}

func (f *fakeTranscoder) Cleanup(paths ...string) {
	f.cleaned = append(f.cleaned, paths...)
}

func fourScenePlan(trans *fakeTranscoder) Plan {
	durations := []float64{5, 5, 10, 5}
	items := make([]Item, 4)
	for i, name := range []string{"hook", "problem", "solution", "cta"} {
		video := name + ".mp4"
		trans.durations[video] = durations[i]
		items[i] = Item{Scenario: name, VideoPath: video, AudioPath: name + ".mp3"}
	}
	return Plan{Items: items, WorkDir: "/work/job-a"}
}

func TestAssembleCrossfadeDurationMath(t *testing.T) {
	trans := newFakeTranscoder()
	plan := fourScenePlan(trans)

	engine := NewEngine(trans, 0.3)
	got, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	// 5 + 5 + 10 + 5 - 3 * 0.3
	if math.Abs(got-24.1) > 1e-9 {
		t.Errorf("expected final duration 24.1s, got %v", got)
	}
	if len(trans.crossfadeDurations) != 4 {
		t.Fatalf("crossfade should receive all 4 clip durations, got %v", trans.crossfadeDurations)
	}
}

func TestAssembleMergesAudioPerScene(t *testing.T) {
	trans := newFakeTranscoder()
	plan := fourScenePlan(trans)

	engine := NewEngine(trans, 0.3)
	if _, err := engine.Assemble(context.Background(), plan, "final.mp4"); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	merges := 0
	for _, call := range trans.calls {
		if strings.HasPrefix(call, "merge:") {
			merges++
		}
	}
	if merges != 4 {
		t.Errorf("expected 4 audio merges, got %d (%v)", merges, trans.calls)
	}
	if len(trans.cleaned) != 4 {
		t.Errorf("expected 4 scratch files cleaned, got %v", trans.cleaned)
	}
}

func TestAssembleSynthesizesSilenceForAudiolessScene(t *testing.T) {
	trans := newFakeTranscoder()
	plan := fourScenePlan(trans)
	plan.Items[1].AudioPath = "" // no soundtrack and no embedded audio

	engine := NewEngine(trans, 0.3)
	if _, err := engine.Assemble(context.Background(), plan, "final.mp4"); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	found := false
	for _, call := range trans.calls {
		if call == "silent:problem.mp4" {
			found = true
		}
	}
	if !found {
		t.Errorf("audio-less clip should get a silent track: %v", trans.calls)
	}
}

func TestAssembleKeepsClipWithEmbeddedAudio(t *testing.T) {
	trans := newFakeTranscoder()
	plan := fourScenePlan(trans)
	plan.Items[1].AudioPath = ""
	trans.hasAudio["problem.mp4"] = true // provider already baked in sound

	engine := NewEngine(trans, 0.3)
	if _, err := engine.Assemble(context.Background(), plan, "final.mp4"); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	for _, call := range trans.calls {
		if call == "silent:problem.mp4" {
			t.Errorf("clip with embedded audio should pass through untouched: %v", trans.calls)
		}
	}
	if trans.crossfadeClips[1] != "problem.mp4" {
		t.Errorf("original clip should be used directly, got %s", trans.crossfadeClips[1])
	}
}

func TestAssembleSingleSceneIdentity(t *testing.T) {
	trans := newFakeTranscoder()
	trans.durations["hook.mp4"] = 5
	plan := Plan{
		Items:   []Item{{Scenario: "hook", VideoPath: "hook.mp4", AudioPath: "hook.mp3"}},
		WorkDir: "/work/job-a",
	}

	engine := NewEngine(trans, 0.3)
	got, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	if got != 5 {
		t.Errorf("expected single-scene duration 5s, got %v", got)
	}
	for _, call := range trans.calls {
		if strings.HasPrefix(call, "crossfade:") || strings.HasPrefix(call, "lossless:") {
			t.Errorf("single scene should not be concatenated: %v", trans.calls)
		}
	}
}

func TestAssembleFallsBackToCutJoin(t *testing.T) {
	trans := newFakeTranscoder()
	trans.failCrossfade = true
	plan := fourScenePlan(trans)

	engine := NewEngine(trans, 0.3)
	got, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}

	// Cut join has no transition overlap
	if math.Abs(got-25.0) > 1e-9 {
		t.Errorf("expected cut join duration 25s, got %v", got)
	}

	joined := strings.Join(trans.calls, ",")
	if !strings.Contains(joined, "crossfade:4") || !strings.Contains(joined, "lossless:4") {
		t.Errorf("expected crossfade attempt then fallback: %v", trans.calls)
	}
}

func TestAssembleFailsWhenBothJoinsFail(t *testing.T) {
	trans := newFakeTranscoder()
	trans.failCrossfade = true
	trans.failLossless = true
	plan := fourScenePlan(trans)

	engine := NewEngine(trans, 0.3)
	_, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if err == nil {
		t.Fatal("expected assembly failure")
	}
	if !errs.IsKind(err, errs.KindAssembly) {
		t.Errorf("expected assembly error kind, got %v", err)
	}
}

func TestAssembleEmptyPlan(t *testing.T) {
	engine := NewEngine(newFakeTranscoder(), 0.3)
	_, err := engine.Assemble(context.Background(), Plan{}, "final.mp4")
	if err == nil {
		t.Fatal("expected error for empty plan")
	}
	if !errs.IsKind(err, errs.KindAssembly) {
		t.Errorf("expected assembly error kind, got %v", err)
	}
}

func TestAssembleScratchIsolatedPerJob(t *testing.T) {
	trans := newFakeTranscoder()

	planA := fourScenePlan(trans)
	planB := fourScenePlan(trans)
	planB.WorkDir = "/work/job-b"

	engine := NewEngine(trans, 0.3)
	if _, err := engine.Assemble(context.Background(), planA, "final-a.mp4"); err != nil {
		t.Fatalf("assemble A failed: %v", err)
	}
	if _, err := engine.Assemble(context.Background(), planB, "final-b.mp4"); err != nil {
		t.Fatalf("assemble B failed: %v", err)
	}

	// Both jobs merge the same scenarios; their intermediates must still
	// land in their own work directories, never on a shared path.
	seen := make(map[string]bool)
	for _, p := range trans.scratchOutputs {
		if seen[p] {
			t.Errorf("scratch path %s reused across jobs", p)
		}
		seen[p] = true
		if !strings.HasPrefix(p, planA.WorkDir+"/") && !strings.HasPrefix(p, planB.WorkDir+"/") {
			t.Errorf("scratch path %s outside both work dirs", p)
		}
	}
	if len(trans.scratchOutputs) != 8 {
		t.Fatalf("expected 8 scratch files across the two jobs, got %d", len(trans.scratchOutputs))
	}
}

func TestAssembleRequiresWorkDir(t *testing.T) {
	trans := newFakeTranscoder()
	plan := fourScenePlan(trans)
	plan.WorkDir = ""

	engine := NewEngine(trans, 0.3)
	_, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if !errs.IsKind(err, errs.KindAssembly) {
		t.Errorf("expected assembly error for missing work dir, got %v", err)
	}
}

func TestAssembleProbeFallbackUsesArithmetic(t *testing.T) {
	trans := newFakeTranscoder()
	trans.failProbeOut = true
	plan := fourScenePlan(trans)

	engine := NewEngine(trans, 0.3)
	got, err := engine.Assemble(context.Background(), plan, "final.mp4")
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if math.Abs(got-24.1) > 1e-9 {
		t.Errorf("expected computed duration 24.1s, got %v", got)
	}
}

func TestExpectedDuration(t *testing.T) {
	got := ExpectedDuration([]float64{5, 5, 10, 5}, 0.3)
	if math.Abs(got-24.1) > 1e-9 {
		t.Errorf("expected 24.1, got %v", got)
	}
}
