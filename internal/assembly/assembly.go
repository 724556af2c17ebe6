package assembly

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/services"
)

// ---------------------------------------------------------------------------
// Assembly Engine
// Takes the per-scene clips and soundtracks the pipeline produced and builds
// the single final video: audio is merged into each clip (silent tracks are
// synthesized for scenes without one), then clips are joined with crossfade
// transitions, falling back to a plain cut join if the crossfade graph fails.
// ---------------------------------------------------------------------------

// Transcoder is the ffmpeg surface the engine drives. The concrete
// implementation lives in services.Transcoder.
type Transcoder interface {
	Probe(ctx context.Context, path string) (services.MediaInfo, error)
	HasAudioStream(ctx context.Context, path string) (bool, error)
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) error
	AttachSilentAudio(ctx context.Context, videoPath, outputPath string) error
	ConcatCrossfade(ctx context.Context, clipPaths []string, durations []float64, transitionSec float64, outputPath string) error
	ConcatLossless(ctx context.Context, clipPaths []string, outputPath string) error
	Copy(srcPath, destPath string) error
	Cleanup(paths ...string)
}

// Item is one completed scene going into the final cut, in scene order.
type Item struct {
	Scenario  string
	VideoPath string
	AudioPath string // empty when the scene has no generated soundtrack
}

// Plan lists the scenes to assemble, already filtered to successful ones and
// ordered like the original request. WorkDir is the job's own scratch
// directory: intermediate merged/silent clips are written there, so jobs
// assembling concurrently never share scratch paths.
type Plan struct {
	Items   []Item
	WorkDir string
}

type Engine struct {
	trans         Transcoder
	transitionSec float64
}

func NewEngine(trans Transcoder, transitionSec float64) *Engine {
	return &Engine{
		trans:         trans,
		transitionSec: transitionSec,
	}
}

// Assemble builds the final video at outputPath and returns its duration in
// seconds. At least one item is required; a single item becomes the final
// artifact without transitions.
func (e *Engine) Assemble(ctx context.Context, plan Plan, outputPath string) (float64, error) {
	if len(plan.Items) == 0 {
		return 0, errs.New(errs.KindAssembly, "nothing to assemble: no completed scenes")
	}
	if plan.WorkDir == "" {
		return 0, errs.New(errs.KindAssembly, "assembly plan has no work directory")
	}

	clips, scratch, err := e.prepareClips(ctx, plan)
	defer e.trans.Cleanup(scratch...)
	if err != nil {
		return 0, err
	}

	if len(clips) == 1 {
		if err := e.trans.Copy(clips[0], outputPath); err != nil {
			return 0, errs.Wrap(errs.KindAssembly, "failed to place single-scene output", err)
		}
		return e.measuredDuration(ctx, outputPath, nil)
	}

	// Transition offsets depend on the clips' real durations, not the
	// requested ones: the provider may have returned longer clips.
	durations := make([]float64, len(clips))
	for i, clip := range clips {
		info, err := e.trans.Probe(ctx, clip)
		if err != nil {
			return 0, errs.Wrap(errs.KindAssembly, fmt.Sprintf("failed to probe clip %s", plan.Items[i].Scenario), err)
		}
		durations[i] = info.DurationSec
	}

	if err := e.trans.ConcatCrossfade(ctx, clips, durations, e.transitionSec, outputPath); err != nil {
		log.Printf("[Assembly] Crossfade concat failed, falling back to cut join: %v", err)

		if fallbackErr := e.trans.ConcatLossless(ctx, clips, outputPath); fallbackErr != nil {
			return 0, errs.Wrap(errs.KindAssembly, "both crossfade and cut join failed", fallbackErr)
		}
	}

	return e.measuredDuration(ctx, outputPath, durations)
}

// prepareClips normalizes every scene into a clip that carries an audio
// stream, merging the generated soundtrack where one exists and synthesizing
// silence where it doesn't. Returns the normalized paths plus the scratch
// files to clean up afterwards.
func (e *Engine) prepareClips(ctx context.Context, plan Plan) (clips, scratch []string, err error) {
	clips = make([]string, 0, len(plan.Items))

	for _, item := range plan.Items {
		if item.AudioPath != "" {
			merged := filepath.Join(plan.WorkDir, item.Scenario+"_merged.mp4")
			if err := e.trans.Merge(ctx, item.VideoPath, item.AudioPath, merged); err != nil {
				return nil, scratch, errs.Wrap(errs.KindAssembly, fmt.Sprintf("failed to merge audio for scene %s", item.Scenario), err)
			}
			scratch = append(scratch, merged)
			clips = append(clips, merged)
			continue
		}

		hasAudio, err := e.trans.HasAudioStream(ctx, item.VideoPath)
		if err != nil {
			return nil, scratch, errs.Wrap(errs.KindAssembly, fmt.Sprintf("failed to inspect scene %s", item.Scenario), err)
		}
		if hasAudio {
			clips = append(clips, item.VideoPath)
			continue
		}

		silent := filepath.Join(plan.WorkDir, item.Scenario+"_silent.mp4")
		if err := e.trans.AttachSilentAudio(ctx, item.VideoPath, silent); err != nil {
			return nil, scratch, errs.Wrap(errs.KindAssembly, fmt.Sprintf("failed to attach silent audio for scene %s", item.Scenario), err)
		}
		scratch = append(scratch, silent)
		clips = append(clips, silent)
	}

	return clips, scratch, nil
}

// measuredDuration probes the finished output; if probing fails, it falls
// back to the arithmetic expectation so the job still reports a duration.
func (e *Engine) measuredDuration(ctx context.Context, outputPath string, durations []float64) (float64, error) {
	info, err := e.trans.Probe(ctx, outputPath)
	if err == nil {
		return info.DurationSec, nil
	}

	log.Printf("[Assembly] Failed to probe final output, using computed duration: %v", err)

	if durations == nil {
		return 0, nil
	}
	return ExpectedDuration(durations, e.transitionSec), nil
}

// ExpectedDuration is the crossfade arithmetic: the clips' total length minus
// one transition window per join.
func ExpectedDuration(durations []float64, transitionSec float64) float64 {
	total := 0.0
	for _, d := range durations {
		total += d
	}
	return total - float64(len(durations)-1)*transitionSec
}
