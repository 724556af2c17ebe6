package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ---------------------------------------------------------------------------
// Transcoder
// Wraps ffmpeg/ffprobe for everything the pipeline needs: probing clip
// metadata, extracting continuity frames, merging audio into video, and
// concatenating scenes with or without crossfade transitions.
// All calls are synchronous and operate on local files.
// ---------------------------------------------------------------------------

// Continuity frames are normalized to this geometry before upload so the
// provider accepts them regardless of the source clip's resolution.
const (
	frameWidth  = 1920
	frameHeight = 1080

	// How far before the end of a clip the continuity frame is grabbed.
	// Seeking exactly to the duration lands past the last frame on some files.
	lastFrameBackoffSec = 0.1
)

type Transcoder struct {
	tempDir string
}

// MediaInfo is the result of probing a media file.
type MediaInfo struct {
	DurationSec float64
	Width       int
	Height      int
}

func NewTranscoder(tempDir string) *Transcoder {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &Transcoder{
		tempDir: tempDir,
	}
}

// Available reports whether the ffmpeg binary can be found on PATH.
func (t *Transcoder) Available() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// ffprobe JSON output shapes (only the fields we read)
type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe returns the duration and dimensions of a media file.
func (t *Transcoder) Probe(ctx context.Context, path string) (MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info MediaInfo
	if _, err := fmt.Sscanf(strings.TrimSpace(parsed.Format.Duration), "%f", &info.DurationSec); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse duration %q: %w", parsed.Format.Duration, err)
	}
	if len(parsed.Streams) > 0 {
		info.Width = parsed.Streams[0].Width
		info.Height = parsed.Streams[0].Height
	}

	return info, nil
}

// HasAudioStream reports whether the file carries at least one audio stream.
func (t *Transcoder) HasAudioStream(ctx context.Context, path string) (bool, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe audio check failed for %s: %w", path, err)
	}

	return strings.TrimSpace(string(output)) != "", nil
}

// ExtractLastFrame grabs a frame near the end of a video, scaled and padded
// to the reference geometry, and writes it as a PNG at outputPath. Callers
// pass a path inside their own work directory so concurrent jobs never
// overwrite each other's frames; the caller owns cleanup.
func (t *Transcoder) ExtractLastFrame(ctx context.Context, videoPath, outputPath string) (string, error) {
	info, err := t.Probe(ctx, videoPath)
	if err != nil {
		return "", fmt.Errorf("failed to probe before frame extraction: %w", err)
	}

	seekTo := info.DurationSec - lastFrameBackoffSec
	if seekTo < 0 {
		seekTo = 0
	}

	framePath := outputPath
	scaleFilter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		frameWidth, frameHeight, frameWidth, frameHeight,
	)

	args := []string{
		"-ss", fmt.Sprintf("%.3f", seekTo),
		"-i", videoPath,
		"-vframes", "1",
		"-vf", scaleFilter,
		"-y",
		framePath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg last frame extraction failed: %w", err)
	}

	log.Printf("[Transcoder] Extracted last frame of %s at %.2fs -> %s", filepath.Base(videoPath), seekTo, framePath)
	return framePath, nil
}

// Merge attaches an audio track to a video clip. The video stream is copied
// untouched; audio is re-encoded to AAC. -shortest trims whichever stream
// runs longer so picture and sound always end together.
func (t *Transcoder) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg merge failed: %w", err)
	}

	return nil
}

// AttachSilentAudio adds a silent stereo track to a video-only clip so it can
// participate in the audio crossfade graph alongside clips that have sound.
func (t *Transcoder) AttachSilentAudio(ctx context.Context, videoPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-f", "lavfi",
		"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg silent audio attach failed: %w", err)
	}

	return nil
}

// ConcatCrossfade joins clips with a fixed-length crossfade between each
// consecutive pair, blending audio in the same windows as video. Durations
// must be the clips' real measured durations, in the same order as the paths.
func (t *Transcoder) ConcatCrossfade(ctx context.Context, clipPaths []string, durations []float64, transitionSec float64, outputPath string) error {
	if len(clipPaths) < 2 {
		return fmt.Errorf("crossfade concat needs at least 2 clips, got %d", len(clipPaths))
	}
	if len(clipPaths) != len(durations) {
		return fmt.Errorf("clip/duration count mismatch: %d vs %d", len(clipPaths), len(durations))
	}

	filter, videoLabel, audioLabel := BuildCrossfadeFilter(durations, transitionSec)

	args := make([]string, 0, len(clipPaths)*2+14)
	for _, p := range clipPaths {
		args = append(args, "-i", p)
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", videoLabel,
		"-map", audioLabel,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		outputPath,
	)

	log.Printf("[Transcoder] Crossfade concat of %d clips (transition=%.2fs)", len(clipPaths), transitionSec)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg crossfade concat failed: %w", err)
	}

	return nil
}

// ConcatLossless joins clips with the concat demuxer, copying streams without
// re-encoding. Used as the fallback when the crossfade graph fails.
func (t *Transcoder) ConcatLossless(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	// Unique list file per invocation: concurrent jobs share the temp dir
	f, err := os.CreateTemp(t.tempDir, "concat_*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	listPath := f.Name()

	for _, path := range clipPaths {
		// Write in FFmpeg concat format
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg lossless concat failed: %w", err)
	}

	return nil
}

// Copy duplicates a file. Used for the single-clip identity case where the
// lone scene clip becomes the final artifact unchanged.
func (t *Transcoder) Copy(srcPath, destPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", srcPath, err)
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// Cleanup removes temporary files
func (t *Transcoder) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

// BuildCrossfadeFilter constructs the filter_complex graph chaining xfade
// (video) and acrossfade (audio) across N inputs. Transition k starts at
//
//	offset_k = d_0 + ... + d_k - (k+1) * transition
//
// so transitions chain and total output duration is sum(d_i) - (N-1)*t.
// Returns the graph plus the final video and audio output labels.
func BuildCrossfadeFilter(durations []float64, transitionSec float64) (filter, videoLabel, audioLabel string) {
	n := len(durations)
	offsets := CrossfadeOffsets(durations, transitionSec)

	var sb strings.Builder

	// Video chain: [0][1]xfade[v1]; [v1][2]xfade[v2]; ...
	prev := "[0:v]"
	for k := 0; k < n-1; k++ {
		out := fmt.Sprintf("[v%d]", k+1)
		sb.WriteString(fmt.Sprintf("%s[%d:v]xfade=transition=fade:duration=%.3f:offset=%.3f%s;",
			prev, k+1, transitionSec, offsets[k], out))
		prev = out
	}
	videoLabel = prev

	// Audio chain mirrors the video windows
	prev = "[0:a]"
	for k := 0; k < n-1; k++ {
		out := fmt.Sprintf("[a%d]", k+1)
		sb.WriteString(fmt.Sprintf("%s[%d:a]acrossfade=d=%.3f%s;", prev, k+1, transitionSec, out))
		prev = out
	}
	audioLabel = prev

	filter = strings.TrimSuffix(sb.String(), ";")
	return filter, videoLabel, audioLabel
}

// CrossfadeOffsets computes the start offset of each of the N-1 transitions.
func CrossfadeOffsets(durations []float64, transitionSec float64) []float64 {
	offsets := make([]float64, 0, len(durations)-1)
	cumulative := 0.0
	for k := 0; k < len(durations)-1; k++ {
		cumulative += durations[k]
		offsets = append(offsets, cumulative-float64(k+1)*transitionSec)
	}
	return offsets
}
