package models

import (
	"sync"
	"time"
)

// Enums
type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusGenerating SceneStatus = "generating"
	SceneStatusCompleted  SceneStatus = "completed"
	SceneStatusFailed     SceneStatus = "failed"
)

type OverallStatus string

const (
	OverallStatusGenerating OverallStatus = "generating"
	OverallStatusCompleted  OverallStatus = "completed"
	OverallStatusFailed     OverallStatus = "failed"
	OverallStatusPartial    OverallStatus = "partial"
)

// SceneDescription is the caller-supplied input for one scene.
type SceneDescription struct {
	Scenario        string `json:"scenario"` // "hook", "problem", "solution", "cta"
	Description     string `json:"description"`
	VideoPrompt     string `json:"video_prompt,omitempty"`
	AudioPrompt     string `json:"audio_prompt,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}

// SceneJob tracks one scene's generation lifecycle. Status never regresses:
// pending → generating → completed|failed.
type SceneJob struct {
	Scenario          string      `json:"scenario"`
	Status            SceneStatus `json:"status"`
	Progress          int         `json:"progress"` // 0-100, non-decreasing while generating
	ResultURI         string      `json:"result_uri,omitempty"`
	Error             string      `json:"error,omitempty"`
	DurationSeconds   int         `json:"duration_seconds"`
	SubmittedDuration int         `json:"submitted_duration,omitempty"` // after model rounding, when it differs
}

// FrameSeed is an uploaded reference image usable as the first frame of the
// next scene's video request. Scoped to one sequential generation run.
type FrameSeed struct {
	Handle    string // provider-side reference handle
	FramePath string // local path of the extracted frame
}

// GenerationJob is the aggregate the orchestrator tracks per submission.
// All mutation goes through its methods; readers get deep-copied snapshots.
// Insertion order of scenes is the only source of scene ordering downstream.
type GenerationJob struct {
	JobID     string
	OwnerRef  string
	CreatedAt time.Time

	mu       sync.Mutex
	order    []string
	scenes   map[string]*SceneJob
	inputs   map[string]SceneDescription
	finalURI string
	finalDur float64
	jobError string
}

// NewGenerationJob creates a job with one pending scene per description,
// preserving input order.
func NewGenerationJob(jobID, ownerRef string, descriptions []SceneDescription) *GenerationJob {
	j := &GenerationJob{
		JobID:     jobID,
		OwnerRef:  ownerRef,
		CreatedAt: time.Now(),
		order:     make([]string, 0, len(descriptions)),
		scenes:    make(map[string]*SceneJob, len(descriptions)),
		inputs:    make(map[string]SceneDescription, len(descriptions)),
	}
	for _, d := range descriptions {
		j.order = append(j.order, d.Scenario)
		j.scenes[d.Scenario] = &SceneJob{
			Scenario:        d.Scenario,
			Status:          SceneStatusPending,
			DurationSeconds: d.DurationSeconds,
		}
		j.inputs[d.Scenario] = d
	}
	return j
}

// Scenarios returns the scene identifiers in input order.
func (j *GenerationJob) Scenarios() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// Description returns the original input for a scenario.
func (j *GenerationJob) Description(scenario string) (SceneDescription, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	d, ok := j.inputs[scenario]
	return d, ok
}

// SetGenerating transitions a scene to generating with the given progress.
// Terminal scenes are left untouched so a late update can't resurrect them.
func (j *GenerationJob) SetGenerating(scenario string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok || s.Status == SceneStatusCompleted || s.Status == SceneStatusFailed {
		return
	}
	s.Status = SceneStatusGenerating
	if progress > s.Progress {
		s.Progress = progress
	}
}

// SetProgress bumps progress while generating; progress never decreases.
func (j *GenerationJob) SetProgress(scenario string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok || s.Status != SceneStatusGenerating {
		return
	}
	if progress > s.Progress {
		s.Progress = progress
	}
}

// SetSubmittedDuration records the duration actually sent to the provider
// when rounding changed the requested value.
func (j *GenerationJob) SetSubmittedDuration(scenario string, seconds int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.scenes[scenario]; ok && seconds != s.DurationSeconds {
		s.SubmittedDuration = seconds
	}
}

// SetCompleted marks a scene terminal-successful with its artifact URI.
func (j *GenerationJob) SetCompleted(scenario, resultURI string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok {
		return
	}
	s.Status = SceneStatusCompleted
	s.Progress = 100
	s.ResultURI = resultURI
	s.Error = ""
}

// SetFailed marks a scene terminal-failed with a human-readable error.
func (j *GenerationJob) SetFailed(scenario, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok {
		return
	}
	s.Status = SceneStatusFailed
	s.Error = errMsg
}

// Reset returns a scene to pending, clearing any previous result.
// Used by single-scene regeneration.
func (j *GenerationJob) Reset(scenario string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok {
		return false
	}
	s.Status = SceneStatusPending
	s.Progress = 0
	s.ResultURI = ""
	s.Error = ""
	s.SubmittedDuration = 0
	return true
}

// SetFinalArtifact records the assembled output on the job.
func (j *GenerationJob) SetFinalArtifact(uri string, durationSec float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finalURI = uri
	j.finalDur = durationSec
}

// SetJobError records a job-level error (assembly failure after fallback).
func (j *GenerationJob) SetJobError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobError = msg
}

// Scene returns a copy of one scene's current state.
func (j *GenerationJob) Scene(scenario string) (SceneJob, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.scenes[scenario]
	if !ok {
		return SceneJob{}, false
	}
	return *s, true
}

// Snapshot returns a consistent deep copy of the whole job for readers.
// Overall status is computed here, never stored.
func (j *GenerationJob) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	scenes := make([]SceneJob, 0, len(j.order))
	for _, scenario := range j.order {
		scenes = append(scenes, *j.scenes[scenario])
	}

	return JobStatus{
		JobID:            j.JobID,
		OwnerRef:         j.OwnerRef,
		OverallStatus:    ComputeOverallStatus(scenes),
		Scenes:           scenes,
		FinalVideoURI:    j.finalURI,
		FinalDurationSec: j.finalDur,
		Error:            j.jobError,
		CreatedAt:        j.CreatedAt,
	}
}

// ComputeOverallStatus derives the aggregate status from scene statuses:
// completed iff all completed, failed iff all failed, generating iff at
// least one scene is actively generating, partial otherwise. Pending scenes
// alone never make a job "generating"; nothing is running for them yet.
func ComputeOverallStatus(scenes []SceneJob) OverallStatus {
	if len(scenes) == 0 {
		return OverallStatusGenerating
	}

	completed, failed, generating := 0, 0, 0
	for _, s := range scenes {
		switch s.Status {
		case SceneStatusCompleted:
			completed++
		case SceneStatusFailed:
			failed++
		case SceneStatusGenerating:
			generating++
		}
	}

	switch {
	case completed == len(scenes):
		return OverallStatusCompleted
	case failed == len(scenes):
		return OverallStatusFailed
	case generating > 0:
		return OverallStatusGenerating
	default:
		return OverallStatusPartial
	}
}

// TaskState is the provider-side state of one submitted generation task.
type TaskState string

const (
	TaskStateQueued  TaskState = "queued"
	TaskStateRunning TaskState = "running"
	TaskStateDone    TaskState = "done"
	TaskStateError   TaskState = "error"
)

// TaskStatus is a poll result from a generation client.
type TaskStatus struct {
	State     TaskState
	ResultURI string // set when State == done
	Message   string // provider error text when State == error
}

// DTOs for API responses

// JobStatus is the read-side view of a GenerationJob.
type JobStatus struct {
	JobID            string        `json:"job_id"`
	OwnerRef         string        `json:"owner_ref,omitempty"`
	OverallStatus    OverallStatus `json:"overall_status"`
	Scenes           []SceneJob    `json:"scenes"`
	FinalVideoURI    string        `json:"final_video_uri,omitempty"`
	FinalDurationSec float64       `json:"final_duration_sec,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// GenerateScenesRequest submits a job. Scenes may be given explicitly, or
// left empty with a product description for the planner to expand.
type GenerateScenesRequest struct {
	OwnerRef           string             `json:"owner_ref,omitempty"`
	ProductDescription string             `json:"product_description,omitempty"`
	Scenes             []SceneDescription `json:"scenes,omitempty"`
}

type GenerateScenesResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type RegenerateSceneRequest struct {
	JobID    string `json:"job_id"`
	Scenario string `json:"scenario"`
}

type RegenerateSceneResponse struct {
	Scenario string   `json:"scenario"`
	Scene    SceneJob `json:"scene"`
}
