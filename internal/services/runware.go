package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Runware Generation Service
// Drives Runware's task-based REST API for image and video synthesis.
// Every request body is an ARRAY of task objects, each carrying a taskType
// and a client-generated taskUUID; results and errors come back keyed by
// that same UUID. Video tasks are submitted with deliveryMethod=async and
// resolved by polling taskType=getResponse.
// ---------------------------------------------------------------------------

const (
	runwareVideoWidth  = 1920
	runwareVideoHeight = 1080
	runwareImageSize   = 1024

	// Accepted video durations. KlingAI-family models reject anything else,
	// so requested durations are rounded before submission (see generator).
	RunwareDurationShort = 5
	RunwareDurationLong  = 10
)

type RunwareService struct {
	apiKey     string
	baseURL    string
	imageModel string
	videoModel string
	httpClient *http.Client
}

func NewRunwareService(apiKey, baseURL, imageModel, videoModel string) *RunwareService {
	return &RunwareService{
		apiKey:     apiKey,
		baseURL:    baseURL,
		imageModel: imageModel,
		videoModel: videoModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // Timeout for individual HTTP calls, not the full poll cycle
		},
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// runwareTask is the union of fields used across task types. Runware ignores
// fields irrelevant to a given taskType, so one struct covers all four.
type runwareTask struct {
	TaskType       string         `json:"taskType"`
	TaskUUID       string         `json:"taskUUID"`
	Model          string         `json:"model,omitempty"`
	PositivePrompt string         `json:"positivePrompt,omitempty"`
	Width          int            `json:"width,omitempty"`
	Height         int            `json:"height,omitempty"`
	Duration       int            `json:"duration,omitempty"`
	DeliveryMethod string         `json:"deliveryMethod,omitempty"`
	NumberResults  int            `json:"numberResults,omitempty"`
	FrameImages    []runwareFrame `json:"frameImages,omitempty"`
	Image          string         `json:"image,omitempty"` // base64, imageUpload only
}

// runwareFrame pins a reference image to a position in the generated video.
type runwareFrame struct {
	InputImage string `json:"inputImage"`
	Frame      string `json:"frame"` // "first" or "last"
}

type runwareEnvelope struct {
	Data   []runwareResult `json:"data"`
	Errors []runwareError  `json:"errors,omitempty"`
}

type runwareResult struct {
	TaskUUID  string `json:"taskUUID"`
	TaskType  string `json:"taskType"`
	Status    string `json:"status,omitempty"` // "success", "processing", "error" — often absent when a URL is present
	ImageURL  string `json:"imageURL,omitempty"`
	VideoURL  string `json:"videoURL,omitempty"`
	ImageUUID string `json:"imageUUID,omitempty"` // imageUpload response
}

type runwareError struct {
	TaskUUID string `json:"taskUUID"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (e runwareError) String() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// isSeedTransferError matches the provider's "reference image could not be
// transferred" failure class, which triggers the seed fallback policy.
func isSeedTransferError(code, message string) bool {
	return strings.Contains(code, "failedToTransferImage") ||
		strings.Contains(message, "failedToTransferImage")
}

// ---------------------------------------------------------------------------
// Adapter surface
// ---------------------------------------------------------------------------

// SubmitImage starts an async image generation task and returns its task ID.
func (s *RunwareService) SubmitImage(ctx context.Context, prompt string) (string, error) {
	taskID := uuid.New().String()
	task := runwareTask{
		TaskType:       "imageInference",
		TaskUUID:       taskID,
		Model:          s.imageModel,
		PositivePrompt: prompt,
		Width:          runwareImageSize,
		Height:         runwareImageSize,
		NumberResults:  1,
		DeliveryMethod: "async",
	}

	log.Printf("[Runware] Submitting image task %s (promptLen=%d)", taskID, len(prompt))

	if _, err := s.post(ctx, task); err != nil {
		return "", err
	}
	return taskID, nil
}

// SubmitVideo starts an async video generation task. seedHandle, when
// non-empty, is an uploaded reference image UUID used as the first frame.
// duration must already be one of the accepted values.
func (s *RunwareService) SubmitVideo(ctx context.Context, prompt string, durationSec int, seedHandle string) (string, error) {
	taskID := uuid.New().String()
	task := runwareTask{
		TaskType:       "videoInference",
		TaskUUID:       taskID,
		Model:          s.videoModel,
		PositivePrompt: prompt,
		Width:          runwareVideoWidth,
		Height:         runwareVideoHeight,
		Duration:       durationSec,
		NumberResults:  1,
		DeliveryMethod: "async", // required for video
	}

	if seedHandle != "" {
		task.FrameImages = []runwareFrame{
			{InputImage: seedHandle, Frame: "first"},
		}
	}

	log.Printf("[Runware] Submitting video task %s (duration=%ds, seeded=%v)", taskID, durationSec, seedHandle != "")

	if _, err := s.post(ctx, task); err != nil {
		return "", err
	}
	return taskID, nil
}

// Poll checks one task via getResponse and maps the provider state onto the
// pipeline's task states.
func (s *RunwareService) Poll(ctx context.Context, taskID string) (models.TaskStatus, error) {
	env, err := s.post(ctx, runwareTask{
		TaskType: "getResponse",
		TaskUUID: taskID,
	})
	if err != nil {
		return models.TaskStatus{}, err
	}

	for _, e := range env.Errors {
		if e.TaskUUID != taskID {
			continue
		}
		if isSeedTransferError(e.Code, e.Message) {
			return models.TaskStatus{}, errs.New(errs.KindSeedTransfer, e.String())
		}
		return models.TaskStatus{State: models.TaskStateError, Message: e.String()}, nil
	}

	for _, d := range env.Data {
		if d.TaskUUID != taskID {
			continue
		}
		if uri := firstNonEmpty(d.VideoURL, d.ImageURL); uri != "" {
			return models.TaskStatus{State: models.TaskStateDone, ResultURI: uri}, nil
		}
		switch d.Status {
		case "error":
			return models.TaskStatus{State: models.TaskStateError, Message: "task failed without detail"}, nil
		case "success":
			// Success without a URL means the asset isn't materialized yet
			return models.TaskStatus{State: models.TaskStateRunning}, nil
		default:
			return models.TaskStatus{State: models.TaskStateRunning}, nil
		}
	}

	// Task not yet visible to getResponse — still queued on their side
	return models.TaskStatus{State: models.TaskStateQueued}, nil
}

// UploadReference uploads a local image and returns the provider's UUID for
// it, usable as a frameImages input or a videoInference seed.
func (s *RunwareService) UploadReference(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read reference image: %w", err)
	}

	taskID := uuid.New().String()
	env, err := s.post(ctx, runwareTask{
		TaskType: "imageUpload",
		TaskUUID: taskID,
		Image:    base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", err
	}

	for _, e := range env.Errors {
		if e.TaskUUID == taskID {
			return "", errs.Wrap(errs.KindExternalService, "image upload rejected", fmt.Errorf("%s", e.String()))
		}
	}

	for _, d := range env.Data {
		if d.TaskUUID == taskID && d.ImageUUID != "" {
			log.Printf("[Runware] Uploaded reference %s -> %s", imagePath, d.ImageUUID)
			return d.ImageUUID, nil
		}
	}

	return "", fmt.Errorf("no imageUUID in upload response for task %s", taskID)
}

// Download fetches a result asset from its delivery URL into destPath.
func (s *RunwareService) Download(ctx context.Context, uri, destPath string) error {
	// Use a longer timeout for asset download (videos can be large)
	downloadClient := &http.Client{Timeout: 180 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write asset data: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("downloaded asset is empty (0 bytes)")
	}

	log.Printf("[Runware] Downloaded %d bytes -> %s", n, destPath)
	return nil
}

// post sends one task (wrapped in the required array) and returns the parsed
// envelope. HTTP 400 responses carrying the seed-transfer error code are
// surfaced as SeedTransferError so the chain's fallback policy can react.
func (s *RunwareService) post(ctx context.Context, task runwareTask) (*runwareEnvelope, error) {
	payload, err := json.Marshal([]runwareTask{task})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalService, "runware request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		if isSeedTransferError("", string(body)) {
			return nil, errs.New(errs.KindSeedTransfer, fmt.Sprintf("runware rejected reference image (status %d)", resp.StatusCode))
		}
		return nil, errs.New(errs.KindExternalService, fmt.Sprintf("runware returned status %d: %s", resp.StatusCode, truncate(string(body), 500)))
	}

	var env runwareEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse runware response: %w (body: %s)", err, truncate(string(body), 500))
	}

	return &env, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
