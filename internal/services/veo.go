package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service
// Alternate video backend on the Google Gen AI SDK, selected with
// VIDEO_PROVIDER=veo. The SDK exposes long-running operations, which map
// directly onto the pipeline's submit/poll/download surface: SubmitVideo
// starts an operation, Poll refreshes it by name, Download pulls the bytes
// of a finished one. Operations are held in an in-process table because the
// SDK polls by operation object, not by bare ID.
//
// Seeds are local frame paths rather than provider handles — the SDK takes
// raw image bytes inline, so UploadReference is the identity function.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel = "veo-3.1-generate-preview"

	veoAspectRatio = "16:9"
	veoResolution  = "1080p"
)

type VeoService struct {
	apiKey string
	model  string

	mu  sync.Mutex
	ops map[string]*veoOperation
}

type veoOperation struct {
	client    *genai.Client
	operation *genai.GenerateVideosOperation
	video     *genai.Video // set once the operation completes successfully
}

func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		ops:    make(map[string]*veoOperation),
	}
}

// UploadReference is a no-op for Veo: the seed image travels inline with the
// generation request, so the local path itself is the handle.
func (s *VeoService) UploadReference(ctx context.Context, imagePath string) (string, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return "", fmt.Errorf("reference image not readable: %w", err)
	}
	return imagePath, nil
}

// SubmitVideo starts a Veo generation operation and returns its name as the
// task ID. seedHandle, when non-empty, is a local image path used as the
// first frame. Veo chooses clip length itself; durationSec is accepted for
// interface compatibility and logged when it can't be honored.
func (s *VeoService) SubmitVideo(ctx context.Context, prompt string, durationSec int, seedHandle string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create genai client: %w", err)
	}

	var firstFrame *genai.Image
	if seedHandle != "" {
		data, err := os.ReadFile(seedHandle)
		if err != nil {
			return "", errs.Wrap(errs.KindSeedTransfer, "failed to read seed frame", err)
		}
		firstFrame = &genai.Image{
			ImageBytes: data,
			MIMEType:   mimeTypeForImage(seedHandle),
		}
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      veoAspectRatio,
		Resolution:       veoResolution,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] Starting video generation (model=%s, promptLen=%d, seeded=%v, requestedDuration=%ds)",
		s.model, len(prompt), firstFrame != nil, durationSec)

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, firstFrame, config)
	if err != nil {
		if strings.Contains(err.Error(), "image") && firstFrame != nil {
			return "", errs.Wrap(errs.KindSeedTransfer, "veo rejected seed frame", err)
		}
		return "", errs.Wrap(errs.KindExternalService, "failed to start video generation", err)
	}

	s.mu.Lock()
	s.ops[operation.Name] = &veoOperation{client: client, operation: operation}
	s.mu.Unlock()

	log.Printf("[Veo] Operation started: %s", operation.Name)
	return operation.Name, nil
}

// Poll refreshes the operation and reports its state. A finished operation's
// result URI is the task ID itself; Download resolves it through the SDK.
func (s *VeoService) Poll(ctx context.Context, taskID string) (models.TaskStatus, error) {
	s.mu.Lock()
	op, ok := s.ops[taskID]
	s.mu.Unlock()
	if !ok {
		return models.TaskStatus{}, errs.NotFound("unknown veo operation %s", taskID)
	}

	if !op.operation.Done {
		refreshed, err := op.client.Operations.GetVideosOperation(ctx, op.operation, nil)
		if err != nil {
			return models.TaskStatus{}, errs.Wrap(errs.KindExternalService, "failed to poll operation", err)
		}

		s.mu.Lock()
		op.operation = refreshed
		s.mu.Unlock()

		if !refreshed.Done {
			return models.TaskStatus{State: models.TaskStateRunning}, nil
		}
	}

	operation := op.operation

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return models.TaskStatus{State: models.TaskStateError, Message: string(errJSON)}, nil
	}

	if operation.Response == nil {
		return models.TaskStatus{State: models.TaskStateError, Message: fmt.Sprintf("no response in completed operation %s", operation.Name)}, nil
	}

	// Videos blocked by RAI safety filters
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return models.TaskStatus{State: models.TaskStateError, Message: fmt.Sprintf("video blocked by safety filters: %s", reasons)}, nil
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return models.TaskStatus{State: models.TaskStateError, Message: "no videos in completed operation"}, nil
	}

	s.mu.Lock()
	op.video = operation.Response.GeneratedVideos[0].Video
	s.mu.Unlock()

	return models.TaskStatus{State: models.TaskStateDone, ResultURI: taskID}, nil
}

// Download writes a finished operation's video bytes to destPath and drops
// the operation from the table.
func (s *VeoService) Download(ctx context.Context, uri, destPath string) error {
	s.mu.Lock()
	op, ok := s.ops[uri]
	s.mu.Unlock()
	if !ok || op.video == nil {
		return errs.NotFound("no downloadable video for operation %s", uri)
	}

	downloadURI := genai.NewDownloadURIFromVideo(op.video)
	videoBytes, err := op.client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return errs.Wrap(errs.KindExternalService, "failed to download generated video", err)
	}

	if len(videoBytes) == 0 {
		return fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	if err := os.WriteFile(destPath, videoBytes, 0644); err != nil {
		return fmt.Errorf("failed to write video to %s: %w", destPath, err)
	}

	s.mu.Lock()
	delete(s.ops, uri)
	s.mu.Unlock()

	log.Printf("[Veo] Video downloaded (%d bytes) -> %s", len(videoBytes), destPath)
	return nil
}

func mimeTypeForImage(path string) string {
	switch {
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	default:
		return "image/png"
	}
}
