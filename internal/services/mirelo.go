package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Mirelo SFX Service
// Generates scene audio from a finished scene video (video-to-sfx). Three
// steps against their REST API: create a customer asset, PUT the video to
// the returned presigned URL, then request SFX generation for that asset.
//
// The generation endpoint itself is synchronous — it holds the connection
// until the audio is rendered. To present the same submit/poll surface as
// the other providers, SubmitAudio runs the blocking flow on its own
// goroutine and Poll reads the outcome from an in-process task table.
// ---------------------------------------------------------------------------

const (
	// Mirelo renders at most 10 seconds of audio per request
	mireloMaxDuration = 10

	mireloUploadTimeout   = 120 * time.Second
	mireloGenerateTimeout = 300 * time.Second
)

type MireloService struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	mu    sync.Mutex
	tasks map[string]*mireloTask
}

type mireloTask struct {
	done      bool
	resultURI string
	err       error
}

func NewMireloService(apiKey, baseURL, model string) *MireloService {
	return &MireloService{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: mireloGenerateTimeout,
		},
		tasks: make(map[string]*mireloTask),
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

type mireloAssetResponse struct {
	CustomerAssetID string `json:"customer_asset_id"`
	UploadURL       string `json:"upload_url"`
}

type mireloSFXRequest struct {
	CustomerAssetID string `json:"customer_asset_id"`
	TextPrompt      string `json:"text_prompt"`
	ModelVersion    string `json:"model_version"`
	NumSamples      int    `json:"num_samples"`
	Duration        int    `json:"duration"`
	CreativityCoef  int    `json:"creativity_coef"`
	ReturnAudioOnly bool   `json:"return_audio_only"`
}

type mireloSFXResponse struct {
	OutputPaths []string `json:"output_paths"`
}

// ---------------------------------------------------------------------------
// Adapter surface
// ---------------------------------------------------------------------------

// SubmitAudio starts SFX generation for a scene video and returns a task ID
// immediately. The upload + generation flow runs in the background; progress
// is observable through Poll.
func (s *MireloService) SubmitAudio(ctx context.Context, videoPath, prompt string, durationSec int) (string, error) {
	if durationSec > mireloMaxDuration {
		durationSec = mireloMaxDuration
	}
	if durationSec < 1 {
		durationSec = 1
	}

	taskID := uuid.New().String()

	s.mu.Lock()
	s.tasks[taskID] = &mireloTask{}
	s.mu.Unlock()

	log.Printf("[Mirelo] Submitting audio task %s (video=%s, duration=%ds)", taskID, videoPath, durationSec)

	go func() {
		uri, err := s.generate(ctx, videoPath, prompt, durationSec)

		s.mu.Lock()
		t := s.tasks[taskID]
		t.done = true
		t.resultURI = uri
		t.err = err
		s.mu.Unlock()
	}()

	return taskID, nil
}

// Poll reports the state of a previously submitted audio task.
func (s *MireloService) Poll(ctx context.Context, taskID string) (models.TaskStatus, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.TaskStatus{}, errs.NotFound("unknown audio task %s", taskID)
	}
	done, uri, err := t.done, t.resultURI, t.err
	s.mu.Unlock()

	if !done {
		return models.TaskStatus{State: models.TaskStateRunning}, nil
	}
	if err != nil {
		return models.TaskStatus{State: models.TaskStateError, Message: err.Error()}, nil
	}
	return models.TaskStatus{State: models.TaskStateDone, ResultURI: uri}, nil
}

// Download fetches a generated audio file into destPath.
func (s *MireloService) Download(ctx context.Context, uri, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("audio download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audio download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	return nil
}

// generate runs the full asset-upload-generate flow and returns the first
// generated audio URL.
func (s *MireloService) generate(ctx context.Context, videoPath, prompt string, durationSec int) (string, error) {
	assetID, uploadURL, err := s.createCustomerAsset(ctx)
	if err != nil {
		return "", err
	}

	if err := s.uploadVideo(ctx, uploadURL, videoPath); err != nil {
		return "", err
	}

	return s.videoToSFX(ctx, assetID, prompt, durationSec)
}

// createCustomerAsset reserves an asset slot and returns its presigned
// upload URL.
func (s *MireloService) createCustomerAsset(ctx context.Context) (string, string, error) {
	payload, _ := json.Marshal(map[string]string{"content_type": "video/mp4"})

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/create-customer-asset", bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", errs.Wrap(errs.KindExternalService, "mirelo asset creation failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", errs.New(errs.KindExternalService, fmt.Sprintf("mirelo create asset returned status %d: %s", resp.StatusCode, truncate(string(body), 300)))
	}

	var asset mireloAssetResponse
	if err := json.Unmarshal(body, &asset); err != nil {
		return "", "", fmt.Errorf("failed to parse asset response: %w", err)
	}
	if asset.CustomerAssetID == "" || asset.UploadURL == "" {
		return "", "", fmt.Errorf("incomplete asset response: %s", truncate(string(body), 300))
	}

	return asset.CustomerAssetID, asset.UploadURL, nil
}

// uploadVideo PUTs the raw video bytes to the presigned URL.
func (s *MireloService) uploadVideo(ctx context.Context, uploadURL, videoPath string) error {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return fmt.Errorf("failed to read video for upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "video/mp4")
	req.ContentLength = int64(len(data))

	client := &http.Client{Timeout: mireloUploadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindExternalService, "mirelo video upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindExternalService, fmt.Sprintf("mirelo upload returned status %d: %s", resp.StatusCode, truncate(string(body), 300)))
	}

	log.Printf("[Mirelo] Uploaded %d bytes from %s", len(data), videoPath)
	return nil
}

// videoToSFX requests sound effects for an uploaded asset and returns the
// first rendered audio URL. The endpoint blocks until rendering finishes.
func (s *MireloService) videoToSFX(ctx context.Context, assetID, prompt string, durationSec int) (string, error) {
	payload, err := json.Marshal(mireloSFXRequest{
		CustomerAssetID: assetID,
		TextPrompt:      prompt,
		ModelVersion:    s.model,
		NumSamples:      1,
		Duration:        durationSec,
		CreativityCoef:  5,
		ReturnAudioOnly: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sfx request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/video-to-sfx", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create sfx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindExternalService, "mirelo sfx request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", errs.New(errs.KindExternalService, fmt.Sprintf("mirelo sfx returned status %d: %s", resp.StatusCode, truncate(string(body), 300)))
	}

	var sfx mireloSFXResponse
	if err := json.Unmarshal(body, &sfx); err != nil {
		return "", fmt.Errorf("failed to parse sfx response: %w", err)
	}
	if len(sfx.OutputPaths) == 0 {
		return "", errs.New(errs.KindExternalService, "mirelo returned no audio files")
	}

	return sfx.OutputPaths[0], nil
}
