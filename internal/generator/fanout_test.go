package generator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// fastPoll keeps the wait loop tight enough for tests.
func fastPoll() PollConfig {
	return PollConfig{
		InitialDelay:  0,
		MinInterval:   time.Millisecond,
		MaxInterval:   2 * time.Millisecond,
		BackoffFactor: 1.5,
		MaxDuration:   2 * time.Second,
	}
}

// fakeImageClient simulates the async provider with per-task completion
// delays so completion order differs from submission order.
type fakeImageClient struct {
	mu        sync.Mutex
	delays    map[string]time.Duration // prompt -> completion delay
	failing   map[string]bool          // prompt -> provider failure
	uploadErr map[string]bool          // local path substring -> registration failure
	submitted map[string]time.Time     // taskID -> submit time
	prompts   map[string]string        // taskID -> prompt
	inflight  int
	maxSeen   int
}

func newFakeImageClient() *fakeImageClient {
	return &fakeImageClient{
		delays:    make(map[string]time.Duration),
		failing:   make(map[string]bool),
		uploadErr: make(map[string]bool),
		submitted: make(map[string]time.Time),
		prompts:   make(map[string]string),
	}
}

func (f *fakeImageClient) SubmitImage(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	taskID := fmt.Sprintf("task-%d", len(f.submitted))
	f.submitted[taskID] = time.Now()
	f.prompts[taskID] = prompt
	return taskID, nil
}

func (f *fakeImageClient) Poll(ctx context.Context, taskID string) (models.TaskStatus, error) {
	f.mu.Lock()
	start := f.submitted[taskID]
	prompt := f.prompts[taskID]
	delay := f.delays[prompt]
	failing := f.failing[prompt]
	f.mu.Unlock()

	if time.Since(start) < delay {
		return models.TaskStatus{State: models.TaskStateRunning}, nil
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()

	if failing {
		return models.TaskStatus{State: models.TaskStateError, Message: "simulated provider failure"}, nil
	}
	return models.TaskStatus{State: models.TaskStateDone, ResultURI: "uri-" + prompt}, nil
}

func (f *fakeImageClient) UploadReference(ctx context.Context, imagePath string) (string, error) {
	for substr := range f.uploadErr {
		if strings.Contains(imagePath, substr) {
			return "", fmt.Errorf("simulated upload rejection")
		}
	}
	return "handle-" + filepath.Base(imagePath), nil
}

func (f *fakeImageClient) Download(ctx context.Context, uri, destPath string) error {
	return os.WriteFile(destPath, []byte(uri), 0644)
}

func TestFanOutPreservesInputOrder(t *testing.T) {
	client := newFakeImageClient()

	tasks := make([]ImageTask, 8)
	for i := range tasks {
		tasks[i] = ImageTask{
			Scenario: fmt.Sprintf("scene%d", i),
			Prompt:   fmt.Sprintf("prompt%d", i),
		}
		// Randomized completion delays: completion order != input order
		client.delays[tasks[i].Prompt] = time.Duration(rand.Intn(30)) * time.Millisecond
	}

	f := NewFanOut(4, fastPoll())
	results := f.GenerateImages(context.Background(), client, client, tasks, t.TempDir())

	if len(results) != len(tasks) {
		t.Fatalf("expected %d results, got %d", len(tasks), len(results))
	}
	for i, res := range results {
		if res.Scenario != tasks[i].Scenario {
			t.Errorf("result %d: expected scenario %s, got %s", i, tasks[i].Scenario, res.Scenario)
		}
		if !res.Succeeded() {
			t.Errorf("result %d unexpectedly failed: %v", i, res.Err)
		}
		if res.Handle == "" {
			t.Errorf("result %d missing reference handle", i)
		}
	}
}

func TestFanOutBoundedConcurrency(t *testing.T) {
	client := newFakeImageClient()

	tasks := make([]ImageTask, 10)
	for i := range tasks {
		tasks[i] = ImageTask{Scenario: fmt.Sprintf("s%d", i), Prompt: fmt.Sprintf("p%d", i)}
		client.delays[tasks[i].Prompt] = 10 * time.Millisecond
	}

	f := NewFanOut(3, fastPoll())
	f.GenerateImages(context.Background(), client, client, tasks, t.TempDir())

	client.mu.Lock()
	maxSeen := client.maxSeen
	client.mu.Unlock()

	if maxSeen > 3 {
		t.Errorf("concurrency limit violated: %d tasks in flight", maxSeen)
	}
}

func TestFanOutPartialFailure(t *testing.T) {
	client := newFakeImageClient()
	client.failing["p1"] = true

	tasks := []ImageTask{
		{Scenario: "hook", Prompt: "p0"},
		{Scenario: "problem", Prompt: "p1"},
		{Scenario: "solution", Prompt: "p2"},
	}

	f := NewFanOut(4, fastPoll())
	results := f.GenerateImages(context.Background(), client, client, tasks, t.TempDir())

	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("sibling tasks must not be aborted by one failure: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Error("failing task should carry its error")
	}
	if results[1].LocalPath != "" {
		t.Error("failed task should not report an artifact")
	}
}

func TestFanOutRegistrationFailureKeepsArtifact(t *testing.T) {
	client := newFakeImageClient()
	client.uploadErr["hook"] = true

	tasks := []ImageTask{{Scenario: "hook", Prompt: "p0"}}

	f := NewFanOut(4, fastPoll())
	results := f.GenerateImages(context.Background(), client, client, tasks, t.TempDir())

	res := results[0]
	if !res.Succeeded() {
		t.Fatalf("task should succeed despite registration failure: %v", res.Err)
	}
	if res.LocalPath == "" {
		t.Error("artifact path missing")
	}
	if res.Handle != "" {
		t.Error("handle should be empty when registration failed")
	}
	if res.HandleErr == nil {
		t.Error("registration failure should be recorded")
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	client := newFakeImageClient()
	client.delays["slow"] = time.Hour

	taskID, _ := client.SubmitImage(context.Background(), "slow")

	cfg := fastPoll()
	cfg.MaxDuration = 20 * time.Millisecond

	_, err := waitForTask(context.Background(), client, taskID, cfg, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errs.IsKind(err, errs.KindTimeout) {
		t.Errorf("expected generation timeout kind, got: %v", err)
	}
}
