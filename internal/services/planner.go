package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/productflow/videogen/internal/models"
)

// ---------------------------------------------------------------------------
// Scene Planner
// Turns a free-form product description into the four structured scene
// descriptions (hook/problem/solution/cta) the orchestrator consumes.
// Parsing of the model output is a pure function with a defined fallback,
// so a malformed response degrades to a generic plan instead of failing.
// ---------------------------------------------------------------------------

// requiredScenarios is the canonical scene order for a product video.
var requiredScenarios = []string{"hook", "problem", "solution", "cta"}

const defaultSceneDuration = 5

type PlannerService struct {
	client *openai.Client
	model  string
}

func NewPlannerService(apiKey, model string) *PlannerService {
	return &PlannerService{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// scenePlan is the JSON shape requested from the model.
type scenePlan struct {
	Scenes []planScene `json:"scenes"`
}

type planScene struct {
	Scenario        string `json:"scenario"`
	Description     string `json:"description"`
	VideoPrompt     string `json:"video_prompt"`
	AudioPrompt     string `json:"audio_prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

// GeneratePlan asks the model for a four-scene plan. When the response can't
// be parsed into a usable plan, the generic fallback plan is returned instead
// of an error — the downstream pipeline works either way.
func (s *PlannerService) GeneratePlan(ctx context.Context, productDescription string) ([]models.SceneDescription, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: planSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Product description:\n%s", productDescription),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content

	scenes, ok := ParseScenePlan(rawContent)
	if !ok {
		log.Printf("[Planner] Unparseable plan response, using fallback (rawLen=%d)", len(rawContent))
		return FallbackScenePlan(productDescription), nil
	}

	log.Printf("[Planner] Plan generated: %d scenes", len(scenes))
	return scenes, nil
}

// ParseScenePlan parses the model's JSON into scene descriptions. It returns
// ok=false when the input is not a usable plan: invalid JSON, no scenes,
// unknown or duplicate scenarios, or scenes missing a description. Durations
// outside 1-10s are normalized rather than rejected.
func ParseScenePlan(raw string) ([]models.SceneDescription, bool) {
	var plan scenePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, false
	}
	if len(plan.Scenes) == 0 {
		return nil, false
	}

	known := make(map[string]bool, len(requiredScenarios))
	for _, s := range requiredScenarios {
		known[s] = true
	}

	seen := make(map[string]bool, len(plan.Scenes))
	out := make([]models.SceneDescription, 0, len(plan.Scenes))

	for _, sc := range plan.Scenes {
		scenario := strings.ToLower(strings.TrimSpace(sc.Scenario))
		if !known[scenario] || seen[scenario] {
			return nil, false
		}
		if strings.TrimSpace(sc.Description) == "" {
			return nil, false
		}
		seen[scenario] = true

		duration := sc.DurationSeconds
		if duration < 1 {
			duration = defaultSceneDuration
		}
		if duration > 10 {
			duration = 10
		}

		videoPrompt := sc.VideoPrompt
		if videoPrompt == "" {
			videoPrompt = sc.Description
		}

		out = append(out, models.SceneDescription{
			Scenario:        scenario,
			Description:     sc.Description,
			VideoPrompt:     videoPrompt,
			AudioPrompt:     sc.AudioPrompt,
			DurationSeconds: duration,
		})
	}

	return out, true
}

// FallbackScenePlan is the defined fallback for unparseable planner output:
// four generic scenes built directly from the product description.
func FallbackScenePlan(productDescription string) []models.SceneDescription {
	intros := map[string]string{
		"hook":     "Attention-grabbing opening shot of",
		"problem":  "A frustrating everyday situation solved by",
		"solution": "Clear demonstration of",
		"cta":      "Closing shot with a call to action for",
	}

	out := make([]models.SceneDescription, 0, len(requiredScenarios))
	for _, scenario := range requiredScenarios {
		desc := fmt.Sprintf("%s %s", intros[scenario], productDescription)
		out = append(out, models.SceneDescription{
			Scenario:        scenario,
			Description:     desc,
			VideoPrompt:     desc,
			DurationSeconds: defaultSceneDuration,
		})
	}
	return out
}

const planSystemPrompt = `You are a short-form product video planner. Given a product description, produce a JSON object with a "scenes" array of exactly four scenes, in this order: "hook", "problem", "solution", "cta".

Each scene object must have:
- "scenario": one of hook, problem, solution, cta
- "description": a vivid still-image prompt for the scene
- "video_prompt": motion/action direction for a 5-10 second clip
- "audio_prompt": ambient sound direction for the scene
- "duration_seconds": 5 or 10

Respond with JSON only.`
