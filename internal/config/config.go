package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Storage
	DatabaseURL string // Optional Postgres archive of finished jobs (empty = disabled)
	RedisURL    string // Optional Redis snapshot store (empty = disabled)
	OutputDir   string // Where final assembled videos land
	TempDir     string // Scratch space for clips, frames and intermediates

	// OpenAI (scene planning)
	OpenAIKey   string
	OpenAIModel string

	// Runware (image + video generation)
	RunwareKey        string
	RunwareURL        string
	RunwareImageModel string
	RunwareVideoModel string

	// Mirelo (video-to-sfx audio generation)
	MireloKey    string
	MireloURL    string
	MireloModel  string
	AudioEnabled bool

	// Veo (alternate video provider via the Gemini API)
	VideoProvider string // "runware" (default) or "veo"
	GeminiKey     string
	VeoModel      string

	// Orchestration
	MaxActiveJobs      int     // System-wide cap on in-flight generation jobs
	MaxConcurrentTasks int     // Fan-out concurrency within one job
	ContinuityEnabled  bool    // Seed each scene with the previous scene's last frame
	TransitionSeconds  float64 // Crossfade length between scenes
	JobTimeoutMinutes  int     // Hard bound on one job's background pipeline
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		OutputDir:          getEnv("OUTPUT_DIR", "outputs"),
		TempDir:            getEnv("TEMP_DIR", "/tmp/videogen"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o"),
		RunwareKey:         getEnv("RUNWARE_API_KEY", ""),
		RunwareURL:         getEnv("RUNWARE_API_URL", "https://api.runware.ai/v1"),
		RunwareImageModel:  getEnv("RUNWARE_IMAGE_MODEL", "runware:101@1"),
		RunwareVideoModel:  getEnv("RUNWARE_VIDEO_MODEL", "klingai:5@3"),
		MireloKey:          getEnv("MIRELO_API_KEY", ""),
		MireloURL:          getEnv("MIRELO_API_URL", "https://api.mirelo.ai"),
		MireloModel:        getEnv("MIRELO_MODEL", "salamandra-1.1"),
		AudioEnabled:       getEnvBool("AUDIO_ENABLED", true),
		VideoProvider:      getEnv("VIDEO_PROVIDER", "runware"),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		MaxActiveJobs:      getEnvInt("MAX_ACTIVE_JOBS", 8),
		MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", 4),
		ContinuityEnabled:  getEnvBool("FRAME_CONTINUITY_ENABLED", true),
		TransitionSeconds:  getEnvFloat("TRANSITION_SECONDS", 0.3),
		JobTimeoutMinutes:  getEnvInt("JOB_TIMEOUT_MINUTES", 45),
	}

	// Validate required fields
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	switch cfg.VideoProvider {
	case "runware":
		if cfg.RunwareKey == "" {
			return nil, fmt.Errorf("RUNWARE_API_KEY is required when VIDEO_PROVIDER=runware")
		}
	case "veo":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when VIDEO_PROVIDER=veo")
		}
		// Images still come from Runware even when Veo renders the video
		if cfg.RunwareKey == "" {
			return nil, fmt.Errorf("RUNWARE_API_KEY is required for image generation")
		}
	default:
		return nil, fmt.Errorf("unknown VIDEO_PROVIDER %q (want runware or veo)", cfg.VideoProvider)
	}

	if cfg.AudioEnabled && cfg.MireloKey == "" {
		return nil, fmt.Errorf("MIRELO_API_KEY is required when AUDIO_ENABLED=true")
	}

	if cfg.MaxConcurrentTasks < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1")
	}

	if cfg.TransitionSeconds < 0 {
		return nil, fmt.Errorf("TRANSITION_SECONDS must not be negative")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
