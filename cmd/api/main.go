package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/productflow/videogen/internal/api"
	"github.com/productflow/videogen/internal/assembly"
	"github.com/productflow/videogen/internal/config"
	"github.com/productflow/videogen/internal/db"
	"github.com/productflow/videogen/internal/generator"
	"github.com/productflow/videogen/internal/orchestrator"
	"github.com/productflow/videogen/internal/services"
	"github.com/productflow/videogen/internal/store"
)

func main() {
	log.Println("Starting VideoGen API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	// Transcoder (ffmpeg/ffprobe)
	transcoder := services.NewTranscoder(cfg.TempDir)
	if !transcoder.Available() {
		log.Fatal("ffmpeg not found on PATH; it is required for frame extraction and assembly")
	}

	// Generation clients
	runware := services.NewRunwareService(cfg.RunwareKey, cfg.RunwareURL, cfg.RunwareImageModel, cfg.RunwareVideoModel)

	var video generator.VideoClient = runware
	if cfg.VideoProvider == "veo" {
		video = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
		log.Printf("Video provider: Veo (model: %s)", cfg.VeoModel)
	} else {
		log.Printf("Video provider: Runware (model: %s)", cfg.RunwareVideoModel)
	}

	var audio generator.AudioClient
	if cfg.AudioEnabled {
		audio = services.NewMireloService(cfg.MireloKey, cfg.MireloURL, cfg.MireloModel)
		log.Printf("Audio generation enabled (model: %s)", cfg.MireloModel)
	} else {
		log.Println("Audio generation disabled — scenes ship without soundtracks")
	}

	planner := services.NewPlannerService(cfg.OpenAIKey, cfg.OpenAIModel)

	// Optional snapshot store
	var snapshots orchestrator.Snapshotter
	if cfg.RedisURL != "" {
		s, err := store.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer s.Close()
		snapshots = s
		log.Println("Connected to Redis snapshot store")
	}

	// Optional job archive
	var archive orchestrator.Archiver
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		archive = database
		log.Println("Connected to Postgres job archive")
	}

	orch := orchestrator.New(orchestrator.Options{
		MaxActiveJobs:      cfg.MaxActiveJobs,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		ContinuityEnabled:  cfg.ContinuityEnabled,
		JobTimeout:         time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		OutputDir:          cfg.OutputDir,
		TempDir:            cfg.TempDir,
		Poll:               generator.DefaultPollConfig(),
	}, orchestrator.Deps{
		Image:     runware,
		Video:     video,
		Audio:     audio,
		Frames:    transcoder,
		Assembler: assembly.NewEngine(transcoder, cfg.TransitionSeconds),
		Store:     snapshots,
		Archive:   archive,
	})

	handler := api.NewHandler(orch, planner)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
