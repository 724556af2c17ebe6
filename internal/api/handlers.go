package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/productflow/videogen/internal/errs"
	"github.com/productflow/videogen/internal/models"
)

// Service is the orchestrator surface the handlers call.
type Service interface {
	Submit(req models.GenerateScenesRequest) (string, error)
	GetStatus(jobID string) (models.JobStatus, error)
	RegenerateScene(req models.RegenerateSceneRequest) (models.SceneJob, error)
}

// Planner expands a product description into scene descriptions when the
// caller doesn't provide scenes explicitly.
type Planner interface {
	GeneratePlan(ctx context.Context, productDescription string) ([]models.SceneDescription, error)
}

type Handler struct {
	svc     Service
	planner Planner
}

func NewHandler(svc Service, planner Planner) *Handler {
	return &Handler{
		svc:     svc,
		planner: planner,
	}
}

// GenerateScenes handles POST /api/videos/generate-scenes
func (h *Handler) GenerateScenes(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateScenesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Scenes) == 0 && req.ProductDescription != "" {
		if h.planner == nil {
			respondError(w, http.StatusBadRequest, "Scene planning is not configured; provide scenes explicitly")
			return
		}
		scenes, err := h.planner.GeneratePlan(r.Context(), req.ProductDescription)
		if err != nil {
			log.Printf("[API] Scene planning failed: %v", err)
			respondError(w, http.StatusBadGateway, "Failed to plan scenes from product description")
			return
		}
		req.Scenes = scenes
	}

	jobID, err := h.svc.Submit(req)
	if err != nil {
		respondForError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.GenerateScenesResponse{
		JobID:   jobID,
		Message: "Scene generation started",
	})
}

// GetStatus handles GET /api/videos/status/{jobID}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	status, err := h.svc.GetStatus(jobID)
	if err != nil {
		respondForError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// RegenerateScene handles POST /api/videos/regenerate-scene
func (h *Handler) RegenerateScene(w http.ResponseWriter, r *http.Request) {
	var req models.RegenerateSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.JobID == "" || req.Scenario == "" {
		respondError(w, http.StatusBadRequest, "job_id and scenario are required")
		return
	}

	scene, err := h.svc.RegenerateScene(req)
	if err != nil {
		respondForError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.RegenerateSceneResponse{
		Scenario: req.Scenario,
		Scene:    scene,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondForError maps error kinds onto HTTP status codes.
func respondForError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindInvalidInput:
		respondError(w, http.StatusBadRequest, err.Error())
	case errs.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case errs.KindTooBusy:
		respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("[API] Internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
