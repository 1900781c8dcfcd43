package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/retrain"
)

// RecordStore abstracts the backend's record persistence.
type RecordStore interface {
	LoadDetections(ctx context.Context) ([]record.DetectionRecord, error)
	MergeDetections(ctx context.Context, recs []record.DetectionRecord) ([]record.DetectionRecord, error)
	LoadTrainingImages(ctx context.Context) ([]record.TrainingImageRecord, error)
	MergeTrainingImages(ctx context.Context, recs []record.TrainingImageRecord) ([]record.TrainingImageRecord, error)
}

// Retrainer abstracts the external retraining job.
type Retrainer interface {
	Run(ctx context.Context, images []record.TrainingImageRecord, p retrain.Params) (retrain.Result, error)
}

// Per-label accuracy before any contributed training data. Served accuracy
// grows with the validated image count, 0.2% per image up to +15%, never
// above 98%.
var baseAccuracy = map[record.Disease]float64{
	record.DiseaseNormal:         0.90,
	record.DiseaseUveitis:        0.82,
	record.DiseaseConjunctivitis: 0.85,
	record.DiseaseCataract:       0.88,
	record.DiseaseEyelidDrooping: 0.84,
}

func modelAccuracy(disease record.Disease, trainingCount int) float64 {
	improvement := float64(trainingCount) * 0.002
	if improvement > 0.15 {
		improvement = 0.15
	}
	acc := baseAccuracy[disease] + improvement
	if acc > 0.98 {
		acc = 0.98
	}
	return acc
}

// Server is the companion backend's HTTP surface.
type Server struct {
	store     RecordStore
	validator Validator
	retrainer Retrainer
	logger    *slog.Logger
}

// NewServer creates a Server. A nil validator falls back to LabelValidator.
func NewServer(store RecordStore, validator Validator, retrainer Retrainer) *Server {
	if validator == nil {
		validator = LabelValidator{}
	}
	return &Server{
		store:     store,
		validator: validator,
		retrainer: retrainer,
		logger:    slog.Default(),
	}
}

// Router builds the HTTP routes. The health endpoint is always open; the
// record endpoints require the bearer token when one is configured.
func (s *Server) Router(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if token != "" {
			r.Use(BearerAuth(token))
		}
		r.Post("/detections", s.handleSaveDetection)
		r.Get("/detections", s.handleListDetections)
		r.Post("/training-images", s.handleSaveTrainingImage)
		r.Post("/training-images/validate", s.handleValidate)
		r.Get("/stats", s.handleStats)
		r.Post("/retrain", s.handleRetrain)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// saveReply mirrors what the device's sync client expects back.
type saveReply struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	SavedAt string `json:"savedAt"`
}

// handleSaveDetection accepts one detection record. Resubmitting an ID the
// store already holds overwrites that record and succeeds, so device retries
// after a lost response never duplicate history.
func (s *Server) handleSaveDetection(w http.ResponseWriter, r *http.Request) {
	var rec record.DetectionRecord
	if err := decodeBody(w, r, &rec); err != nil {
		return
	}
	if rec.ID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "detection record missing id")
		return
	}
	if !rec.PrimaryDisease.Valid() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown disease label %q", rec.PrimaryDisease)
		return
	}

	rec.Synced = true
	if _, err := s.store.MergeDetections(r.Context(), []record.DetectionRecord{rec}); err != nil {
		s.logger.Error("saving detection", "id", rec.ID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to save detection")
		return
	}
	writeJSON(w, saveReply{Success: true, ID: rec.ID, SavedAt: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleSaveTrainingImage(w http.ResponseWriter, r *http.Request) {
	var rec record.TrainingImageRecord
	if err := decodeBody(w, r, &rec); err != nil {
		return
	}
	if rec.ID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "training image record missing id")
		return
	}
	if !rec.Disease.Valid() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown disease label %q", rec.Disease)
		return
	}

	rec.Synced = true
	if _, err := s.store.MergeTrainingImages(r.Context(), []record.TrainingImageRecord{rec}); err != nil {
		s.logger.Error("saving training image", "id", rec.ID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to save training image")
		return
	}
	writeJSON(w, saveReply{Success: true, ID: rec.ID, SavedAt: time.Now().UTC().Format(time.RFC3339)})
}

type validateBody struct {
	ImageURI string         `json:"imageUri"`
	Disease  record.Disease `json:"disease"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := decodeBody(w, r, &body); err != nil {
		return
	}
	if body.ImageURI == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "imageUri is required")
		return
	}

	verdict, err := s.validator.Validate(r.Context(), body.ImageURI, body.Disease)
	if err != nil {
		s.logger.Error("validating training image", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "validation failed")
		return
	}
	writeJSON(w, verdict)
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	var filter record.Disease
	if raw := r.URL.Query().Get("disease"); raw != "" {
		d, err := record.ParseDisease(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown disease label %q", raw)
			return
		}
		filter = d
	}
	limit := parseIntParam(r, "limit", 50, 500)

	dets, err := s.store.LoadDetections(r.Context())
	if err != nil {
		s.logger.Error("loading detections", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load detections")
		return
	}

	out := make([]record.DetectionRecord, 0, len(dets))
	for _, d := range dets {
		if filter == "" || d.PrimaryDisease == filter {
			out = append(out, d)
		}
	}
	// Records are stored oldest first; serve the most recent window.
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, map[string]any{"records": out, "total": len(out)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.store.LoadTrainingImages(r.Context())
	if err != nil {
		s.logger.Error("loading training images", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load training images")
		return
	}

	counts := make(map[record.Disease]int)
	updated := make(map[record.Disease]time.Time)
	for _, img := range imgs {
		if !img.Validated {
			continue
		}
		counts[img.Disease]++
		if img.UploadedAt.After(updated[img.Disease]) {
			updated[img.Disease] = img.UploadedAt
		}
	}

	stats := make([]record.ModelStats, 0, len(baseAccuracy))
	for _, d := range record.Diseases() {
		stats = append(stats, record.ModelStats{
			Disease:             d,
			TotalTrainingImages: counts[d],
			Accuracy:            modelAccuracy(d, counts[d]),
			LastUpdated:         updated[d],
		})
	}
	writeJSON(w, map[string]any{"stats": stats})
}

type retrainReply struct {
	Success bool `json:"success"`
	retrain.Result
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var params retrain.Params
	if err := decodeBody(w, r, &params); err != nil {
		return
	}

	imgs, err := s.store.LoadTrainingImages(r.Context())
	if err != nil {
		s.logger.Error("loading training images for retrain", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load training images")
		return
	}

	res, err := s.retrainer.Run(r.Context(), imgs, params)
	if err != nil {
		if errors.Is(err, retrain.ErrBusy) {
			httpError(w, http.StatusConflict, "retrain_busy", "a retraining job is already running")
			return
		}
		var jobErr *retrain.JobError
		if errors.As(err, &jobErr) {
			httpError(w, http.StatusInternalServerError, "retrain_failed",
				"training process exited with code %d, log at %s", jobErr.ExitCode, jobErr.LogPath)
			return
		}
		s.logger.Error("retraining", "error", err)
		httpError(w, http.StatusInternalServerError, "retrain_failed", "retraining failed: %v", err)
		return
	}
	writeJSON(w, retrainReply{Success: true, Result: res})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
		return err
	}
	return nil
}
