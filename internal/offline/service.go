// Package offline is the public surface capture and training flows go
// through: it creates records locally first, attempts best-effort immediate
// sync, and answers the aggregate queries the UI needs. The canonical copy
// of every record lives in the store; the caches held here are refreshed
// from mutation results, never treated as a source of truth.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/store"
	"github.com/irisync/irisync/internal/syncer"
)

// Store abstracts the local record store.
type Store interface {
	LoadDetections(ctx context.Context) ([]record.DetectionRecord, error)
	MergeDetections(ctx context.Context, recs []record.DetectionRecord) ([]record.DetectionRecord, error)
	LoadTrainingImages(ctx context.Context) ([]record.TrainingImageRecord, error)
	MergeTrainingImages(ctx context.Context, recs []record.TrainingImageRecord) ([]record.TrainingImageRecord, error)
}

// Syncer abstracts the sync engine.
type Syncer interface {
	SyncPending(ctx context.Context) syncer.Result
	TrySubmitDetection(ctx context.Context, rec record.DetectionRecord) bool
	TrySubmitTrainingImage(ctx context.Context, rec record.TrainingImageRecord) bool
	Sweeping() bool
	LastSync() time.Time
}

// Connectivity exposes current reachability.
type Connectivity interface {
	Online() bool
}

// Validator abstracts the remote training-image validator.
type Validator interface {
	ValidateTrainingImage(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error)
}

// CreateDetectionParams carries the classifier output for a new detection.
type CreateDetectionParams struct {
	ImageURI   string
	Details    string
	Detections []record.Detection
}

// CreateTrainingImageParams carries a new training-image contribution.
type CreateTrainingImageParams struct {
	ImageURI         string
	Disease          record.Disease
	Validated        bool
	ValidationReason string
}

// Service is the record mutation API. All dependencies are injected; there
// is no package-level state.
type Service struct {
	store     Store
	engine    Syncer
	net       Connectivity
	validator Validator
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.RWMutex
	detections []record.DetectionRecord
	training   []record.TrainingImageRecord
}

// New creates a Service. validator may be nil when the training flow is
// unused. Call Load before serving queries.
func New(st Store, engine Syncer, net Connectivity, validator Validator) *Service {
	return &Service{
		store:     st,
		engine:    engine,
		net:       net,
		validator: validator,
		timeout:   15 * time.Second,
		logger:    slog.Default(),
	}
}

// Load populates the in-memory caches from the store. A corrupt snapshot is
// logged and treated as an empty collection.
func (s *Service) Load(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) error {
	dets, err := s.store.LoadDetections(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return fmt.Errorf("loading detections: %w", err)
		}
		s.logger.Warn("detection collection corrupt, starting empty", "error", err)
		dets = nil
	}
	imgs, err := s.store.LoadTrainingImages(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return fmt.Errorf("loading training images: %w", err)
		}
		s.logger.Warn("training collection corrupt, starting empty", "error", err)
		imgs = nil
	}

	s.mu.Lock()
	s.detections = dets
	s.training = imgs
	s.mu.Unlock()
	return nil
}

// CreateDetection persists a new detection record and, when online, attempts
// one immediate submission. The local write is the durability guarantee: its
// failure fails the call, a sync failure never does.
func (s *Service) CreateDetection(ctx context.Context, params CreateDetectionParams) (record.DetectionRecord, error) {
	primary, detections, err := record.NewAnalysis(params.Detections)
	if err != nil {
		return record.DetectionRecord{}, err
	}

	now := time.Now().UTC()
	rec := record.DetectionRecord{
		ID:             uuid.New().String(),
		PrimaryDisease: primary,
		Detections:     detections,
		ImageURI:       params.ImageURI,
		Timestamp:      now,
		UploadedAt:     now,
		Details:        params.Details,
		Synced:         false,
	}

	merged, err := s.store.MergeDetections(ctx, []record.DetectionRecord{rec})
	if err != nil {
		return record.DetectionRecord{}, fmt.Errorf("persisting detection: %w", err)
	}
	s.setDetections(merged)

	if s.net.Online() && s.engine.TrySubmitDetection(ctx, rec) {
		rec.Synced = true
		if fresh, err := s.store.LoadDetections(ctx); err == nil {
			s.setDetections(fresh)
		}
	}
	return rec, nil
}

// CreateTrainingImage persists a new training-image record with the same
// local-first semantics. Labels outside the closed set are rejected with
// record.ErrInvalidLabel and nothing is created.
func (s *Service) CreateTrainingImage(ctx context.Context, params CreateTrainingImageParams) (record.TrainingImageRecord, error) {
	if !params.Disease.Valid() {
		return record.TrainingImageRecord{}, fmt.Errorf("%w: %q", record.ErrInvalidLabel, params.Disease)
	}

	rec := record.TrainingImageRecord{
		ID:               uuid.New().String(),
		Disease:          params.Disease,
		ImageURI:         params.ImageURI,
		UploadedAt:       time.Now().UTC(),
		Validated:        params.Validated,
		ValidationReason: params.ValidationReason,
		Synced:           false,
	}

	merged, err := s.store.MergeTrainingImages(ctx, []record.TrainingImageRecord{rec})
	if err != nil {
		return record.TrainingImageRecord{}, fmt.Errorf("persisting training image: %w", err)
	}
	s.setTraining(merged)

	if s.net.Online() && s.engine.TrySubmitTrainingImage(ctx, rec) {
		rec.Synced = true
		if fresh, err := s.store.LoadTrainingImages(ctx); err == nil {
			s.setTraining(fresh)
		}
	}
	return rec, nil
}

// ValidateTrainingImage asks the remote validator whether an image is fit
// for training. The verdict for a rejected image is a structured reason, not
// an error; transport failures surface as errors.
func (s *Service) ValidateTrainingImage(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error) {
	if !disease.Valid() {
		return record.Validation{}, fmt.Errorf("%w: %q", record.ErrInvalidLabel, disease)
	}
	if s.validator == nil {
		return record.Validation{}, errors.New("no validator configured")
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.validator.ValidateTrainingImage(vctx, imageURI, disease)
}

// SyncPending runs a full sweep and refreshes the caches from the store.
// Wired to startup and to every offline-to-online transition.
func (s *Service) SyncPending(ctx context.Context) syncer.Result {
	res := s.engine.SyncPending(ctx)
	if err := s.refresh(ctx); err != nil {
		s.logger.Error("refreshing caches after sweep", "error", err)
	}
	return res
}

// Detections returns the cached detection history, optionally filtered by
// primary disease (empty means all), newest last.
func (s *Service) Detections(disease record.Disease) []record.DetectionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.DetectionRecord, 0, len(s.detections))
	for _, d := range s.detections {
		if disease == "" || d.PrimaryDisease == disease {
			out = append(out, d)
		}
	}
	return out
}

// TrainingImageCount returns how many cached training images carry the label.
func (s *Service) TrainingImageCount(disease record.Disease) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.training {
		if t.Disease == disease {
			n++
		}
	}
	return n
}

// PendingSyncCount returns the number of unsynced records across both
// collections; it drives the user-visible pending badge.
func (s *Service) PendingSyncCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingDetectionsLocked() + s.pendingTrainingLocked()
}

// Status returns a snapshot of the device's sync state.
func (s *Service) Status() record.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return record.SyncStatus{
		LastSyncTime:          s.engine.LastSync(),
		PendingDetections:     s.pendingDetectionsLocked(),
		PendingTrainingImages: s.pendingTrainingLocked(),
		SyncInProgress:        s.engine.Sweeping(),
	}
}

func (s *Service) pendingDetectionsLocked() int {
	n := 0
	for _, d := range s.detections {
		if !d.Synced {
			n++
		}
	}
	return n
}

func (s *Service) pendingTrainingLocked() int {
	n := 0
	for _, t := range s.training {
		if !t.Synced {
			n++
		}
	}
	return n
}

func (s *Service) setDetections(recs []record.DetectionRecord) {
	s.mu.Lock()
	s.detections = recs
	s.mu.Unlock()
}

func (s *Service) setTraining(recs []record.TrainingImageRecord) {
	s.mu.Lock()
	s.training = recs
	s.mu.Unlock()
}
