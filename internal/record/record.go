// Package record defines the domain types shared by the local store, the
// sync engine, and the companion backend: detection results, training image
// entries, and the closed disease label set.
package record

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidLabel is returned when a disease label outside the closed set is supplied.
var ErrInvalidLabel = errors.New("invalid disease label")

// Disease is one of the closed set of classification labels the outer-eye
// model is trained on.
type Disease string

const (
	DiseaseNormal         Disease = "normal"
	DiseaseUveitis        Disease = "uveitis"
	DiseaseConjunctivitis Disease = "conjunctivitis"
	DiseaseCataract       Disease = "cataract"
	DiseaseEyelidDrooping Disease = "eyelid_drooping"
)

// Diseases lists every valid label in display order.
func Diseases() []Disease {
	return []Disease{
		DiseaseNormal,
		DiseaseUveitis,
		DiseaseConjunctivitis,
		DiseaseCataract,
		DiseaseEyelidDrooping,
	}
}

// Valid reports whether d is a member of the closed label set.
func (d Disease) Valid() bool {
	switch d {
	case DiseaseNormal, DiseaseUveitis, DiseaseConjunctivitis, DiseaseCataract, DiseaseEyelidDrooping:
		return true
	}
	return false
}

// ParseDisease validates a raw label string.
func ParseDisease(s string) (Disease, error) {
	d := Disease(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
	return d, nil
}

// Detection is a single class score produced by the classifier.
type Detection struct {
	Disease    Disease `json:"disease"`
	Confidence float64 `json:"confidence"` // 0..1
	Percentage float64 `json:"percentage"` // 0..100
}

// DetectionRecord is one analyzed capture. Detections are ordered by
// descending confidence and Detections[0].Disease always equals
// PrimaryDisease.
type DetectionRecord struct {
	ID             string      `json:"id"`
	PrimaryDisease Disease     `json:"primaryDisease"`
	Detections     []Detection `json:"detections"`
	ImageURI       string      `json:"imageUri"`
	Timestamp      time.Time   `json:"timestamp"`
	UploadedAt     time.Time   `json:"uploadedAt"`
	Details        string      `json:"details"`
	Synced         bool        `json:"synced"`
}

// TrainingImageRecord is one image contributed to the training set.
type TrainingImageRecord struct {
	ID               string    `json:"id"`
	Disease          Disease   `json:"disease"`
	ImageURI         string    `json:"imageUri"`
	UploadedAt       time.Time `json:"uploadedAt"`
	Validated        bool      `json:"validated"`
	ValidationReason string    `json:"validationReason,omitempty"`
	Synced           bool      `json:"synced"`
}

// ModelStats is the per-label aggregate the backend serves for the
// progressive-accuracy display.
type ModelStats struct {
	Disease             Disease   `json:"disease"`
	TotalTrainingImages int       `json:"totalTrainingImages"`
	Accuracy            float64   `json:"accuracy"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// SyncStatus is a snapshot of the device's synchronization state.
type SyncStatus struct {
	LastSyncTime          time.Time `json:"lastSyncTime"`
	PendingDetections     int       `json:"pendingDetections"`
	PendingTrainingImages int       `json:"pendingTrainingImages"`
	SyncInProgress        bool      `json:"syncInProgress"`
}

// Validation is the verdict of the remote training-image validator.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// NewAnalysis normalizes raw classifier output into the canonical detection
// shape: every label validated, detections sorted by descending confidence,
// and the primary disease derived from the top entry. The classifier itself
// is an external collaborator; this is the only contract it must satisfy.
func NewAnalysis(detections []Detection) (Disease, []Detection, error) {
	if len(detections) == 0 {
		return "", nil, errors.New("analysis produced no detections")
	}
	for _, d := range detections {
		if !d.Disease.Valid() {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidLabel, d.Disease)
		}
	}
	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	return sorted[0].Disease, sorted, nil
}
