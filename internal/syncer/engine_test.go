package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/store"
)

type mockSubmitter struct {
	mu          sync.Mutex
	detections  []string
	training    []string
	detectionFn func(rec record.DetectionRecord) error
	trainingFn  func(rec record.TrainingImageRecord) error
}

func (m *mockSubmitter) SubmitDetection(_ context.Context, rec record.DetectionRecord) error {
	if m.detectionFn != nil {
		if err := m.detectionFn(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = append(m.detections, rec.ID)
	return nil
}

func (m *mockSubmitter) SubmitTrainingImage(_ context.Context, rec record.TrainingImageRecord) error {
	if m.trainingFn != nil {
		if err := m.trainingFn(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.training = append(m.training, rec.ID)
	return nil
}

func (m *mockSubmitter) submittedDetections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.detections...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDetection(t *testing.T, s *store.Store, id string, synced bool) {
	t.Helper()
	now := time.Now().UTC()
	_, err := s.MergeDetections(context.Background(), []record.DetectionRecord{{
		ID:             id,
		PrimaryDisease: record.DiseaseConjunctivitis,
		Detections:     []record.Detection{{Disease: record.DiseaseConjunctivitis, Confidence: 0.8, Percentage: 80}},
		ImageURI:       "file:///captures/" + id + ".jpg",
		Timestamp:      now,
		UploadedAt:     now,
		Synced:         synced,
	}})
	if err != nil {
		t.Fatalf("seeding detection %s: %v", id, err)
	}
}

func seedTrainingImage(t *testing.T, s *store.Store, id string, synced bool) {
	t.Helper()
	_, err := s.MergeTrainingImages(context.Background(), []record.TrainingImageRecord{{
		ID:         id,
		Disease:    record.DiseaseCataract,
		ImageURI:   "file:///training/" + id + ".jpg",
		UploadedAt: time.Now().UTC(),
		Validated:  true,
		Synced:     synced,
	}})
	if err != nil {
		t.Fatalf("seeding training image %s: %v", id, err)
	}
}

func TestSweepSubmitsUnsyncedRecords(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)
	seedDetection(t, s, "d2", true)
	seedTrainingImage(t, s, "t1", false)

	sub := &mockSubmitter{}
	e := New(s, sub, nil, 0)

	res := e.SyncPending(context.Background())
	if res.Detections.Submitted != 1 || res.Detections.Failed != 0 {
		t.Errorf("detections result = %+v, want 1 submitted", res.Detections)
	}
	if res.TrainingImages.Submitted != 1 {
		t.Errorf("training result = %+v, want 1 submitted", res.TrainingImages)
	}

	got := sub.submittedDetections()
	if len(got) != 1 || got[0] != "d1" {
		t.Errorf("submitted detections = %v, want [d1] (d2 was already synced)", got)
	}

	dets, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	for _, d := range dets {
		if !d.Synced {
			t.Errorf("detection %s still unsynced after sweep", d.ID)
		}
	}
}

// TestSweepContinuesPastFailures verifies partial-failure semantics: one
// record's failure never stops the remaining records.
func TestSweepContinuesPastFailures(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)
	seedDetection(t, s, "d2", false)
	seedDetection(t, s, "d3", false)

	sub := &mockSubmitter{
		detectionFn: func(rec record.DetectionRecord) error {
			if rec.ID == "d2" {
				return errors.New("remote unavailable")
			}
			return nil
		},
	}
	e := New(s, sub, nil, 0)

	res := e.SyncPending(context.Background())
	if res.Detections.Submitted != 2 || res.Detections.Failed != 1 {
		t.Fatalf("result = %+v, want 2 submitted / 1 failed", res.Detections)
	}

	dets, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	for _, d := range dets {
		wantSynced := d.ID != "d2"
		if d.Synced != wantSynced {
			t.Errorf("detection %s synced = %v, want %v", d.ID, d.Synced, wantSynced)
		}
	}

	// The failed record stays eligible: a second sweep drains it.
	sub.detectionFn = nil
	res = e.SyncPending(context.Background())
	if res.Detections.Submitted != 1 || res.Detections.Failed != 0 {
		t.Fatalf("second sweep result = %+v, want 1 submitted", res.Detections)
	}
}

func TestSweepWithNothingPendingIsNoOp(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", true)

	sub := &mockSubmitter{}
	e := New(s, sub, nil, 0)

	res := e.SyncPending(context.Background())
	if res.Detections.Submitted != 0 || res.Detections.Failed != 0 {
		t.Errorf("result = %+v, want zeroes", res.Detections)
	}
	if len(sub.submittedDetections()) != 0 {
		t.Error("submitter called with nothing pending")
	}

	dets, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	if len(dets) != 1 || !dets[0].Synced {
		t.Errorf("persisted state altered by no-op sweep: %+v", dets)
	}
}

// TestRetryAfterFalseNegativeTimeout simulates a submission that succeeded
// remotely but failed locally (timeout). The retry must converge to a single
// synced record.
func TestRetryAfterFalseNegativeTimeout(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)

	calls := 0
	sub := &mockSubmitter{
		detectionFn: func(rec record.DetectionRecord) error {
			calls++
			if calls == 1 {
				// The remote accepted it, but the response never arrived.
				return errors.New("timeout awaiting response")
			}
			return nil
		},
	}
	e := New(s, sub, nil, 0)

	res := e.SyncPending(context.Background())
	if res.Detections.Failed != 1 {
		t.Fatalf("first sweep result = %+v, want 1 failed", res.Detections)
	}

	res = e.SyncPending(context.Background())
	if res.Detections.Submitted != 1 {
		t.Fatalf("retry sweep result = %+v, want 1 submitted", res.Detections)
	}

	dets, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	if len(dets) != 1 || !dets[0].Synced {
		t.Fatalf("local state after retry = %+v, want one synced record", dets)
	}
}

func TestTrySubmitDetection(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)
	recs, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}

	sub := &mockSubmitter{}
	e := New(s, sub, nil, 0)

	if !e.TrySubmitDetection(context.Background(), recs[0]) {
		t.Fatal("TrySubmitDetection = false, want true")
	}
	dets, err := s.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	if !dets[0].Synced {
		t.Error("synced flag not persisted by immediate path")
	}

	// A failing remote leaves the record pending without surfacing an error.
	seedDetection(t, s, "d2", false)
	sub.detectionFn = func(record.DetectionRecord) error { return errors.New("offline") }
	recs, _ = s.LoadDetections(context.Background())
	if e.TrySubmitDetection(context.Background(), recs[1]) {
		t.Error("TrySubmitDetection = true for failing remote")
	}
}

// TestSameRecordNeverInFlightTwice blocks a sweep inside the submitter and
// verifies the immediate path refuses to resubmit the same ID.
func TestSameRecordNeverInFlightTwice(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)
	recs, _ := s.LoadDetections(context.Background())

	entered := make(chan struct{})
	proceed := make(chan struct{})
	sub := &mockSubmitter{
		detectionFn: func(record.DetectionRecord) error {
			close(entered)
			<-proceed
			return nil
		},
	}
	e := New(s, sub, nil, time.Minute)

	done := make(chan Result, 1)
	go func() { done <- e.SyncPending(context.Background()) }()
	<-entered

	if e.TrySubmitDetection(context.Background(), recs[0]) {
		t.Error("TrySubmitDetection succeeded while the sweep held the record")
	}

	close(proceed)
	res := <-done
	if res.Detections.Submitted != 1 {
		t.Errorf("sweep result = %+v, want 1 submitted", res.Detections)
	}
	if got := sub.submittedDetections(); len(got) != 1 {
		t.Errorf("record submitted %d times, want 1", len(got))
	}
}

// TestConcurrentSweepsCoalesce verifies overlapping SyncPending calls share
// one underlying sweep.
func TestConcurrentSweepsCoalesce(t *testing.T) {
	s := openTestStore(t)
	seedDetection(t, s, "d1", false)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	sub := &mockSubmitter{
		detectionFn: func(record.DetectionRecord) error {
			once.Do(func() { close(entered) })
			<-proceed
			return nil
		},
	}
	e := New(s, sub, nil, time.Minute)

	results := make(chan Result, 2)
	go func() { results <- e.SyncPending(context.Background()) }()
	<-entered
	go func() { results <- e.SyncPending(context.Background()) }()

	if !e.Sweeping() {
		t.Error("Sweeping() = false mid-sweep")
	}
	close(proceed)
	<-results
	<-results

	if got := sub.submittedDetections(); len(got) != 1 {
		t.Errorf("record submitted %d times across coalesced sweeps, want 1", len(got))
	}
	if e.LastSync().IsZero() {
		t.Error("LastSync not recorded")
	}
}
