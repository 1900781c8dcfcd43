package offline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/store"
	"github.com/irisync/irisync/internal/syncer"
)

type stubNet struct {
	online atomic.Bool
}

func (n *stubNet) Online() bool { return n.online.Load() }

// mockRemote counts submissions per record ID so tests can assert both
// idempotent delivery and at-most-once-in-flight behavior.
type mockRemote struct {
	mu         sync.Mutex
	fail       atomic.Bool
	detections map[string]int
	training   map[string]int
}

func newMockRemote() *mockRemote {
	return &mockRemote{detections: make(map[string]int), training: make(map[string]int)}
}

func (m *mockRemote) SubmitDetection(_ context.Context, rec record.DetectionRecord) error {
	if m.fail.Load() {
		return errors.New("network unreachable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections[rec.ID]++
	return nil
}

func (m *mockRemote) SubmitTrainingImage(_ context.Context, rec record.TrainingImageRecord) error {
	if m.fail.Load() {
		return errors.New("network unreachable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.training[rec.ID]++
	return nil
}

type mockValidator struct {
	fn func(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error)
}

func (m *mockValidator) ValidateTrainingImage(ctx context.Context, imageURI string, disease record.Disease) (record.Validation, error) {
	return m.fn(ctx, imageURI, disease)
}

type fixture struct {
	svc    *Service
	store  *store.Store
	remote *mockRemote
	net    *stubNet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	remote := newMockRemote()
	net := &stubNet{}
	engine := syncer.New(st, remote, nil, 0)
	svc := New(st, engine, net, nil)
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &fixture{svc: svc, store: st, remote: remote, net: net}
}

func cataractParams() CreateDetectionParams {
	return CreateDetectionParams{
		ImageURI: "file:///captures/eye.jpg",
		Details:  "clouding visible on lens",
		Detections: []record.Detection{
			{Disease: record.DiseaseCataract, Confidence: 0.9, Percentage: 90},
		},
	}
}

// TestOfflineCreateThenOnlineSweep is the end-to-end scenario from the
// design: create while offline, observe the pending badge, go online, sweep,
// observe the record synced.
func TestOfflineCreateThenOnlineSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.CreateDetection(ctx, cataractParams())
	if err != nil {
		t.Fatalf("CreateDetection: %v", err)
	}
	if rec.Synced {
		t.Error("record synced while offline")
	}
	if rec.PrimaryDisease != record.DiseaseCataract {
		t.Errorf("PrimaryDisease = %q, want cataract", rec.PrimaryDisease)
	}
	if got := f.svc.PendingSyncCount(); got != 1 {
		t.Errorf("PendingSyncCount = %d, want 1", got)
	}

	f.net.online.Store(true)
	res := f.svc.SyncPending(ctx)
	if res.Detections.Submitted != 1 {
		t.Fatalf("sweep result = %+v, want 1 submitted", res.Detections)
	}

	if got := f.svc.PendingSyncCount(); got != 0 {
		t.Errorf("PendingSyncCount after sweep = %d, want 0", got)
	}
	dets := f.svc.Detections("")
	if len(dets) != 1 || !dets[0].Synced {
		t.Fatalf("cached detections = %+v, want one synced record", dets)
	}
}

func TestCreateDetectionOnlineSyncsImmediately(t *testing.T) {
	f := newFixture(t)
	f.net.online.Store(true)

	rec, err := f.svc.CreateDetection(context.Background(), cataractParams())
	if err != nil {
		t.Fatalf("CreateDetection: %v", err)
	}
	if !rec.Synced {
		t.Error("record not synced despite being online")
	}
	if f.svc.PendingSyncCount() != 0 {
		t.Errorf("PendingSyncCount = %d, want 0", f.svc.PendingSyncCount())
	}
	if f.remote.detections[rec.ID] != 1 {
		t.Errorf("remote received %d submissions, want 1", f.remote.detections[rec.ID])
	}
}

// TestCreateSucceedsWhenImmediateSyncFails: the local write is the
// durability guarantee; a failing remote never fails the creation call.
func TestCreateSucceedsWhenImmediateSyncFails(t *testing.T) {
	f := newFixture(t)
	f.net.online.Store(true)
	f.remote.fail.Store(true)

	rec, err := f.svc.CreateDetection(context.Background(), cataractParams())
	if err != nil {
		t.Fatalf("CreateDetection: %v", err)
	}
	if rec.Synced {
		t.Error("record marked synced despite remote failure")
	}

	persisted, err := f.store.LoadDetections(context.Background())
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Synced {
		t.Fatalf("persisted = %+v, want one unsynced record", persisted)
	}

	// Recovers on the next sweep.
	f.remote.fail.Store(false)
	f.svc.SyncPending(context.Background())
	if f.svc.PendingSyncCount() != 0 {
		t.Errorf("PendingSyncCount after recovery sweep = %d, want 0", f.svc.PendingSyncCount())
	}
}

func TestCreateDetectionSortsDetections(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.CreateDetection(context.Background(), CreateDetectionParams{
		ImageURI: "file:///captures/eye.jpg",
		Detections: []record.Detection{
			{Disease: record.DiseaseNormal, Confidence: 0.2, Percentage: 20},
			{Disease: record.DiseaseUveitis, Confidence: 0.7, Percentage: 70},
			{Disease: record.DiseaseCataract, Confidence: 0.1, Percentage: 10},
		},
	})
	if err != nil {
		t.Fatalf("CreateDetection: %v", err)
	}
	if rec.PrimaryDisease != record.DiseaseUveitis {
		t.Errorf("PrimaryDisease = %q, want uveitis", rec.PrimaryDisease)
	}
	if rec.Detections[0].Disease != rec.PrimaryDisease {
		t.Error("first detection does not match primary disease")
	}
	for i := 1; i < len(rec.Detections); i++ {
		if rec.Detections[i].Confidence > rec.Detections[i-1].Confidence {
			t.Errorf("detections not sorted by descending confidence: %+v", rec.Detections)
		}
	}
}

func TestCreateTrainingImageRejectsUnknownLabel(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateTrainingImage(context.Background(), CreateTrainingImageParams{
		ImageURI: "file:///training/x.jpg",
		Disease:  "glaucoma", // not part of the outer-eye label set
	})
	if !errors.Is(err, record.ErrInvalidLabel) {
		t.Fatalf("error = %v, want ErrInvalidLabel", err)
	}

	imgs, loadErr := f.store.LoadTrainingImages(context.Background())
	if loadErr != nil {
		t.Fatalf("LoadTrainingImages: %v", loadErr)
	}
	if len(imgs) != 0 {
		t.Errorf("record created despite invalid label: %+v", imgs)
	}
}

func TestDetectionsFilterAndTrainingCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mk := func(d record.Disease) CreateDetectionParams {
		return CreateDetectionParams{
			ImageURI:   "file:///captures/eye.jpg",
			Detections: []record.Detection{{Disease: d, Confidence: 0.9, Percentage: 90}},
		}
	}
	for _, d := range []record.Disease{record.DiseaseCataract, record.DiseaseCataract, record.DiseaseNormal} {
		if _, err := f.svc.CreateDetection(ctx, mk(d)); err != nil {
			t.Fatalf("CreateDetection: %v", err)
		}
	}
	for _, d := range []record.Disease{record.DiseaseUveitis, record.DiseaseUveitis, record.DiseaseCataract} {
		if _, err := f.svc.CreateTrainingImage(ctx, CreateTrainingImageParams{ImageURI: "file:///t.jpg", Disease: d}); err != nil {
			t.Fatalf("CreateTrainingImage: %v", err)
		}
	}

	if got := len(f.svc.Detections("")); got != 3 {
		t.Errorf("Detections(all) = %d, want 3", got)
	}
	if got := len(f.svc.Detections(record.DiseaseCataract)); got != 2 {
		t.Errorf("Detections(cataract) = %d, want 2", got)
	}
	if got := f.svc.TrainingImageCount(record.DiseaseUveitis); got != 2 {
		t.Errorf("TrainingImageCount(uveitis) = %d, want 2", got)
	}
	if got := f.svc.PendingSyncCount(); got != 6 {
		t.Errorf("PendingSyncCount = %d, want 6", got)
	}

	status := f.svc.Status()
	if status.PendingDetections != 3 || status.PendingTrainingImages != 3 {
		t.Errorf("Status = %+v, want 3/3 pending", status)
	}
}

func TestValidateTrainingImage(t *testing.T) {
	f := newFixture(t)
	f.svc.validator = &mockValidator{
		fn: func(_ context.Context, imageURI string, disease record.Disease) (record.Validation, error) {
			if disease != record.DiseaseCataract {
				t.Errorf("validator got disease %q", disease)
			}
			return record.Validation{Valid: false, Reason: "image appears blurry or out of focus"}, nil
		},
	}

	v, err := f.svc.ValidateTrainingImage(context.Background(), "file:///t.jpg", record.DiseaseCataract)
	if err != nil {
		t.Fatalf("ValidateTrainingImage: %v", err)
	}
	if v.Valid || v.Reason == "" {
		t.Errorf("validation = %+v, want structured rejection", v)
	}

	if _, err := f.svc.ValidateTrainingImage(context.Background(), "x", "nonsense"); !errors.Is(err, record.ErrInvalidLabel) {
		t.Errorf("error = %v, want ErrInvalidLabel", err)
	}
}

// TestPendingCountInvariant drives a random interleaving of creates,
// connectivity flips, and sweeps, asserting after every operation that the
// pending badge equals the number of unsynced records in the store.
func TestPendingCountInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	diseases := record.Diseases()

	storePending := func() int {
		t.Helper()
		dets, err := f.store.LoadDetections(ctx)
		if err != nil {
			t.Fatalf("LoadDetections: %v", err)
		}
		imgs, err := f.store.LoadTrainingImages(ctx)
		if err != nil {
			t.Fatalf("LoadTrainingImages: %v", err)
		}
		n := 0
		for _, d := range dets {
			if !d.Synced {
				n++
			}
		}
		for _, i := range imgs {
			if !i.Synced {
				n++
			}
		}
		return n
	}

	for i := 0; i < 120; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			d := diseases[rng.Intn(len(diseases))]
			_, err := f.svc.CreateDetection(ctx, CreateDetectionParams{
				ImageURI:   "file:///captures/eye.jpg",
				Detections: []record.Detection{{Disease: d, Confidence: 0.8, Percentage: 80}},
			})
			if err != nil {
				t.Fatalf("CreateDetection: %v", err)
			}
		case 2:
			d := diseases[rng.Intn(len(diseases))]
			_, err := f.svc.CreateTrainingImage(ctx, CreateTrainingImageParams{ImageURI: "file:///t.jpg", Disease: d})
			if err != nil {
				t.Fatalf("CreateTrainingImage: %v", err)
			}
		case 3:
			f.net.online.Store(rng.Intn(2) == 0)
			f.remote.fail.Store(!f.net.Online())
		case 4:
			f.svc.SyncPending(ctx)
		}

		if got, want := f.svc.PendingSyncCount(), storePending(); got != want {
			t.Fatalf("step %d: PendingSyncCount = %d, store says %d", i, got, want)
		}
	}
}

// TestMergeSafetyUnderConcurrency creates records concurrently with sweeps
// and verifies the persisted collection ends up as the exact union of
// everything created, each record exactly once.
func TestMergeSafetyUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.online.Store(true)

	const writers = 4
	const perWriter = 10

	var wg sync.WaitGroup
	created := make(chan string, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec, err := f.svc.CreateDetection(ctx, cataractParams())
				if err != nil {
					t.Errorf("CreateDetection: %v", err)
					return
				}
				created <- rec.ID
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				f.svc.SyncPending(ctx)
			}
		}
	}()

	wg.Wait()
	close(done)
	close(created)
	// Two sequential sweeps: the first may coalesce with a sweep that was
	// already in flight, the second is guaranteed fresh.
	f.svc.SyncPending(ctx)
	f.svc.SyncPending(ctx)

	want := make(map[string]bool)
	for id := range created {
		want[id] = true
	}

	persisted, err := f.store.LoadDetections(ctx)
	if err != nil {
		t.Fatalf("LoadDetections: %v", err)
	}
	if len(persisted) != len(want) {
		t.Fatalf("persisted %d records, want %d", len(persisted), len(want))
	}
	seen := make(map[string]bool)
	for _, rec := range persisted {
		if seen[rec.ID] {
			t.Errorf("record %s appears twice", rec.ID)
		}
		seen[rec.ID] = true
		if !want[rec.ID] {
			t.Errorf("unexpected record %s", rec.ID)
		}
		if !rec.Synced {
			t.Errorf("record %s left unsynced after final sweep", rec.ID)
		}
	}
}
