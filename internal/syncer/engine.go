// Package syncer reconciles locally-unsynced records with the companion
// service. Sweeps are best-effort and retry-tolerant: one record's failure
// never stops the rest, failures stay contained here, and at-least-once
// delivery is safe because the backend accepts records idempotently by ID.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/store"
)

// RecordStore abstracts the local record store operations the engine needs.
// Collections are always loaded fresh and persisted through merge-by-id.
type RecordStore interface {
	LoadDetections(ctx context.Context) ([]record.DetectionRecord, error)
	MergeDetections(ctx context.Context, recs []record.DetectionRecord) ([]record.DetectionRecord, error)
	LoadTrainingImages(ctx context.Context) ([]record.TrainingImageRecord, error)
	MergeTrainingImages(ctx context.Context, recs []record.TrainingImageRecord) ([]record.TrainingImageRecord, error)
}

// Submitter abstracts the remote save endpoints.
type Submitter interface {
	SubmitDetection(ctx context.Context, rec record.DetectionRecord) error
	SubmitTrainingImage(ctx context.Context, rec record.TrainingImageRecord) error
}

// OutcomeReporter receives the result of each remote attempt, feeding
// connectivity state on platforms that infer reachability from outcomes.
type OutcomeReporter interface {
	Report(ok bool)
}

// CollectionResult summarizes one collection's share of a sweep.
type CollectionResult struct {
	Submitted int
	Failed    int
}

// Result summarizes a full sweep.
type Result struct {
	Detections     CollectionResult
	TrainingImages CollectionResult
	FinishedAt     time.Time
}

// Pending returns how many records were attempted but left unsynced.
func (r Result) Pending() int {
	return r.Detections.Failed + r.TrainingImages.Failed
}

// Engine coordinates full sweeps and the immediate-sync path used on record
// creation. A shared in-flight ID set guarantees the same record is never
// submitted twice concurrently, whichever path triggered it.
type Engine struct {
	store    RecordStore
	remote   Submitter
	reporter OutcomeReporter
	timeout  time.Duration
	logger   *slog.Logger

	sweeps   singleflight.Group
	sweeping atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
	lastSync time.Time
}

// New creates an Engine. reporter may be nil. If timeout is <= 0 the
// per-submission bound defaults to 10s.
func New(st RecordStore, remote Submitter, reporter OutcomeReporter, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		store:    st,
		remote:   remote,
		reporter: reporter,
		timeout:  timeout,
		logger:   slog.Default(),
		inflight: make(map[string]struct{}),
	}
}

// Sweeping reports whether a full sweep is currently running.
func (e *Engine) Sweeping() bool {
	return e.sweeping.Load()
}

// LastSync returns when the most recent sweep finished (zero if none has).
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// SyncPending runs one full sweep: load both collections fresh, attempt one
// submission per unsynced record, and persist each success immediately so an
// abrupt shutdown loses at most the record in flight. Concurrent calls
// coalesce into the sweep already running. It never returns an error;
// failures are logged and the records stay eligible for the next sweep.
func (e *Engine) SyncPending(ctx context.Context) Result {
	v, _, _ := e.sweeps.Do("sweep", func() (any, error) {
		return e.sweep(ctx), nil
	})
	return v.(Result)
}

func (e *Engine) sweep(ctx context.Context) Result {
	e.sweeping.Store(true)
	defer e.sweeping.Store(false)

	var res Result
	var g errgroup.Group
	g.Go(func() error {
		res.Detections = e.sweepDetections(ctx)
		return nil
	})
	g.Go(func() error {
		res.TrainingImages = e.sweepTrainingImages(ctx)
		return nil
	})
	g.Wait()

	res.FinishedAt = time.Now().UTC()
	e.mu.Lock()
	e.lastSync = res.FinishedAt
	e.mu.Unlock()

	e.logger.Info("sync sweep finished",
		"detections_submitted", res.Detections.Submitted,
		"detections_failed", res.Detections.Failed,
		"training_submitted", res.TrainingImages.Submitted,
		"training_failed", res.TrainingImages.Failed,
	)
	return res
}

func (e *Engine) sweepDetections(ctx context.Context) CollectionResult {
	var res CollectionResult

	recs, err := e.store.LoadDetections(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			e.logger.Error("loading detections for sweep", "error", err)
			return res
		}
		e.logger.Warn("detection snapshot corrupt, sweeping empty collection", "error", err)
		recs = nil
	}

	for _, rec := range recs {
		if rec.Synced {
			continue
		}
		if !e.acquire(rec.ID) {
			continue // already in flight via the immediate path
		}
		err := e.submit(ctx, func(sctx context.Context) error {
			return e.remote.SubmitDetection(sctx, rec)
		})
		e.release(rec.ID)
		if err != nil {
			res.Failed++
			e.logger.Warn("detection submission failed", "id", rec.ID, "error", err)
			continue
		}

		rec.Synced = true
		if _, err := e.store.MergeDetections(ctx, []record.DetectionRecord{rec}); err != nil {
			// Remote accepted it; the flag will be retried next sweep and
			// the resubmission is idempotent.
			res.Failed++
			e.logger.Error("persisting synced detection", "id", rec.ID, "error", err)
			continue
		}
		res.Submitted++
		e.logger.Debug("detection synced", "id", rec.ID)
	}
	return res
}

func (e *Engine) sweepTrainingImages(ctx context.Context) CollectionResult {
	var res CollectionResult

	recs, err := e.store.LoadTrainingImages(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			e.logger.Error("loading training images for sweep", "error", err)
			return res
		}
		e.logger.Warn("training snapshot corrupt, sweeping empty collection", "error", err)
		recs = nil
	}

	for _, rec := range recs {
		if rec.Synced {
			continue
		}
		if !e.acquire(rec.ID) {
			continue
		}
		err := e.submit(ctx, func(sctx context.Context) error {
			return e.remote.SubmitTrainingImage(sctx, rec)
		})
		e.release(rec.ID)
		if err != nil {
			res.Failed++
			e.logger.Warn("training image submission failed", "id", rec.ID, "error", err)
			continue
		}

		rec.Synced = true
		if _, err := e.store.MergeTrainingImages(ctx, []record.TrainingImageRecord{rec}); err != nil {
			res.Failed++
			e.logger.Error("persisting synced training image", "id", rec.ID, "error", err)
			continue
		}
		res.Submitted++
		e.logger.Debug("training image synced", "id", rec.ID)
	}
	return res
}

// TrySubmitDetection is the immediate best-effort path used when a record is
// created while online. It returns true only once the record has been
// accepted remotely and the synced flag persisted. It never returns an
// error; a failure simply leaves the record for the next sweep.
func (e *Engine) TrySubmitDetection(ctx context.Context, rec record.DetectionRecord) bool {
	if rec.Synced {
		return true
	}
	if !e.acquire(rec.ID) {
		return false
	}
	defer e.release(rec.ID)

	err := e.submit(ctx, func(sctx context.Context) error {
		return e.remote.SubmitDetection(sctx, rec)
	})
	if err != nil {
		e.logger.Warn("immediate detection sync failed", "id", rec.ID, "error", err)
		return false
	}

	rec.Synced = true
	if _, err := e.store.MergeDetections(ctx, []record.DetectionRecord{rec}); err != nil {
		e.logger.Error("persisting synced detection", "id", rec.ID, "error", err)
		return false
	}
	return true
}

// TrySubmitTrainingImage is TrySubmitDetection for training images.
func (e *Engine) TrySubmitTrainingImage(ctx context.Context, rec record.TrainingImageRecord) bool {
	if rec.Synced {
		return true
	}
	if !e.acquire(rec.ID) {
		return false
	}
	defer e.release(rec.ID)

	err := e.submit(ctx, func(sctx context.Context) error {
		return e.remote.SubmitTrainingImage(sctx, rec)
	})
	if err != nil {
		e.logger.Warn("immediate training image sync failed", "id", rec.ID, "error", err)
		return false
	}

	rec.Synced = true
	if _, err := e.store.MergeTrainingImages(ctx, []record.TrainingImageRecord{rec}); err != nil {
		e.logger.Error("persisting synced training image", "id", rec.ID, "error", err)
		return false
	}
	return true
}

// submit runs one bounded remote attempt and reports its outcome.
func (e *Engine) submit(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := fn(sctx)
	if e.reporter != nil {
		e.reporter.Report(err == nil)
	}
	return err
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}
