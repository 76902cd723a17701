package statistics

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/segmentation"
	"segmentcore/pkg/store"
	"segmentcore/pkg/workerpool"
)

var (
	// ErrUnknownMarker is returned for a marker that was never submitted
	ErrUnknownMarker = errors.New("unknown marker")

	// ErrNotReady is returned when a statistic has been submitted but its
	// job has not completed
	ErrNotReady = errors.New("statistic not ready")

	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("statistics engine closed")
)

// Pool is the worker pool type that runs statistic jobs
type Pool = workerpool.Pool[Job, Result]

// NewPool creates a statistics pool bounded to workers goroutines
func NewPool(workers int, log zerolog.Logger) *Pool {
	return workerpool.New[Job, Result]("statistics", workers, Run, workerpool.WithLogger(log))
}

type featureKey struct {
	marker    string
	statistic models.Statistic
}

// slot holds the result of one (marker, statistic) pair. Only the job that
// owns the slot writes it, so results are published with an atomic store
// instead of a lock over the whole statistics map.
type slot struct {
	result  atomic.Pointer[Result]
	running atomic.Bool
}

// Engine computes and serves the statistics of one image set.
//
// Each (marker, statistic) pair is computed by exactly one job across all
// segments. Results land independently; a pair is either fully available or
// absent, never partially filled.
type Engine struct {
	imageSet string
	seg      *segmentation.Data
	pool     *Pool
	store    store.Store
	log      zerolog.Logger

	// mu guards slot membership only
	mu    sync.RWMutex
	slots map[featureKey]*slot

	progress   sync.Mutex
	expected   int
	finished   int
	errs       []error
	done       chan struct{}
	doneClosed bool

	closed atomic.Bool
}

// NewEngine creates an engine for an image set. imageSet is the key results
// are stored under. st may be nil, in which case results are kept in memory
// only.
func NewEngine(imageSet string, seg *segmentation.Data, pool *Pool, st store.Store, log zerolog.Logger) *Engine {
	done := make(chan struct{})
	close(done)
	return &Engine{
		imageSet:   imageSet,
		seg:        seg,
		pool:       pool,
		store:      st,
		log:        log.With().Str("imageSet", imageSet).Logger(),
		slots:      make(map[featureKey]*slot),
		done:       done,
		doneClosed: true,
	}
}

// Submit schedules one job per (marker, statistic) pair.
//
// Marker rasters must match the segmentation dimensions; a mismatch rejects the
// whole submission before anything is scheduled. Unless recalculate is set,
// pairs already loaded or present in the store are served without a job. With
// recalculate, stored values are cleared before the new ones are written.
// A pair whose job is still running is not submitted again.
func (e *Engine) Submit(markers map[string][]float64, kinds []models.Statistic, recalculate bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	for _, kind := range kinds {
		if !kind.PerMarker() {
			return fmt.Errorf("%s is not a marker statistic", kind)
		}
	}

	names := make([]string, 0, len(markers))
	for name, data := range markers {
		if len(data) != e.seg.Width*e.seg.Height {
			return fmt.Errorf("marker %s has %d pixels for a %dx%d segmentation: %w",
				name, len(data), e.seg.Width, e.seg.Height, segmentation.ErrDimensionMismatch)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	submitted, warm := 0, 0
	for _, name := range names {
		for _, kind := range kinds {
			queued, stored, err := e.schedule(name, kind, markers[name], recalculate)
			if err != nil {
				return err
			}
			if queued {
				submitted++
			}
			if stored {
				warm++
			}
		}
	}

	e.log.Debug().Int("markers", len(names)).Int("jobs", submitted).Int("fromStore", warm).Msg("submitted statistics")
	return nil
}

// SubmitArea schedules the per-segment pixel count, stored under
// models.AreaFeature with the models.Area statistic
func (e *Engine) SubmitArea(recalculate bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	_, _, err := e.schedule(models.AreaFeature, models.Area, nil, recalculate)
	return err
}

// schedule submits the job of one pair unless it is running or can be served
// from memory or the store
func (e *Engine) schedule(name string, kind models.Statistic, intensities []float64, recalculate bool) (queued, stored bool, err error) {
	key := featureKey{marker: name, statistic: kind}
	s := e.slotFor(key)
	if !s.running.CompareAndSwap(false, true) {
		e.log.Debug().Str("marker", name).Str("statistic", string(kind)).Msg("job already running")
		return false, false, nil
	}

	reset := recalculate
	if !recalculate {
		if s.result.Load() != nil {
			s.running.Store(false)
			return false, true, nil
		}
		res, stale := e.loadStored(name, kind)
		if res != nil {
			s.result.Store(res)
			s.running.Store(false)
			return false, true, nil
		}
		reset = stale
	}

	job := Job{
		ImageSet:    e.imageSet,
		Marker:      name,
		Statistic:   kind,
		Intensities: intensities,
		Segments:    e.seg.SegmentIndexMap,
	}

	e.addExpected(1)
	_, err = e.pool.Submit(job, func(r workerpool.Result[Result]) {
		e.complete(s, reset, r)
	})
	if err != nil {
		s.running.Store(false)
		e.addExpected(-1)
		return false, false, fmt.Errorf("submit %s/%s: %w", name, kind, err)
	}
	return true, false, nil
}

// LoadFromStore fills slots from the durable store without computing
// anything, returning how many pairs were loaded. Pairs whose stored values
// do not cover the current segmentation are skipped.
func (e *Engine) LoadFromStore(markers []string, kinds []models.Statistic) int {
	if e.store == nil {
		return 0
	}

	loaded := 0
	for _, name := range markers {
		for _, kind := range kinds {
			res, _ := e.loadStored(name, kind)
			if res == nil {
				continue
			}
			s := e.slotFor(featureKey{marker: name, statistic: kind})
			if !s.running.CompareAndSwap(false, true) {
				continue
			}
			s.result.Store(res)
			s.running.Store(false)
			loaded++
		}
	}
	return loaded
}

// loadStored reads a pair from the store. stale reports stored values that
// exist but no longer match the segmentation.
func (e *Engine) loadStored(marker string, kind models.Statistic) (res *Result, stale bool) {
	if e.store == nil {
		return nil, false
	}

	values, err := e.store.SelectValues(e.imageSet, marker, kind)
	if err != nil {
		e.log.Warn().Err(err).Str("marker", marker).Str("statistic", string(kind)).Msg("failed to read stored statistics")
		return nil, false
	}
	if len(values) == 0 {
		return nil, false
	}
	if len(values) != e.seg.NumSegments() {
		return nil, true
	}
	for id := range values {
		if _, ok := e.seg.SegmentIndexMap[id]; !ok {
			return nil, true
		}
	}

	mm, _, err := e.store.MinMax(e.imageSet, marker, kind)
	if err != nil {
		e.log.Warn().Err(err).Str("marker", marker).Msg("failed to read stored range")
		return nil, false
	}
	return &Result{ImageSet: e.imageSet, Marker: marker, Statistic: kind, Values: values, MinMax: mm}, false
}

// complete is the completion handler for one job; it runs on a worker
func (e *Engine) complete(s *slot, reset bool, r workerpool.Result[Result]) {
	var jobErr error
	defer func() { e.finish(jobErr) }()
	defer s.running.Store(false)

	if e.closed.Load() {
		// The image set was evicted while the job ran
		e.log.Debug().Str("job", string(r.ID)).Msg("dropping result for closed engine")
		return
	}
	if r.Err != nil {
		jobErr = r.Err
		e.log.Warn().Err(r.Err).Msg("statistics job failed")
		return
	}

	res := r.Output
	if e.store != nil {
		if err := e.persist(&res, reset); err != nil {
			jobErr = err
			e.log.Warn().Err(err).Str("marker", res.Marker).Str("statistic", string(res.Statistic)).Msg("failed to persist statistics")
		}
	}

	s.result.Store(&res)
	e.log.Debug().Str("marker", res.Marker).Str("statistic", string(res.Statistic)).
		Int("segments", len(res.Values)).Dur("took", r.Duration).Msg("statistics ready")
}

// persist writes a result through to the store and refreshes its range from
// the stored values
func (e *Engine) persist(res *Result, reset bool) error {
	if reset {
		if err := e.store.DeleteExisting(e.imageSet, res.Marker, res.Statistic); err != nil {
			return err
		}
	}
	if err := e.store.Insert(e.imageSet, res.Marker, res.Statistic, res.Values); err != nil {
		return err
	}
	mm, ok, err := e.store.MinMax(e.imageSet, res.Marker, res.Statistic)
	if err != nil {
		return err
	}
	if ok {
		res.MinMax = mm
	}
	return nil
}

func (e *Engine) slotFor(key featureKey) *slot {
	e.mu.RLock()
	s, ok := e.slots[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[key]; ok {
		return s
	}
	s = &slot{}
	e.slots[key] = s
	return s
}

func (e *Engine) addExpected(n int) {
	e.progress.Lock()
	defer e.progress.Unlock()

	if n > 0 && e.doneClosed {
		e.done = make(chan struct{})
		e.doneClosed = false
	}
	e.expected += n
	e.checkDoneLocked()
}

func (e *Engine) finish(err error) {
	e.progress.Lock()
	defer e.progress.Unlock()

	e.finished++
	if err != nil {
		e.errs = append(e.errs, err)
	}
	e.checkDoneLocked()
}

func (e *Engine) checkDoneLocked() {
	if !e.doneClosed && e.finished == e.expected {
		close(e.done)
		e.doneClosed = true
	}
}

// Ready reports whether every submitted job has completed
func (e *Engine) Ready() bool {
	e.progress.Lock()
	defer e.progress.Unlock()
	return e.finished == e.expected
}

// Done returns a channel closed once every job submitted so far has completed
func (e *Engine) Done() <-chan struct{} {
	e.progress.Lock()
	defer e.progress.Unlock()
	return e.done
}

// Wait blocks until Done or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed returns the number of finished jobs and the number submitted
func (e *Engine) Completed() (finished, expected int) {
	e.progress.Lock()
	defer e.progress.Unlock()
	return e.finished, e.expected
}

// Errors returns the errors of failed jobs
func (e *Engine) Errors() []error {
	e.progress.Lock()
	defer e.progress.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

// Close makes the engine drop results of jobs still in flight
func (e *Engine) Close() {
	e.closed.Store(true)
}

func (e *Engine) lookup(marker string, statistic models.Statistic) (*Result, error) {
	e.mu.RLock()
	s, ok := e.slots[featureKey{marker: marker, statistic: statistic}]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownMarker, marker, statistic)
	}
	res := s.result.Load()
	if res == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotReady, marker, statistic)
	}
	return res, nil
}

// Available reports whether the statistic for marker has landed
func (e *Engine) Available(marker string, statistic models.Statistic) bool {
	_, err := e.lookup(marker, statistic)
	return err == nil
}

// Markers returns the markers with at least one submitted statistic. The
// segment area feature is not a marker and is left out.
func (e *Engine) Markers() []string {
	e.mu.RLock()
	seen := make(map[string]struct{}, len(e.slots))
	for key := range e.slots {
		if key.marker != models.AreaFeature {
			seen[key.marker] = struct{}{}
		}
	}
	e.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the per-segment values of a statistic
func (e *Engine) Values(marker string, statistic models.Statistic) (map[int32]float64, error) {
	res, err := e.lookup(marker, statistic)
	if err != nil {
		return nil, err
	}
	return maps.Clone(res.Values), nil
}

// MinMax returns the range of a statistic across all segments
func (e *Engine) MinMax(marker string, statistic models.Statistic) (models.MinMax, error) {
	res, err := e.lookup(marker, statistic)
	if err != nil {
		return models.MinMax{}, err
	}
	return res.MinMax, nil
}

// SegmentsInIntensityRange returns, in ascending order, the segments whose
// value lies in [low, high]
func (e *Engine) SegmentsInIntensityRange(marker string, low, high float64, statistic models.Statistic) ([]int32, error) {
	res, err := e.lookup(marker, statistic)
	if err != nil {
		return nil, err
	}

	var ids []int32
	for id, v := range res.Values {
		if low <= v && v <= high {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MeanOrMedianIntensity aggregates the per-segment values of the given
// segments with the same statistic: the mean of their means or the median of
// their medians. Unknown segment ids are ignored.
func (e *Engine) MeanOrMedianIntensity(marker string, segmentIDs []int32, statistic models.Statistic) (float64, error) {
	res, err := e.lookup(marker, statistic)
	if err != nil {
		return 0, err
	}

	values := make([]float64, 0, len(segmentIDs))
	for _, id := range segmentIDs {
		if v, ok := res.Values[id]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no %s values for the requested segments of %s", statistic, marker)
	}
	return Summarize(statistic, values)
}
