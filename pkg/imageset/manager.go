package imageset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/logging"
	"segmentcore/pkg/raster"
	"segmentcore/pkg/segmentation"
	"segmentcore/pkg/statistics"
	"segmentcore/pkg/store"
)

var (
	// ErrNoSegmentation is returned when an image-set directory has no mask file
	ErrNoSegmentation = errors.New("no segmentation mask")

	// ErrNotResident is returned by Get for a set whose data is not in memory
	ErrNotResident = errors.New("image set not resident")
)

// DefaultSegmentationName is the mask file looked up in each image-set directory
const DefaultSegmentationName = "segmentation.tif"

// Options configures a Manager
type Options struct {
	// Workers bounds the statistics and decode pools
	Workers int

	// MaxResident bounds the image sets held in memory
	MaxResident int

	// SegmentationName is the mask file name inside an image-set directory
	SegmentationName string

	// Statistics lists the kinds computed for every marker
	Statistics []models.Statistic

	// Recalculate ignores stored statistics and recomputes them
	Recalculate bool

	// SegmentArea also computes the pixel count of every segment
	SegmentArea bool

	// Segmentation tunes mask loading and outline construction
	Segmentation segmentation.LoadOptions
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Workers:          runtime.NumCPU(),
		MaxResident:      DefaultMaxResident,
		SegmentationName: DefaultSegmentationName,
		Statistics:       append([]models.Statistic(nil), models.AllStatistics...),
		SegmentArea:      true,
		Segmentation: segmentation.LoadOptions{
			Hull:     segmentation.DefaultHullOptions(),
			UseCache: true,
		},
	}
}

// StoreKey returns the key the statistics of the image set in dir are stored
// under. It is the absolute directory, so same-named image sets of different
// projects never share stored values.
func StoreKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

type loadCall struct {
	generation uint64
	done       chan struct{}
	set        *Set
	err        error
}

func (c *loadCall) wait(ctx context.Context) (*Set, error) {
	select {
	case <-c.done:
		return c.set, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Manager loads image sets on demand and keeps a bounded number of them in
// memory. It owns the worker pools shared by every image set.
type Manager struct {
	opts   Options
	cache  *Cache
	stats  *statistics.Pool
	decode *raster.DecodePool
	loader *segmentation.Loader
	store  store.Store
	log    zerolog.Logger

	mu      sync.Mutex
	sources map[string]string
	calls   map[string]*loadCall
}

// NewManager creates a manager. st may be nil to keep statistics in memory.
func NewManager(opts Options, st store.Store, log zerolog.Logger) *Manager {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.SegmentationName == "" {
		opts.SegmentationName = DefaultSegmentationName
	}
	if len(opts.Statistics) == 0 {
		opts.Statistics = append([]models.Statistic(nil), models.AllStatistics...)
	}

	return &Manager{
		opts:    opts,
		cache:   NewCache(opts.MaxResident, logging.Component(log, "imageset-cache")),
		stats:   statistics.NewPool(opts.Workers, logging.Component(log, "statistics")),
		decode:  raster.NewDecodePool(opts.Workers, logging.Component(log, "decode")),
		loader:  segmentation.NewLoader(opts.Segmentation, logging.Component(log, "segmentation")),
		store:   st,
		log:     logging.Component(log, "imageset"),
		sources: make(map[string]string),
		calls:   make(map[string]*loadCall),
	}
}

// Cache returns the image-set cache
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Register records the directory of an image set without loading it.
// Moving a known id to another directory drops its data so that the next
// activation reads the new one.
func (m *Manager) Register(id, dir string) {
	m.mu.Lock()
	prev, known := m.sources[id]
	m.sources[id] = dir
	m.mu.Unlock()
	m.cache.Register(id)

	if known && StoreKey(prev) != StoreKey(dir) && m.cache.Evict(id) {
		m.log.Info().Str("imageSet", id).Str("from", prev).Str("to", dir).Msg("image set moved, dropped its data")
	}
}

// Source returns the directory registered for id
func (m *Manager) Source(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.sources[id]
	return dir, ok
}

// Activate makes id the active image set and returns its data, loading it if
// it is not resident. dir may be empty for a registered set.
//
// A load that is overtaken by the eviction of its set returns ErrStaleResult
// and leaves nothing behind.
func (m *Manager) Activate(ctx context.Context, id, dir string) (*Set, error) {
	if dir != "" {
		m.Register(id, dir)
	}
	dir, ok := m.Source(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImageSet, id)
	}

	act := m.cache.Activate(id)
	if act.NeedsLoad {
		return m.load(ctx, id, dir, act.Generation)
	}
	if set, ok := m.cache.Set(id); ok {
		return set, nil
	}

	m.mu.Lock()
	call := m.calls[id]
	m.mu.Unlock()
	if call == nil || call.generation != act.Generation {
		return m.load(ctx, id, dir, act.Generation)
	}
	return call.wait(ctx)
}

// Get returns a resident image set
func (m *Manager) Get(id string) (*Set, error) {
	if set, ok := m.cache.Set(id); ok {
		return set, nil
	}
	state, err := m.cache.State(id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotResident, id, state)
}

// Features lists the statistics stored for id, ordered by feature name then
// statistic. Without a store nothing is listed.
func (m *Manager) Features(id string) ([]store.Feature, error) {
	dir, ok := m.Source(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImageSet, id)
	}
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListFeatures(StoreKey(dir))
}

// ForceClean evicts every image set and reloads the active one
func (m *Manager) ForceClean(ctx context.Context) (*Set, error) {
	id, generation := m.cache.ForceClean()
	if id == "" {
		return nil, nil
	}
	dir, _ := m.Source(id)
	return m.load(ctx, id, dir, generation)
}

func (m *Manager) load(ctx context.Context, id, dir string, generation uint64) (*Set, error) {
	call := &loadCall{generation: generation, done: make(chan struct{})}
	m.mu.Lock()
	m.calls[id] = call
	m.mu.Unlock()

	start := time.Now()
	set, err := m.build(ctx, id, dir, generation)
	call.set, call.err = set, err
	close(call.done)

	m.mu.Lock()
	if m.calls[id] == call {
		delete(m.calls, id)
	}
	m.mu.Unlock()

	switch {
	case errors.Is(err, ErrStaleResult):
		loads.WithLabelValues("stale").Inc()
		m.log.Debug().Str("imageSet", id).Msg("discarded stale image set load")
	case err != nil && set == nil:
		loads.WithLabelValues("error").Inc()
		m.cache.Fail(id, generation)
		m.log.Error().Err(err).Str("imageSet", id).Msg("failed to load image set")
	case err != nil:
		loads.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("imageSet", id).Msg("failed to submit statistics")
	default:
		loads.WithLabelValues("success").Inc()
		m.log.Info().
			Str("imageSet", id).
			Int("markers", len(set.Markers)).
			Int("segments", set.Segmentation.NumSegments()).
			Bool("fromCache", set.FromCache).
			Dur("duration", time.Since(start)).
			Msg("loaded image set")
	}
	return set, err
}

// build runs the load stages of one image set, committing only while the set
// is still live
func (m *Manager) build(ctx context.Context, id, dir string, generation uint64) (*Set, error) {
	files, err := raster.Scan(dir, m.opts.SegmentationName)
	if err != nil {
		return nil, err
	}
	if files.Segmentation == "" {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoSegmentation, m.opts.SegmentationName, dir)
	}

	markers, err := raster.DecodeAll(ctx, m.decode, files)
	if err != nil {
		return nil, err
	}
	if !m.cache.IsLive(id, generation) {
		return nil, fmt.Errorf("%w: %s", ErrStaleResult, id)
	}

	names := files.MarkerNames()
	first := markers[names[0]]
	loaded, err := m.loader.Load(ctx, segmentation.LoadRequest{
		Path:   files.Segmentation,
		Width:  first.Width,
		Height: first.Height,
		Decode: func() (models.Raster, error) {
			return raster.Load(files.Segmentation)
		},
	})
	if err != nil {
		return nil, err
	}
	for name, r := range markers {
		if err := loaded.Data.ValidateDimensions(r.Width, r.Height); err != nil {
			return nil, fmt.Errorf("marker %s: %w", name, err)
		}
	}
	if !m.cache.IsLive(id, generation) {
		return nil, fmt.Errorf("%w: %s", ErrStaleResult, id)
	}

	engine := statistics.NewEngine(StoreKey(dir), loaded.Data, m.stats, m.store, m.log)
	set := &Set{
		ID:           id,
		Dir:          dir,
		Markers:      markers,
		Segmentation: loaded.Data,
		Statistics:   engine,
		FromCache:    loaded.FromCache,
	}
	if err := m.cache.Attach(id, generation, set); err != nil {
		engine.Close()
		return nil, err
	}

	if !m.opts.Recalculate {
		if n := engine.LoadFromStore(names, m.opts.Statistics); n > 0 {
			m.log.Debug().Str("imageSet", id).Int("features", n).Msg("statistics served from store")
		}
	}

	intensities := make(map[string][]float64, len(markers))
	for name, r := range markers {
		intensities[name] = r.Data
	}
	if err := engine.Submit(intensities, m.opts.Statistics, m.opts.Recalculate); err != nil {
		return set, err
	}
	if m.opts.SegmentArea {
		if err := engine.SubmitArea(m.opts.Recalculate); err != nil {
			return set, err
		}
	}
	return set, nil
}

// Shutdown waits for queued work and stops every pool. The store is left
// open for its owner to close.
func (m *Manager) Shutdown(ctx context.Context) error {
	return errors.Join(
		m.loader.Shutdown(ctx),
		m.decode.Shutdown(ctx),
		m.stats.Shutdown(ctx),
	)
}
