package segmentation

import (
	"context"

	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/workerpool"
)

// LoadRequest describes one segmentation mask to load
type LoadRequest struct {
	// Path is the mask file path
	Path string

	// Width and Height are the dimensions of the co-registered marker images
	Width  int
	Height int

	// Decode reads the mask; it is only called on a cache miss
	Decode func() (models.Raster, error)
}

// Loaded is the outcome of a successful load
type Loaded struct {
	Data      *Data
	FromCache bool
}

// Loader builds segmentation data on a single execution unit. A mask load
// holds a full-size transient buffer, so concurrent loads queue rather than
// run side by side.
type Loader struct {
	pool *workerpool.Pool[LoadRequest, Loaded]
}

// NewLoader creates a loader using opts for every request
func NewLoader(opts LoadOptions, log zerolog.Logger) *Loader {
	fn := func(_ context.Context, req LoadRequest) (Loaded, error) {
		d, fromCache, err := LoadOrBuild(req.Path, req.Width, req.Height, req.Decode, opts, log)
		if err != nil {
			return Loaded{}, err
		}
		return Loaded{Data: d, FromCache: fromCache}, nil
	}
	return &Loader{
		pool: workerpool.New[LoadRequest, Loaded]("segmentation", 1, fn, workerpool.WithLogger(log)),
	}
}

// Submit queues a load and reports the outcome through onDone
func (l *Loader) Submit(req LoadRequest, onDone func(workerpool.Result[Loaded])) (workerpool.JobID, error) {
	return l.pool.Submit(req, onDone)
}

// Load queues a load and waits for it. If ctx ends first the load still
// completes in the background and its result is discarded.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (Loaded, error) {
	done := make(chan workerpool.Result[Loaded], 1)
	if _, err := l.Submit(req, func(r workerpool.Result[Loaded]) { done <- r }); err != nil {
		return Loaded{}, err
	}

	select {
	case r := <-done:
		return r.Output, r.Err
	case <-ctx.Done():
		return Loaded{}, ctx.Err()
	}
}

// Shutdown waits for queued loads and stops the loader
func (l *Loader) Shutdown(ctx context.Context) error {
	return l.pool.Shutdown(ctx)
}
