// Package workerpool runs CPU-bound jobs on a bounded set of goroutines.
//
// Each submitted job is tagged with an opaque id and paired with a single-use
// completion handler. Idle workers are reused before new ones are started, and
// once the pool is at capacity further jobs wait in FIFO order for the next
// worker to return.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown, and delivered to
	// queued jobs abandoned by a Shutdown that timed out
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrJobPanicked marks a job whose function panicked
	ErrJobPanicked = errors.New("job panicked")
)

// JobID identifies one submission
type JobID string

// Result is delivered to a job's completion handler
type Result[O any] struct {
	ID       JobID
	Output   O
	Err      error
	Duration time.Duration
}

// JobError wraps the failure of a single job
type JobError struct {
	ID  JobID
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.ID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Func is the work executed for each job
type Func[I, O any] func(ctx context.Context, input I) (O, error)

// Option configures a Pool
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger sets the logger used for pool lifecycle and handler failures
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

type job[I any] struct {
	id    JobID
	input I
}

type worker[I any] struct {
	id   int
	jobs chan *job[I]
}

// Pool is a bounded worker pool. The zero value is not usable; call New.
type Pool[I, O any] struct {
	name       string
	maxWorkers int
	fn         Func[I, O]
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  []*worker[I]
	idle     []*worker[I]
	queue    []*job[I]
	handlers map[JobID]func(Result[O])
	inFlight int
	closed   bool
	stopped  bool
	drained  chan struct{}

	wg sync.WaitGroup
}

// New creates a pool that runs fn on at most maxWorkers goroutines.
// Workers are started lazily on demand.
func New[I, O any](name string, maxWorkers int, fn Func[I, O], opts ...Option) *Pool[I, O] {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[I, O]{
		name:       name,
		maxWorkers: maxWorkers,
		fn:         fn,
		log:        o.log.With().Str("pool", name).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[JobID]func(Result[O])),
	}
}

// Name returns the pool name used in logs and metrics
func (p *Pool[I, O]) Name() string {
	return p.name
}

// MaxWorkers returns the concurrency bound
func (p *Pool[I, O]) MaxWorkers() int {
	return p.maxWorkers
}

// Submit enqueues input and returns immediately. onComplete is called exactly
// once, from a worker goroutine, with either the output or an error; it may be
// nil when the caller does not need the result.
func (p *Pool[I, O]) Submit(input I, onComplete func(Result[O])) (JobID, error) {
	id := JobID(uuid.NewString())
	j := &job[I]{id: id, input: input}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if onComplete != nil {
		p.handlers[id] = onComplete
	}
	p.inFlight++

	var w *worker[I]
	switch {
	case len(p.idle) > 0:
		// Least recently returned first
		w = p.idle[0]
		p.idle = p.idle[1:]
	case len(p.workers) < p.maxWorkers:
		w = p.spawn()
	default:
		p.queue = append(p.queue, j)
	}
	p.mu.Unlock()

	jobsSubmitted.WithLabelValues(p.name).Inc()

	// An idle or fresh worker has an empty buffer, so this never blocks
	if w != nil {
		w.jobs <- j
	}
	return id, nil
}

// Pending returns the number of jobs waiting for a worker
func (p *Pool[I, O]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of jobs currently executing
func (p *Pool[I, O]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight - len(p.queue)
}

// Workers returns the number of started workers
func (p *Pool[I, O]) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// spawn starts a worker. Must be called with p.mu held.
func (p *Pool[I, O]) spawn() *worker[I] {
	w := &worker[I]{id: len(p.workers), jobs: make(chan *job[I], 1)}
	p.workers = append(p.workers, w)
	workersGauge.WithLabelValues(p.name).Inc()

	p.wg.Add(1)
	go p.loop(w)

	p.log.Debug().Int("worker", w.id).Int("workers", len(p.workers)).Msg("started worker")
	return w
}

func (p *Pool[I, O]) loop(w *worker[I]) {
	defer p.wg.Done()
	defer workersGauge.WithLabelValues(p.name).Dec()

	for j := range w.jobs {
		res := p.run(j)
		p.finish(w, res)
	}
}

// run executes one job, converting a panic into a JobError
func (p *Pool[I, O]) run(j *job[I]) (res Result[O]) {
	start := time.Now()
	res.ID = j.id

	defer func() {
		res.Duration = time.Since(start)
		jobDuration.WithLabelValues(p.name).Observe(res.Duration.Seconds())

		if r := recover(); r != nil {
			p.log.Error().Str("job", string(j.id)).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			res.Err = &JobError{ID: j.id, Err: fmt.Errorf("%w: %v", ErrJobPanicked, r)}
			jobsCompleted.WithLabelValues(p.name, outcomePanic).Inc()
		}
	}()

	out, err := p.fn(p.ctx, j.input)
	if err != nil {
		res.Err = &JobError{ID: j.id, Err: err}
		jobsCompleted.WithLabelValues(p.name, outcomeError).Inc()
		return res
	}
	res.Output = out
	jobsCompleted.WithLabelValues(p.name, outcomeSuccess).Inc()
	return res
}

// finish routes a result to its handler and hands the worker its next job,
// or returns it to the idle list
func (p *Pool[I, O]) finish(w *worker[I], res Result[O]) {
	p.mu.Lock()
	handler := p.handlers[res.ID]
	delete(p.handlers, res.ID)

	var next *job[I]
	if len(p.queue) > 0 {
		next = p.queue[0]
		p.queue = p.queue[1:]
	} else {
		p.idle = append(p.idle, w)
	}

	p.inFlight--
	if p.closed && p.inFlight == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()

	// w just drained its own buffer
	if next != nil {
		w.jobs <- next
	}

	p.deliver(handler, res)
}

// deliver invokes a completion handler outside the pool lock
func (p *Pool[I, O]) deliver(handler func(Result[O]), res Result[O]) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("job", string(res.ID)).Interface("panic", r).Msg("completion handler panicked")
		}
	}()
	handler(res)
}

// Shutdown stops accepting jobs, waits for queued and running jobs to finish,
// and stops every worker.
//
// If ctx ends first, the context passed to running jobs is cancelled, queued
// jobs are failed with ErrPoolClosed, and workers exit once their current job
// returns. Shutdown is safe to call more than once.
func (p *Pool[I, O]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.inFlight > 0 {
			p.drained = make(chan struct{})
		}
	}
	drained := p.drained
	p.mu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			p.abandon()
			go func() {
				<-drained
				p.stopWorkers()
			}()
			return fmt.Errorf("shutdown %s pool: %w", p.name, ctx.Err())
		}
	}

	p.stopWorkers()
	p.wg.Wait()
	p.cancel()
	p.log.Debug().Msg("pool stopped")
	return nil
}

// abandon cancels running jobs and fails every queued job
func (p *Pool[I, O]) abandon() {
	p.cancel()

	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	handlers := make([]func(Result[O]), len(queued))
	for i, j := range queued {
		handlers[i] = p.handlers[j.id]
		delete(p.handlers, j.id)
	}
	p.inFlight -= len(queued)
	if p.inFlight == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()

	for i, j := range queued {
		jobsCompleted.WithLabelValues(p.name, outcomeDropped).Inc()
		p.deliver(handlers[i], Result[O]{ID: j.id, Err: &JobError{ID: j.id, Err: ErrPoolClosed}})
	}
}

func (p *Pool[I, O]) stopWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		close(w.jobs)
	}
}
