package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func square(_ context.Context, n int) (int, error) {
	return n * n, nil
}

func TestSubmitDeliversEveryResult(t *testing.T) {
	p := New[int, int]("test-square", 4, square)
	defer p.Shutdown(context.Background())

	const jobs = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[JobID]int)
	want := make(map[JobID]int)

	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		mu.Lock()
		id, err := p.Submit(i, func(r Result[int]) {
			defer wg.Done()
			if r.Err != nil {
				t.Errorf("Unexpected job error: %v", r.Err)
				return
			}
			mu.Lock()
			got[r.ID] = r.Output
			mu.Unlock()
		})
		if err != nil {
			mu.Unlock()
			t.Fatalf("Submit failed: %v", err)
		}
		want[id] = i * i
		mu.Unlock()
	}
	wg.Wait()

	if len(got) != jobs {
		t.Fatalf("Expected %d results, got %d", jobs, len(got))
	}
	for id, v := range want {
		if got[id] != v {
			t.Errorf("Job %s: expected %d, got %d", id, v, got[id])
		}
	}
}

func TestJobIDsAreUnique(t *testing.T) {
	p := New[int, int]("test-ids", 2, square)
	defer p.Shutdown(context.Background())

	seen := make(map[JobID]bool)
	for i := 0; i < 50; i++ {
		id, err := p.Submit(i, nil)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("Duplicate job id %s", id)
		}
		seen[id] = true
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	const maxWorkers = 3
	var running, peak int32

	fn := func(_ context.Context, _ int) (struct{}, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return struct{}{}, nil
	}

	p := New[int, struct{}]("test-bounded", maxWorkers, fn)
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		if _, err := p.Submit(i, func(Result[struct{}]) { wg.Done() }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if peak > maxWorkers {
		t.Errorf("Expected at most %d concurrent jobs, saw %d", maxWorkers, peak)
	}
	if w := p.Workers(); w > maxWorkers {
		t.Errorf("Expected at most %d workers, got %d", maxWorkers, w)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestIdleWorkerIsReused(t *testing.T) {
	p := New[int, int]("test-reuse", 4, square)
	defer p.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		if _, err := p.Submit(i, func(Result[int]) { close(done) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		<-done
		// The handler runs after the worker is back on the idle list
	}

	if w := p.Workers(); w != 1 {
		t.Errorf("Expected sequential jobs to reuse one worker, got %d workers", w)
	}
}

func TestJobErrorIsRouted(t *testing.T) {
	errBad := errors.New("malformed input")
	fn := func(_ context.Context, n int) (int, error) {
		if n < 0 {
			return 0, errBad
		}
		return n, nil
	}
	p := New[int, int]("test-errors", 2, fn)
	defer p.Shutdown(context.Background())

	results := make(chan Result[int], 2)
	badID, _ := p.Submit(-1, func(r Result[int]) { results <- r })
	p.Submit(7, func(r Result[int]) { results <- r })

	for i := 0; i < 2; i++ {
		r := <-results
		if r.ID == badID {
			if !errors.Is(r.Err, errBad) {
				t.Errorf("Expected errBad, got %v", r.Err)
			}
			var jobErr *JobError
			if !errors.As(r.Err, &jobErr) || jobErr.ID != badID {
				t.Errorf("Expected JobError for %s, got %v", badID, r.Err)
			}
			continue
		}
		if r.Err != nil || r.Output != 7 {
			t.Errorf("Sibling job affected by failure: %+v", r)
		}
	}
}

func TestPanicBecomesError(t *testing.T) {
	fn := func(_ context.Context, _ int) (int, error) {
		var m map[string]int
		m["boom"] = 1
		return 0, nil
	}
	p := New[int, int]("test-panic", 1, fn)
	defer p.Shutdown(context.Background())

	results := make(chan Result[int], 1)
	p.Submit(0, func(r Result[int]) { results <- r })

	r := <-results
	if !errors.Is(r.Err, ErrJobPanicked) {
		t.Fatalf("Expected ErrJobPanicked, got %v", r.Err)
	}

	// The worker survives the panic
	p.Submit(0, func(r Result[int]) { results <- r })
	if r := <-results; !errors.Is(r.Err, ErrJobPanicked) {
		t.Fatalf("Expected second job to run, got %v", r.Err)
	}
}

func TestQueuedJobsRunInOrder(t *testing.T) {
	release := make(chan struct{})
	fn := func(_ context.Context, n int) (int, error) {
		if n == 0 {
			<-release
		}
		return n, nil
	}
	p := New[int, int]("test-fifo", 1, fn)
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		p.Submit(i, func(r Result[int]) {
			mu.Lock()
			order = append(order, r.Output)
			mu.Unlock()
			wg.Done()
		})
	}

	if pending := p.Pending(); pending != 3 {
		t.Errorf("Expected 3 pending jobs, got %d", pending)
	}
	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("Expected FIFO order, got %v", order)
		}
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New[int, int]("test-closed", 2, square)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := p.Submit(1, nil); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	// Second shutdown is a no-op
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	var completed int32
	fn := func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Millisecond)
		return n, nil
	}
	p := New[int, int]("test-drain", 2, fn)
	for i := 0; i < 10; i++ {
		p.Submit(i, func(Result[int]) { atomic.AddInt32(&completed, 1) })
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if completed != 10 {
		t.Errorf("Expected all 10 jobs to complete before shutdown returned, got %d", completed)
	}
}

func TestShutdownTimeoutFailsQueuedJobs(t *testing.T) {
	fn := func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	p := New[int, int]("test-timeout", 1, fn)

	results := make(chan Result[int], 3)
	for i := 0; i < 3; i++ {
		p.Submit(i, func(r Result[int]) { results <- r })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}

	closed := 0
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			if r.Err == nil {
				t.Errorf("Expected error result, got %+v", r)
			}
			if errors.Is(r.Err, ErrPoolClosed) {
				closed++
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for results")
		}
	}
	if closed != 2 {
		t.Errorf("Expected 2 queued jobs failed with ErrPoolClosed, got %d", closed)
	}
}
