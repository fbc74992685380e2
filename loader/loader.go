// Package loader batches a dataset with a pool of goroutines.
//
// A Loader walks the dataset once per Start: a producer goroutine cuts the
// (optionally shuffled) index order into batches, fans every batch out to
// NumWorkers workers that each load distinct positions, and sends the
// assembled batch on a channel buffered to Prefetch batches. Batches keep the
// order of their indices. The first item error stops the loader.
package loader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Dataset is anything indexable that loads items by position.
// *datasets.AnomalyDataset satisfies Dataset[*datasets.Item].
type Dataset[T any] interface {
	Len() int
	Item(i int) (T, error)
}

// Config tunes a Loader.
type Config struct {
	BatchSize int
	// NumWorkers defaults to runtime.NumCPU().
	NumWorkers int
	Shuffle    bool
	Seed       int64
	// Prefetch is the number of assembled batches buffered ahead of Next.
	Prefetch int
	// DropLast drops a final batch smaller than BatchSize.
	DropLast bool

	Logger logr.Logger
}

// Batch is one assembled batch. Items[i] was loaded from Indices[i].
type Batch[T any] struct {
	Indices []int
	Items   []T
}

type result[T any] struct {
	batch *Batch[T]
	err   error
}

// Loader iterates over a Dataset in batches.
type Loader[T any] struct {
	ds  Dataset[T]
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	batches chan result[T]
	err     error
	wg      sync.WaitGroup

	total int64
	done  int64
}

// New creates a Loader over ds. Start must be called before Next.
func New[T any](ds Dataset[T], cfg Config) (*Loader[T], error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Loader[T]{ds: ds, cfg: cfg}, nil
}

// NumBatches returns the number of batches of one pass.
func (l *Loader[T]) NumBatches() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Progress returns the number of items loaded so far in the current pass and
// the number of items the pass will load.
func (l *Loader[T]) Progress() (done, total int) {
	return int(atomic.LoadInt64(&l.done)), int(atomic.LoadInt64(&l.total))
}

// Start begins a new pass over the dataset. A pass already running is closed
// first.
func (l *Loader[T]) Start(ctx context.Context) {
	l.Close()

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.err = nil
	l.batches = make(chan result[T], l.cfg.Prefetch)

	order := l.order()
	atomic.StoreInt64(&l.done, 0)
	atomic.StoreInt64(&l.total, int64(len(order)))

	l.wg.Add(1)
	go l.produce(ctx, order, l.batches)
}

func (l *Loader[T]) order() []int {
	n := l.ds.Len()
	var order []int
	if l.cfg.Shuffle {
		order = rand.New(rand.NewSource(l.cfg.Seed)).Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	if l.cfg.DropLast {
		order = order[:n-n%l.cfg.BatchSize]
	}
	return order
}

func (l *Loader[T]) produce(ctx context.Context, order []int, out chan<- result[T]) {
	defer l.wg.Done()
	defer close(out)

	for start := 0; start < len(order); start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, len(order))
		batch, err := l.load(ctx, order[start:end])
		if err == nil && ctx.Err() != nil {
			return
		}
		select {
		case out <- result[T]{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			l.cfg.Logger.Error(err, "stopping loader")
			return
		}
	}
}

// load fans the indices of one batch out to the worker pool. Workers write
// distinct positions of the pre-allocated items slice.
func (l *Loader[T]) load(ctx context.Context, indices []int) (*Batch[T], error) {
	batch := &Batch[T]{
		Indices: append([]int(nil), indices...),
		Items:   make([]T, len(indices)),
	}

	workers := min(l.cfg.NumWorkers, len(indices))
	jobs := make(chan int, len(indices))
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if ctx.Err() != nil {
					return
				}
				item, err := l.ds.Item(indices[pos])
				if err != nil {
					errCh <- fmt.Errorf("load item %d: %w", indices[pos], err)
					return
				}
				batch.Items[pos] = item
				atomic.AddInt64(&l.done, 1)
			}
		}()
	}

	for pos := range indices {
		jobs <- pos
	}
	close(jobs)
	wg.Wait()
	close(errCh)

	// first error wins
	if err, ok := <-errCh; ok {
		return nil, err
	}
	return batch, nil
}

// Next returns the next batch, or io.EOF once the pass is over. After an item
// error every call returns that error.
func (l *Loader[T]) Next(ctx context.Context) (*Batch[T], error) {
	l.mu.Lock()
	batches, err := l.batches, l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if batches == nil {
		return nil, fmt.Errorf("loader not started")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-batches:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			l.mu.Lock()
			l.err = r.err
			l.mu.Unlock()
			return nil, r.err
		}
		return r.batch, nil
	}
}

// Close stops the current pass and waits for its goroutines. It is safe to
// call more than once.
func (l *Loader[T]) Close() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}
