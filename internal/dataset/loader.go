package dataset

import (
	"context"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LoaderOptions configures batching and prefetch.
type LoaderOptions struct {
	BatchSize int
	// Workers is the number of background loaders. Zero loads every batch
	// synchronously on the caller's goroutine.
	Workers int
	// Prefetch is the number of batches each worker may hold ready.
	Prefetch int
	// Seed fixes the shuffle order. Zero draws a random seed per loader.
	Seed uint64
}

// Loader produces one shuffled pass over a corpus per call to Epoch.
type Loader struct {
	corpus *Corpus
	opts   LoaderOptions
	rng    *rand.Rand
}

// NewLoader validates options and binds them to corpus.
func NewLoader(corpus *Corpus, opts LoaderOptions) (*Loader, error) {
	if corpus == nil || corpus.Len() == 0 {
		return nil, errors.New("empty corpus")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers < 0 {
		return nil, errors.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	if opts.Workers > 0 && opts.Prefetch <= 0 {
		return nil, errors.Errorf("prefetch must be positive with %d workers, got %d", opts.Workers, opts.Prefetch)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Loader{
		corpus: corpus,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Batches returns the number of batches per epoch, counting a trailing
// partial batch.
func (l *Loader) Batches() int {
	n := l.corpus.Len()
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch starts one randomly sampled pass. The returned iterator must be
// closed; closing it stops any background workers.
func (l *Loader) Epoch(ctx context.Context) *Iterator {
	order := l.rng.Perm(l.corpus.Len())
	plan := make([][]int, 0, l.Batches())
	for start := 0; start < len(order); start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, len(order))
		plan = append(plan, order[start:end])
	}

	it := &Iterator{corpus: l.corpus, plan: plan}
	if l.opts.Workers > 0 {
		it.start(ctx, l.opts.Workers, l.opts.Prefetch)
	}
	return it
}

// Iterator hands out the batches of one epoch in order.
type Iterator struct {
	corpus *Corpus
	plan   [][]int
	next   int

	lanes  []chan Batch
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// start runs one goroutine per worker. Worker k collates batches k, k+W,
// k+2W and so on into its own lane, so reading lanes round-robin restores
// plan order.
func (it *Iterator) start(parent context.Context, workers, prefetch int) {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	it.cancel = cancel
	it.group = group
	it.lanes = make([]chan Batch, workers)

	for k := range workers {
		lane := make(chan Batch, prefetch)
		it.lanes[k] = lane
		group.Go(func() error {
			defer close(lane)
			for idx := k; idx < len(it.plan); idx += workers {
				batch := it.corpus.collate(it.plan[idx])
				select {
				case lane <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
}

// Next returns the next batch or io.EOF once the epoch is exhausted.
func (it *Iterator) Next(ctx context.Context) (Batch, error) {
	if it.closed {
		return Batch{}, errors.New("iterator closed")
	}
	if it.next >= len(it.plan) {
		return Batch{}, io.EOF
	}
	idx := it.next
	it.next++

	if it.lanes == nil {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		return it.corpus.collate(it.plan[idx]), nil
	}

	lane := it.lanes[idx%len(it.lanes)]
	select {
	case batch, ok := <-lane:
		if !ok {
			return Batch{}, errors.Wrapf(it.wait(), "worker for batch %d stopped", idx)
		}
		return batch, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Len returns the number of batches in this epoch.
func (it *Iterator) Len() int {
	return len(it.plan)
}

// Close stops background workers and waits for them to exit.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.cancel == nil {
		return nil
	}
	it.cancel()
	err := it.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (it *Iterator) wait() error {
	err := it.group.Wait()
	if err == nil {
		return io.ErrUnexpectedEOF
	}
	return err
}
