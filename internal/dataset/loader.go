package dataset

import (
	"context"
	"iter"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Batch is a contiguous mini-batch of samples, with copies of their data laid out as the
// model input and labels.
type Batch struct {
	// Index of the batch within its epoch.
	Index int

	// Size is the number of samples in the batch: it equals LoaderOptions.BatchSize except maybe for the last batch.
	Size int

	// Boards shaped [Size, Planes, Height, Width], Policies [Size, Actions], Values [Size, 1].
	Boards, Policies, Values []float32
}

// LoaderOptions configures how a Loader partitions a Dataset into batches.
type LoaderOptions struct {
	BatchSize int

	// Shuffle samples at the start of every epoch, before partitioning.
	Shuffle bool

	// NumWorkers assembling batches concurrently. Values <= 0 mean 1.
	NumWorkers int

	// Prefetch is the number of assembled batches buffered ahead of the consumer. Values <= 0 mean NumWorkers.
	Prefetch int

	// Seed for the shuffling.
	Seed int64
}

// Loader iterates over a Dataset in mini-batches, one epoch at a time.
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader creates a Loader for ds.
func NewLoader(ds *Dataset, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d, it must be > 0", opts.BatchSize)
	}
	if ds.NumSamples == 0 {
		return nil, errors.New("dataset has no samples")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.NumWorkers
	}
	return &Loader{
		ds:   ds,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// NumBatches per epoch, counting the last partial batch.
func (l *Loader) NumBatches() int {
	return (l.ds.NumSamples + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// permutation returns the order of the samples for a new epoch.
func (l *Loader) permutation() []int {
	if l.opts.Shuffle {
		return l.rng.Perm(l.ds.NumSamples)
	}
	order := make([]int, l.ds.NumSamples)
	for ii := range order {
		order[ii] = ii
	}
	return order
}

// Epoch returns an iterator over the batches of one epoch: samples are shuffled (if configured)
// and then partitioned into contiguous batches.
//
// Batches are assembled by a pool of NumWorkers goroutines, so with more than one worker they may
// be yielded out of order (see Batch.Index). Breaking out of the loop stops the workers.
// If ctx is cancelled, the iteration ends yielding ctx.Err().
func (l *Loader) Epoch(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		order := l.permutation()
		numBatches := l.NumBatches()
		workersCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		batches := make(chan *Batch, l.opts.Prefetch)
		go func() {
			defer close(batches)
			var eg errgroup.Group
			eg.SetLimit(l.opts.NumWorkers)
			for batchIdx := range numBatches {
				if workersCtx.Err() != nil {
					break
				}
				eg.Go(func() error {
					start := batchIdx * l.opts.BatchSize
					end := min(start+l.opts.BatchSize, len(order))
					batch := l.assemble(batchIdx, order[start:end])
					select {
					case batches <- batch:
						return nil
					case <-workersCtx.Done():
						return workersCtx.Err()
					}
				})
			}
			_ = eg.Wait()
		}()

		for batch := range batches {
			if klog.V(2).Enabled() {
				klog.Infof("Batch %d of %d: %d samples", batch.Index, numBatches, batch.Size)
			}
			if !yield(batch, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// assemble copies the samples with the given indices into a new Batch.
func (l *Loader) assemble(batchIdx int, indices []int) *Batch {
	geometry := l.ds.Geometry
	boardSize, numActions := geometry.BoardSize(), geometry.Actions
	batch := &Batch{
		Index:    batchIdx,
		Size:     len(indices),
		Boards:   make([]float32, len(indices)*boardSize),
		Policies: make([]float32, len(indices)*numActions),
		Values:   make([]float32, len(indices)),
	}
	for ii, sampleIdx := range indices {
		board, policy, value := l.ds.Sample(sampleIdx)
		copy(batch.Boards[ii*boardSize:], board)
		copy(batch.Policies[ii*numActions:], policy)
		batch.Values[ii] = value
	}
	return batch
}
