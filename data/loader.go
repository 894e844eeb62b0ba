package data

import (
	"context"
	"fmt"
	"math/rand"

	torch "github.com/wangkuiyi/gotorch"
	"golang.org/x/sync/errgroup"
)

// Batch is a stacked minibatch: LR and HR tensors shaped [n, 3, h, w].
type Batch struct {
	LR   torch.Tensor
	HR   torch.Tensor
	Size int64
}

// LoaderOptions configure one pass over a dataset.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	// Epoch seeds the shuffle so replicas permute identically and resumed
	// runs see fresh orderings, in the manner of a distributed sampler's
	// set_epoch.
	Epoch int
	// Rank/WorldSize shard the sample set across replicas: a replica takes
	// every WorldSize-th sample starting at Rank. WorldSize <= 1 disables
	// sharding.
	Rank      int
	WorldSize int
	// Workers decode samples of a batch concurrently. Values < 1 mean 1.
	Workers int
}

// Loader iterates a dataset once, producing stacked batches. A producer
// goroutine keeps one batch decoded ahead of the consumer; Scan blocks on
// the next batch in the usual Scan/Minibatch style:
//
//	for loader.Scan() {
//		lr, hr := loader.Minibatch()
//		...
//	}
//	if err := loader.Err(); err != nil { ... }
type Loader struct {
	batches  chan Batch
	cancel   context.CancelFunc
	g        *errgroup.Group
	cur      Batch
	nBatches int
	err      error
	done     bool
}

// NewLoader starts one pass over ds. Incomplete trailing batches are
// dropped so every batch has the full size.
func NewLoader(ds Dataset, o LoaderOptions) *Loader {
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	idx := shard(ds.Len(), o)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	l := &Loader{
		batches:  make(chan Batch, 1),
		cancel:   cancel,
		g:        g,
		nBatches: len(idx) / o.BatchSize,
	}

	g.Go(func() error {
		defer close(l.batches)
		for b := 0; b < l.nBatches; b++ {
			batch, err := loadBatch(ctx, ds, idx[b*o.BatchSize:(b+1)*o.BatchSize], o.Workers)
			if err != nil {
				return err
			}
			select {
			case l.batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return l
}

// shard returns the sample indices this replica iterates, shuffled first
// when requested so all replicas agree on the permutation.
func shard(n int, o LoaderOptions) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if o.Shuffle {
		rng := rand.New(rand.NewSource(int64(o.Epoch) + 1))
		rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	if o.WorldSize <= 1 {
		return idx
	}
	var mine []int
	for i := o.Rank; i < n; i += o.WorldSize {
		mine = append(mine, idx[i])
	}
	return mine
}

func loadBatch(ctx context.Context, ds Dataset, idx []int, workers int) (Batch, error) {
	pairs := make([]Pair, len(idx))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, sample := range idx {
		i, sample := i, sample
		g.Go(func() error {
			p, err := ds.Sample(sample)
			if err != nil {
				return fmt.Errorf("sample %d: %w", sample, err)
			}
			pairs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	lrs := make([]torch.Tensor, len(pairs))
	hrs := make([]torch.Tensor, len(pairs))
	for i, p := range pairs {
		lrs[i], hrs[i] = p.LR, p.HR
	}
	return Batch{
		LR:   torch.Stack(lrs, 0),
		HR:   torch.Stack(hrs, 0),
		Size: int64(len(pairs)),
	}, nil
}

// Scan advances to the next batch, returning false at the end of the pass
// or on the first producer error.
func (l *Loader) Scan() bool {
	b, ok := <-l.batches
	if !ok {
		if !l.done {
			l.done = true
			l.err = l.g.Wait()
			l.cancel()
		}
		return false
	}
	l.cur = b
	return true
}

// Minibatch returns the current batch's LR and HR tensors.
func (l *Loader) Minibatch() (lr, hr torch.Tensor) { return l.cur.LR, l.cur.HR }

// BatchSize returns the sample count of the current batch.
func (l *Loader) BatchSize() int64 { return l.cur.Size }

// Len is the number of batches in this pass.
func (l *Loader) Len() int { return l.nBatches }

// Err reports the first error encountered by the producer, available once
// Scan has returned false.
func (l *Loader) Err() error { return l.err }

// Close abandons the pass and releases the producer goroutine. Safe to
// call after normal exhaustion.
func (l *Loader) Close() {
	l.cancel()
	for range l.batches {
	}
	_ = l.g.Wait()
	l.done = true
}
