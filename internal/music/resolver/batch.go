package resolver

import (
	"context"
	"sync"
)

// DefaultBatchSize bounds how many references resolve concurrently.
const DefaultBatchSize = 3

// BatchResult is the outcome for one input reference. Exactly one of Track
// and Err is set.
type BatchResult struct {
	Index int
	Ref   string
	Track *TrackInfo
	Err   error
}

// Batch resolves many references in fixed-size concurrent batches. A whole
// batch settles before the next one starts, and results are delivered in
// input order batch by batch, so a consumer can act on the first reference
// while the rest are still in flight.
type Batch struct {
	resolver  Resolver
	batchSize int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewBatch(r Resolver, batchSize int) *Batch {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Batch{
		resolver:  r,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Stop discards the run: the result channel closes and nothing further is
// emitted. Safe to call more than once, from any goroutine.
func (b *Batch) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Run resolves refs and returns a channel of per-item results. The channel
// is closed after the last result, or early when the run is stopped or ctx
// is cancelled.
func (b *Batch) Run(ctx context.Context, refs []string) <-chan BatchResult {
	out := make(chan BatchResult)

	go func() {
		defer close(out)

		for start := 0; start < len(refs); start += b.batchSize {
			end := start + b.batchSize
			if end > len(refs) {
				end = len(refs)
			}
			batch := refs[start:end]

			results := make([]BatchResult, len(batch))
			var wg sync.WaitGroup
			for i, ref := range batch {
				wg.Add(1)
				go func(i int, ref string) {
					defer wg.Done()
					track, err := b.resolver.Resolve(ctx, ref)
					results[i] = BatchResult{Index: start + i, Ref: ref, Track: track, Err: err}
				}(i, ref)
			}
			wg.Wait()

			for _, r := range results {
				// Checked separately first so a stopped run never
				// races a pending send.
				select {
				case <-b.stop:
					return
				case <-ctx.Done():
					return
				default:
				}

				select {
				case <-b.stop:
					return
				case <-ctx.Done():
					return
				case out <- r:
				}
			}
		}
	}()

	return out
}
