// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package dataset

import (
	"math/rand"
	"sync"
)

// Loader batches a dataset split. Each Start call begins a fresh pass:
// indices are reshuffled, sliced into full batches (the trailing
// remainder is dropped), and collated by a pool of prefetch workers so
// batch assembly overlaps the training step.
type Loader struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
}

// NewLoader returns a loader over the dataset's active split. workers
// sets the number of prefetch goroutines; values below 1 collate
// synchronously in a single background goroutine.
func NewLoader(ds *Dataset, batchSize int, shuffle bool, workers int) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		workers:   workers,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Steps returns the number of full batches per pass.
func (l *Loader) Steps() int { return l.ds.Len() / l.batchSize }

// Iter yields the batches of one pass.
type Iter struct {
	ch chan Batch
}

// Next returns the next batch; ok is false once the pass is exhausted.
func (it *Iter) Next() (Batch, bool) {
	b, ok := <-it.ch
	return b, ok
}

// Drain discards the remaining batches so the workers can exit.
func (it *Iter) Drain() {
	for range it.ch {
	}
}

// Start launches one pass over the split.
func (l *Loader) Start() *Iter {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	steps := l.Steps()
	jobs := make(chan []int, steps)
	for s := 0; s < steps; s++ {
		jobs <- order[s*l.batchSize : (s+1)*l.batchSize]
	}
	close(jobs)

	out := make(chan Batch, l.workers)
	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				items := make([]Example, len(idx))
				for i, j := range idx {
					items[i] = l.ds.At(j)
				}
				out <- l.ds.PadCollate(items)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return &Iter{ch: out}
}
