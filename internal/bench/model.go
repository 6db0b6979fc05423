// Package bench implements the instrumented execution loop: it drives the
// inference workload batch by batch, times the fetch and compute phases and
// writes one timing row per phase per batch.
package bench

import (
	"context"

	"github.com/skobkin/pipebench/internal/dataset"
)

// Device is the compute device the model runs on.
type Device interface {
	// Accelerated is false on the CPU fallback path.
	Accelerated() bool
	// Synchronize blocks until all queued device work has completed.
	Synchronize() error
}

// Staged is a batch materialised on the device.
type Staged interface {
	Batch() dataset.Batch
	Release()
}

// Logits holds the start and end span scores of a forward pass, row-major
// [Batch x SeqLen].
type Logits struct {
	Batch  int
	SeqLen int
	Start  []float32
	End    []float32
}

// Model is the inference workload.
type Model interface {
	Load(batch dataset.Batch) (Staged, error)
	Forward(ctx context.Context, staged Staged) (Logits, error)
}

// Iterator yields the batches of one epoch. Next returns io.EOF when the
// epoch is exhausted.
type Iterator interface {
	Next(ctx context.Context) (dataset.Batch, error)
	Len() int
	Close() error
}

// Source opens one randomly sampled pass per epoch.
type Source interface {
	Epoch(ctx context.Context) Iterator
	Batches() int
}

// Decoder turns token ids back into text.
type Decoder interface {
	Decode(ids []int64) string
}

type loaderSource struct {
	loader *dataset.Loader
}

// FromLoader adapts a dataset loader to a Source.
func FromLoader(loader *dataset.Loader) Source {
	return loaderSource{loader: loader}
}

func (s loaderSource) Epoch(ctx context.Context) Iterator {
	return s.loader.Epoch(ctx)
}

func (s loaderSource) Batches() int {
	return s.loader.Batches()
}

// cpuDevice is used when no device is supplied.
type cpuDevice struct{}

func (cpuDevice) Accelerated() bool  { return false }
func (cpuDevice) Synchronize() error { return nil }
