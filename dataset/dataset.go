// Package dataset - training samples and the loader that turns them into
// augmented, sharded, collated batches.
package dataset

import (
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/pkg/errors"
)

// ErrIndex is returned for an index outside the dataset.
var ErrIndex = errors.New("sample index out of range")

// Dataset is a random-access collection of raw samples.
type Dataset interface {
	// Len returns the number of samples.
	Len() int
	// Get returns sample i. The returned sample may be handed to a transform
	// pipeline, which never modifies it.
	Get(i int) (*transforms.Sample, error)
}

// MemoryDataset serves samples that are already in memory.
type MemoryDataset struct {
	Samples []*transforms.Sample
}

// Len returns the number of samples.
func (d *MemoryDataset) Len() int {
	return len(d.Samples)
}

// Get returns a copy of sample i with its own annotation slice.
func (d *MemoryDataset) Get(i int) (*transforms.Sample, error) {
	if i < 0 || i >= len(d.Samples) {
		return nil, errors.Wrapf(ErrIndex, "%d of %d", i, len(d.Samples))
	}
	s := *d.Samples[i]
	s.Annos = annotations.Clone(s.Annos)
	return &s, nil
}
