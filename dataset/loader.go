package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/heatmap"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// ErrClosed is returned by GetBatch once the loader has shut down.
var ErrClosed = errors.New("loader closed")

// Config controls batching.
type Config struct {
	// BatchSize is the number of samples per batch on one replica.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Workers is the number of samples transformed concurrently.
	Workers int `json:"workers" yaml:"workers"`
	// Prefetch is the number of batches prepared ahead of the trainer.
	Prefetch int `json:"prefetch" yaml:"prefetch"`
	// Shuffle reorders the samples every epoch.
	Shuffle bool `json:"shuffle" yaml:"shuffle"`
	// Seed makes the sample order and the augmentations reproducible.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the loader settings used for training.
func DefaultConfig() Config {
	return Config{BatchSize: 8, Workers: 4, Prefetch: 2, Shuffle: true}
}

// Batch is a collated set of encoded samples.
type Batch struct {
	// Images is [B,C,H,W].
	Images *tensor.Dense
	// Annos are the per-image annotations in input pixels.
	Annos [][]annotations.Annotation
	// Names are the sample names.
	Names []string
	*heatmap.Batch
}

// Size returns B.
func (b *Batch) Size() int {
	return len(b.Names)
}

// Collate stacks encoded samples into a batch.
//
// Arguments:
// - samples: Samples that went through ToHeatmap, all with the same image shape.
//
// Returns:
// - The batch.
// - An error if a sample is not encoded or the shapes differ.
func Collate(samples []*transforms.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples to collate")
	}
	first := samples[0]
	targets := make([]*heatmap.Targets, len(samples))
	b := &Batch{
		Annos: make([][]annotations.Annotation, len(samples)),
		Names: make([]string, len(samples)),
	}
	for i, s := range samples {
		if s == nil || s.Stage() != transforms.StageEncoded {
			return nil, errors.Wrapf(transforms.ErrStage, "sample %d is not encoded", i)
		}
		if _, _, _, err := images.CheckCHW(s.Image); err != nil {
			return nil, err
		}
		if !s.Image.Shape().Eq(first.Image.Shape()) {
			return nil, errors.Errorf("sample %d (%s) has shape %v, batch has %v", i, s.Name, s.Image.Shape(), first.Image.Shape())
		}
		targets[i] = s.Targets
		b.Annos[i] = annotations.Clone(s.Annos)
		b.Names[i] = s.Name
	}

	shape := first.Image.Shape().Clone()
	data := make([]float32, 0, len(samples)*shape.TotalSize())
	for _, s := range samples {
		data = append(data, s.Image.Data().([]float32)...)
	}
	b.Images = tensor.New(tensor.WithShape(append([]int{len(samples)}, shape...)...), tensor.WithBacking(data))

	var err error
	if b.Batch, err = heatmap.Collate(targets); err != nil {
		return nil, err
	}
	return b, nil
}

type result struct {
	batch *Batch
	err   error
}

// Loader produces batches for one replica in the background. Every replica
// sees a disjoint shard of each epoch.
type Loader struct {
	log      logs.Log
	ds       Dataset
	pipeline transforms.Transform
	cfg      Config
	rank     int
	world    int

	out    chan result
	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoader returns a loader for replica rank of world.
//
// Arguments:
// - log: Receives progress messages.
// - ds: The dataset.
// - pipeline: Turns a raw sample into an encoded one.
// - cfg: Batching configuration. Zero Workers and Prefetch default to 1.
// - rank: The replica index.
// - world: The number of replicas.
//
// Returns:
// - The loader. Call Start before GetBatch.
// - An error if the dataset is empty or the configuration is invalid.
func NewLoader(log logs.Log, ds Dataset, pipeline transforms.Transform, cfg Config, rank, world int) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("empty dataset")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.Errorf("batch size %d", cfg.BatchSize)
	}
	if world < 1 || rank < 0 || rank >= world {
		return nil, errors.Errorf("rank %d of world %d", rank, world)
	}
	cfg.Workers = max(cfg.Workers, 1)
	cfg.Prefetch = max(cfg.Prefetch, 1)

	return &Loader{
		log:      log,
		ds:       ds,
		pipeline: pipeline,
		cfg:      cfg,
		rank:     rank,
		world:    world,
		out:      make(chan result, cfg.Prefetch),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the producer. It keeps cycling through epochs until ctx ends
// or Close is called. Later calls do nothing.
func (l *Loader) Start(ctx context.Context) {
	l.start.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.run(ctx)
	})
}

// Close stops the producer and waits for it to exit.
func (l *Loader) Close() {
	l.start.Do(func() {
		close(l.out)
		close(l.done)
	})
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

// GetBatch returns the next batch. A batch that failed to load is returned as
// an error and the following call moves on to the next batch.
func (l *Loader) GetBatch(ctx context.Context) (*Batch, error) {
	select {
	case r, ok := <-l.out:
		if !ok {
			return nil, ErrClosed
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchesPerEpoch returns the number of batches in one shard.
func (l *Loader) BatchesPerEpoch() int {
	per := (l.ds.Len() + l.world - 1) / l.world
	return (per + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Shard returns the dataset indices this replica visits in epoch. All replicas
// draw the same permutation and take every world-th index from rank on. The
// permutation is padded by wrapping around so that every shard has the same
// length.
func (l *Loader) Shard(epoch int) []int {
	n := l.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	total := (n + l.world - 1) / l.world * l.world
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%n])
	}

	shard := make([]int, 0, total/l.world)
	for i := l.rank; i < total; i += l.world {
		shard = append(shard, order[i])
	}
	return shard
}

func (l *Loader) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.out)

	for epoch := 0; ; epoch++ {
		shard := l.Shard(epoch)
		l.log.Debugf("rank %d: epoch %d, %d samples", l.rank, epoch, len(shard))

		for start := 0; start < len(shard); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(shard))
			b, err := l.load(epoch, shard[start:end])
			if ctx.Err() != nil {
				return
			}
			select {
			case l.out <- result{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// load transforms the samples of one batch concurrently and collates them.
func (l *Loader) load(epoch int, indices []int) (*Batch, error) {
	samples := make([]*transforms.Sample, len(indices))

	var eg errgroup.Group
	eg.SetLimit(l.cfg.Workers)
	for i, idx := range indices {
		eg.Go(func() error {
			s, err := l.ds.Get(idx)
			if err != nil {
				return err
			}
			if l.pipeline != nil {
				rng := rand.New(rand.NewSource(sampleSeed(l.cfg.Seed, epoch, idx)))
				if s, err = l.pipeline.Apply(s, rng); err != nil {
					return errors.Wrapf(err, "sample %d", idx)
				}
			}
			samples[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return Collate(samples)
}

// sampleSeed gives every (epoch, sample) pair its own augmentation stream.
func sampleSeed(seed int64, epoch, idx int) int64 {
	return seed*1_000_003 + int64(epoch)<<32 + int64(idx)
}
