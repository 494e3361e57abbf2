package dataset

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawSample(name string, w, h int) *transforms.Sample {
	return &transforms.Sample{
		Name:  name,
		Raw:   imaging.New(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255}),
		Annos: []annotations.Annotation{{X: 4, Y: 4, W: 8, H: 8, Score: 1, Class: 1, Truncation: 0, Occlusion: 0}},
	}
}

func encodePipeline() transforms.Transform {
	return transforms.NewPipeline(
		transforms.ToTensor{},
		&transforms.ToHeatmap{ScaleFactor: 4, ClsNum: 2, MaxObjects: 8},
	)
}

func memory(n int) *MemoryDataset {
	ds := &MemoryDataset{}
	for i := 0; i < n; i++ {
		ds.Samples = append(ds.Samples, rawSample(string(rune('a'+i)), 32, 32))
	}
	return ds
}

func TestMemoryDataset(t *testing.T) {
	ds := memory(2)
	s, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "b", s.Name)

	s.Annos[0].X = 100
	assert.Equal(t, float32(4), ds.Samples[1].Annos[0].X, "Get must not alias the stored annotations")

	_, err = ds.Get(2)
	assert.ErrorIs(t, err, ErrIndex)
}

func TestShard(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		world   int
		shuffle bool
	}{
		{"even split", 8, 2, false},
		{"padded", 5, 2, true},
		{"more replicas than samples", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := memory(tt.n)
			seen := map[int]int{}
			var length int
			for rank := 0; rank < tt.world; rank++ {
				l, err := NewLoader(logs.NewTestingLog(t), ds, nil, Config{BatchSize: 2, Shuffle: tt.shuffle, Seed: 3}, rank, tt.world)
				require.NoError(t, err)
				shard := l.Shard(0)
				if rank == 0 {
					length = len(shard)
				}
				assert.Len(t, shard, length, "all shards have the same length")
				assert.Equal(t, shard, l.Shard(0), "shards are deterministic")
				for _, i := range shard {
					seen[i]++
				}
			}
			assert.Len(t, seen, tt.n, "every sample is visited")
			if tt.n%tt.world == 0 {
				for i, c := range seen {
					assert.Equal(t, 1, c, "sample %d", i)
				}
			}
		})
	}
}

func TestShardShufflesPerEpoch(t *testing.T) {
	l, err := NewLoader(logs.NewTestingLog(t), memory(20), nil, Config{BatchSize: 4, Shuffle: true, Seed: 1}, 0, 1)
	require.NoError(t, err)
	a, b := l.Shard(0), l.Shard(1)
	assert.NotEqual(t, a, b)
	sort.Ints(a)
	sort.Ints(b)
	assert.Equal(t, a, b)
}

func TestLoader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := NewLoader(logs.NewTestingLog(t), memory(3), encodePipeline(), Config{BatchSize: 2, Workers: 2, Prefetch: 1}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, l.BatchesPerEpoch())
	l.Start(ctx)
	defer l.Close()

	first, err := l.GetBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Size())
	assert.Equal(t, []int{2, 3, 32, 32}, []int(first.Images.Shape()))
	assert.Equal(t, []int{2, 2, 8, 8}, []int(first.HM.Shape()))
	assert.Equal(t, []int{2, 8}, []int(first.Ind.Shape()))
	assert.Equal(t, []string{"a", "b"}, first.Names)
	require.Len(t, first.Annos, 2)

	second, err := l.GetBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, second.Names)

	third, err := l.GetBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, third.Names, "the loader cycles through epochs")
}

func TestLoaderReportsBadBatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ds := memory(4)
	ds.Samples[1].Raw = nil
	l, err := NewLoader(logs.NewTestingLog(t), ds, encodePipeline(), Config{BatchSize: 2}, 0, 1)
	require.NoError(t, err)
	l.Start(ctx)
	defer l.Close()

	_, err = l.GetBatch(ctx)
	assert.ErrorIs(t, err, transforms.ErrStage)

	b, err := l.GetBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, b.Names)
}

func TestLoaderClose(t *testing.T) {
	l, err := NewLoader(logs.NewTestingLog(t), memory(2), encodePipeline(), Config{BatchSize: 1}, 0, 1)
	require.NoError(t, err)
	l.Start(context.Background())
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Batches already queued may still be delivered; after that the loader is
	// closed.
	for {
		_, err := l.GetBatch(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			return
		}
	}
}

func TestNewLoaderValidates(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := NewLoader(log, &MemoryDataset{}, nil, DefaultConfig(), 0, 1)
	assert.Error(t, err)
	_, err = NewLoader(log, memory(1), nil, Config{}, 0, 1)
	assert.Error(t, err)
	_, err = NewLoader(log, memory(1), nil, DefaultConfig(), 2, 2)
	assert.Error(t, err)
}

func TestCollateRejectsRawSamples(t *testing.T) {
	_, err := Collate([]*transforms.Sample{rawSample("a", 8, 8)})
	assert.ErrorIs(t, err, transforms.ErrStage)
}

func TestFolderDataset(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg"} {
		img := imaging.New(20, 10, color.NRGBA{R: 200, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, name)))
	}
	require.NoError(t, imaging.Save(image.NewGray(image.Rect(0, 0, 1, 1)), filepath.Join(dir, "ignored.gif")))

	source := func(path string) ([]annotations.Annotation, error) {
		return []annotations.Annotation{{X: 1, Y: 1, W: 2, H: 2, Score: 1, Class: 3}}, nil
	}
	ds, err := NewFolderDataset(dir, source)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, "a.jpg", filepath.Base(ds.Path(0)))

	s, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "b.png", s.Name)
	assert.Equal(t, image.Rect(0, 0, 20, 10), s.Raw.Bounds())
	require.Len(t, s.Annos, 1)
	assert.Equal(t, 3, s.Annos[0].Class)

	_, err = NewFolderDataset(t.TempDir(), nil)
	assert.Error(t, err)
}
