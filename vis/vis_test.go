package vis

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestRender(t *testing.T) {
	img := images.Zeros(3, 32, 32)
	boxes := []annotations.Annotation{{X: 4, Y: 4, W: 10, H: 10, Score: 0.9, Class: 1}}

	out, err := Render(img, nil, nil, boxes, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 32, 32}, []int(out.Shape()))

	data := out.Data().([]float32)
	at := func(c, y, x int) float32 { return data[c*32*32+y*32+x] }
	// Class 1 is drawn in red on the box edge only.
	assert.InDelta(t, 1.0, at(0, 4, 8), 1e-6)
	assert.InDelta(t, 56.0/255, at(1, 4, 8), 1e-6)
	assert.Zero(t, at(0, 9, 9), "box interior stays untouched")
	assert.Zero(t, at(0, 30, 30))

	assert.Equal(t, make([]float32, 3*32*32), img.Data().([]float32), "input is not modified")
}

func TestRenderUndoesNormalization(t *testing.T) {
	mean := []float32{0.5, 0.5, 0.5}
	std := []float32{0.25, 0.25, 0.25}
	img := images.Zeros(3, 8, 8)

	out, err := (&Renderer{Mean: mean, Std: std}).Render(img, nil, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Data().([]float32)[0], 1.0/255)
}

func TestRenderRejectsBadShapes(t *testing.T) {
	_, err := Render(images.Zeros(1, 8, 8), nil, nil, nil, false)
	assert.ErrorIs(t, err, images.ErrShape)
	_, err = Render(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(8, 8)), nil, nil, nil, false)
	assert.Error(t, err)
}

func TestFileLogger(t *testing.T) {
	l, err := NewFileLogger(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	rec := &train.Record{
		Scalars: map[string]float64{train.MetricTotal: 1.5, train.MetricLR: 1e-3},
		Images:  map[string][]*tensor.Dense{train.VisualTag: {images.Zeros(3, 8, 8), images.Zeros(3, 8, 8)}},
	}
	require.NoError(t, l.Log(rec, 19))
	assert.FileExists(t, l.ImagePath(train.VisualTag, 19, 0))
	assert.FileExists(t, l.ImagePath(train.VisualTag, 19, 1))
}

func TestClassColor(t *testing.T) {
	assert.Equal(t, classColor(0), classColor(-1))
	seen := map[[3]uint8]bool{}
	for c := 0; c <= 10; c++ {
		col := classColor(c)
		key := [3]uint8{col.R, col.G, col.B}
		assert.False(t, seen[key], "class %d reuses a color", c)
		seen[key] = true
	}
}
