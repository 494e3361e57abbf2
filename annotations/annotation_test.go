package annotations

import (
	"testing"

	"github.com/nvr-ai/go-rrnet/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFields(t *testing.T) {
	tests := []struct {
		name    string
		row     []float32
		want    Annotation
		wantErr bool
	}{
		{
			name: "six fields",
			row:  []float32{1, 2, 3, 4, 1, 5},
			want: Annotation{X: 1, Y: 2, W: 3, H: 4, Score: 1, Class: 5, Truncation: -1, Occlusion: -1},
		},
		{
			name: "seven fields",
			row:  []float32{1, 2, 3, 4, 1, 5, 1},
			want: Annotation{X: 1, Y: 2, W: 3, H: 4, Score: 1, Class: 5, Truncation: 1, Occlusion: -1},
		},
		{
			name: "eight fields",
			row:  []float32{1, 2, 3, 4, 0.5, 5, 0, 2},
			want: Annotation{X: 1, Y: 2, W: 3, H: 4, Score: 0.5, Class: 5, Truncation: 0, Occlusion: 2},
		},
		{name: "too short", row: []float32{1, 2, 3, 4, 1}, wantErr: true},
		{name: "too long", row: make([]float32, 9), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromFields(tt.row)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSentinel(t *testing.T) {
	s := Sentinel()
	assert.True(t, s.IsSentinel())
	assert.Equal(t, [NumFields]float32{0, 0, 1, 1, 1, 0, -1, -1}, s.Fields())

	s.Class = 1
	assert.False(t, s.IsSentinel())
}

func TestCoverage(t *testing.T) {
	win := Window{X: 0, Y: 0, W: 128, H: 128}
	tests := []struct {
		name string
		a    Annotation
		want float32
	}{
		{"fully inside", Annotation{X: 10, Y: 10, W: 20, H: 20}, 1},
		{"partially inside", Annotation{X: 120, Y: 0, W: 20, H: 10}, 0.4},
		{"fully outside", Annotation{X: 200, Y: 200, W: 10, H: 10}, 0},
		{"degenerate", Annotation{X: 10, Y: 10, W: 0, H: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Coverage(tt.a, win), 1e-6)
		})
	}
}

func TestFlipInvolution(t *testing.T) {
	annos := []Annotation{{X: 3, Y: 1, W: 4, H: 2, Class: 1}, {X: 0, Y: 0, W: 10, H: 10, Class: 2}}

	once := Flip(annos, 10)
	assert.Equal(t, float32(3), once[0].X)
	assert.Equal(t, float32(0), once[1].X)

	twice := Flip(once, 10)
	assert.Equal(t, annos, twice)
	assert.Equal(t, float32(3), annos[0].X, "input must not be modified")
}

func TestScaleTranslateClip(t *testing.T) {
	annos := []Annotation{{X: 10, Y: 20, W: 30, H: 40}}

	scaled := Scale(annos, 0.5, 2)
	assert.Equal(t, Annotation{X: 5, Y: 40, W: 15, H: 80}, scaled[0])

	back := Scale(scaled, 2, 0.5)
	assert.Equal(t, annos, back)

	moved := Translate(annos, 5, 25)
	assert.Equal(t, Annotation{X: 5, Y: -5, W: 30, H: 40}, moved[0])

	clipped := ClipTo(append(moved, Annotation{X: -20, Y: 0, W: 10, H: 10}), 20, 20)
	require.Len(t, clipped, 1)
	assert.Equal(t, Annotation{X: 5, Y: 0, W: 15, H: 20}, clipped[0])
}

func TestPairwiseIoU(t *testing.T) {
	gts := ToCorners([]Annotation{{X: 0, Y: 0, W: 10, H: 10}, {X: 20, Y: 20, W: 10, H: 10}})
	cands := []images.Rect{{X1: 0, Y1: 0, X2: 10, Y2: 10}, {X1: 25, Y1: 20, X2: 35, Y2: 30}}

	iou := PairwiseIoU(cands, gts)
	require.Len(t, iou, 2)
	assert.InDelta(t, 1, iou[0][0], 1e-6)
	assert.InDelta(t, 0, iou[0][1], 1e-6)
	assert.InDelta(t, 50.0/150.0, iou[1][1], 1e-6)

	x, y, w, h := CornersToXYWH(gts[1])
	assert.Equal(t, []float32{20, 20, 10, 10}, []float32{x, y, w, h})
}
