package transforms

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// constSource makes every draw of a rand.Rand deterministic.
type constSource struct{ v int64 }

func (c constSource) Int63() int64 { return c.v }
func (c constSource) Seed(int64)   {}

// zeroRand returns 0 from Float64 and Intn.
func zeroRand() *rand.Rand { return rand.New(constSource{0}) }

// halfRand returns 0.5 from Float64.
func halfRand() *rand.Rand { return rand.New(constSource{1 << 62}) }

func rampSample(c, h, w int, annos ...annotations.Annotation) *Sample {
	data := make([]float32, c*h*w)
	for i := range data {
		data[i] = float32(i % 251)
	}
	return &Sample{
		Name:  "ramp",
		Image: tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(data)),
		Annos: annos,
	}
}

func box(x, y, w, h float32) annotations.Annotation {
	return annotations.Annotation{X: x, Y: y, W: w, H: h, Score: 1, Class: 1, Truncation: 0, Occlusion: 0}
}

func TestHorizontalFlip(t *testing.T) {
	t.Run("involution", func(t *testing.T) {
		in := rampSample(3, 6, 9, box(1, 2, 3, 1), box(0, 0, 9, 6))
		flip := &HorizontalFlip{P: 1}
		rng := rand.New(rand.NewSource(1))

		once, err := flip.Apply(in, rng)
		require.NoError(t, err)
		assert.NotEqual(t, in.Image.Data(), once.Image.Data())
		assert.Equal(t, float32(5), once.Annos[0].X)

		twice, err := flip.Apply(once, rng)
		require.NoError(t, err)
		assert.Equal(t, in.Image.Data(), twice.Image.Data())
		assert.Equal(t, in.Annos, twice.Annos)
	})

	t.Run("skipped above probability", func(t *testing.T) {
		in := rampSample(3, 4, 4, box(0, 0, 1, 1))
		out, err := (&HorizontalFlip{P: 0.25}).Apply(in, halfRand())
		require.NoError(t, err)
		assert.Equal(t, in.Annos, out.Annos)
		assert.NotSame(t, in.Image, out.Image)
		assert.Equal(t, in.Image.Data(), out.Image.Data())

		// The output owns its pixels.
		out.Image.Data().([]float32)[0] = -7
		assert.NotEqual(t, float32(-7), in.Image.Data().([]float32)[0])
	})

	t.Run("rejects raw samples", func(t *testing.T) {
		raw := &Sample{Raw: image.NewNRGBA(image.Rect(0, 0, 4, 4))}
		_, err := (&HorizontalFlip{P: 1}).Apply(raw, zeroRand())
		assert.ErrorIs(t, err, ErrStage)
	})
}

func TestResizeInverse(t *testing.T) {
	in := rampSample(3, 90, 120, box(10, 20, 30, 40), box(100.5, 3.25, 7, 9))

	down, err := (&ResizeBySize{Height: 64, Width: 200}).Apply(in, nil)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 64, 200}, down.Image.Shape())

	back, err := (&ResizeBySize{Height: 90, Width: 120}).Apply(down, nil)
	require.NoError(t, err)
	require.Len(t, back.Annos, 2)
	for i := range in.Annos {
		assert.InDelta(t, in.Annos[i].X, back.Annos[i].X, 1e-4)
		assert.InDelta(t, in.Annos[i].Y, back.Annos[i].Y, 1e-4)
		assert.InDelta(t, in.Annos[i].W, back.Annos[i].W, 1e-4)
		assert.InDelta(t, in.Annos[i].H, back.Annos[i].H, 1e-4)
	}

	t.Run("raw stage", func(t *testing.T) {
		raw := &Sample{Raw: image.NewNRGBA(image.Rect(0, 0, 40, 20)), Annos: []annotations.Annotation{box(4, 2, 8, 4)}}
		out, err := (&ResizeByFactor{Factor: 0.5}).Apply(raw, nil)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 20, 10), out.Raw.Bounds())
		assert.Equal(t, box(2, 1, 4, 2), out.Annos[0])
	})
}

func TestMultiScale(t *testing.T) {
	in := rampSample(3, 40, 40, box(4, 4, 8, 8))
	out, err := (&MultiScale{Scales: []float32{0.5, 2}}).Apply(in, zeroRand())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 20, 20}, out.Image.Shape())
	assert.Equal(t, box(2, 2, 4, 4), out.Annos[0])
}

// TestRandomCropOverlapTable crops a blank 256x256 image to 128x128 with
// keep_iou=0.3 at origin (0,0) and checks each box against its hand computed
// coverage.
func TestRandomCropOverlapTable(t *testing.T) {
	tests := []struct {
		name     string
		in       annotations.Annotation
		coverage float32
		want     *annotations.Annotation
	}{
		{"fully inside", box(10, 10, 20, 20), 1, &annotations.Annotation{X: 10, Y: 10, W: 20, H: 20, Score: 1, Class: 1}},
		{"half inside", box(118, 10, 20, 20), 0.5, &annotations.Annotation{X: 118, Y: 10, W: 10, H: 20, Score: 1, Class: 1}},
		{"quarter inside", box(123, 10, 20, 20), 0.25, nil},
		{"fifth inside", box(100, 120, 20, 40), 0.2, nil},
		{"fully outside", box(200, 200, 20, 20), 0, nil},
		{"wider than window", box(0, 0, 150, 20), 128.0 / 150.0, nil},
	}

	in := &Sample{Image: images.Zeros(3, 256, 256)}
	for _, tt := range tests {
		in.Annos = append(in.Annos, tt.in)
	}

	var branches []CropBranch
	var win annotations.Window
	crop := &RandomCrop{Height: 128, Width: 128, KeepIoU: 0.3, Trace: func(b CropBranch, w annotations.Window) {
		branches = append(branches, b)
		win = w
	}}

	out, err := crop.Apply(in, zeroRand())
	require.NoError(t, err)
	assert.Equal(t, []CropBranch{CropWindow}, branches)
	assert.Equal(t, annotations.Window{X: 0, Y: 0, W: 128, H: 128}, win)
	assert.Equal(t, tensor.Shape{3, 128, 128}, out.Image.Shape())

	var want []annotations.Annotation
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.coverage, annotations.Coverage(tt.in, win), 1e-6)
		})
		if tt.want != nil {
			want = append(want, *tt.want)
		}
	}
	assert.Equal(t, want, out.Annos)
}

func TestRandomCropKeepsOnlyCoveredBoxes(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		in := &Sample{Image: images.Zeros(1, 200, 300)}
		for i := 0; i < 8; i++ {
			in.Annos = append(in.Annos, box(rng.Float32()*290, rng.Float32()*190, 1+rng.Float32()*40, 1+rng.Float32()*40))
		}

		var win annotations.Window
		var forced bool
		crop := &RandomCrop{Height: 96, Width: 128, KeepIoU: 0.4, Trace: func(b CropBranch, w annotations.Window) {
			win = w
			forced = forced || b == CropForcedInclusion
		}}

		out, err := crop.Apply(in, rng)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{1, 96, 128}, out.Image.Shape())

		if len(out.Annos) == 1 && out.Annos[0].IsSentinel() {
			continue
		}
		kept := annotations.Filter(in.Annos, func(a annotations.Annotation) bool {
			return annotations.Coverage(a, win) > crop.KeepIoU
		})
		want := annotations.ClipTo(annotations.Translate(kept, float32(win.X), float32(win.Y)), 128, 96)
		assert.Equal(t, want, out.Annos, "seed %d forced=%v", seed, forced)
	}
}

func TestRandomCropFallbacks(t *testing.T) {
	record := func(branches *[]CropBranch) func(CropBranch, annotations.Window) {
		return func(b CropBranch, _ annotations.Window) { *branches = append(*branches, b) }
	}

	t.Run("noop", func(t *testing.T) {
		var branches []CropBranch
		in := rampSample(3, 32, 32, box(1, 1, 4, 4))
		out, err := (&RandomCrop{Height: 32, Width: 32, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropNoop}, branches)
		assert.Equal(t, in.Image.Data(), out.Image.Data())
		assert.NotSame(t, in.Image, out.Image)
	})

	t.Run("pad both sides", func(t *testing.T) {
		var branches []CropBranch
		in := rampSample(3, 20, 30, box(1, 1, 4, 4))
		out, err := (&RandomCrop{Height: 32, Width: 32, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropPad}, branches)
		assert.Equal(t, tensor.Shape{3, 32, 32}, out.Image.Shape())
		assert.Equal(t, in.Annos, out.Annos)
	})

	t.Run("pad one side", func(t *testing.T) {
		var branches []CropBranch
		in := rampSample(3, 64, 256, box(10, 10, 20, 20))
		out, err := (&RandomCrop{Height: 128, Width: 128, KeepIoU: 0.5, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropPadOneSide, CropWindow}, branches)
		assert.Equal(t, tensor.Shape{3, 128, 128}, out.Image.Shape())
		assert.Equal(t, in.Annos, out.Annos)
	})

	t.Run("forced inclusion", func(t *testing.T) {
		var branches []CropBranch
		in := &Sample{Image: images.Zeros(3, 256, 256), Annos: []annotations.Annotation{box(200, 200, 20, 20)}}
		out, err := (&RandomCrop{Height: 128, Width: 128, KeepIoU: 0.3, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropForcedInclusion, CropWindow}, branches)
		assert.Equal(t, []annotations.Annotation{box(108, 108, 20, 20)}, out.Annos)
	})

	t.Run("scale fallback then sentinel", func(t *testing.T) {
		var branches []CropBranch
		in := rampSample(3, 256, 512, box(0, 0, 500, 20))
		out, err := (&RandomCrop{Height: 128, Width: 128, KeepIoU: 0.9, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropScaleFallback, CropForcedInclusion, CropWindow, CropSentinel}, branches)
		assertSentinel(t, out, 3, 128, 128)
	})

	t.Run("scale fallback keeps rescaled boxes", func(t *testing.T) {
		var branches []CropBranch
		in := rampSample(3, 256, 256, box(0, 0, 200, 200))
		out, err := (&RandomCrop{Height: 128, Width: 128, KeepIoU: 0.5, Trace: record(&branches)}).Apply(in, zeroRand())
		require.NoError(t, err)
		assert.Equal(t, []CropBranch{CropScaleFallback, CropWindow}, branches)
		assert.Equal(t, []annotations.Annotation{box(0, 0, 100, 100)}, out.Annos)
	})

	t.Run("no annotations", func(t *testing.T) {
		in := rampSample(3, 256, 256)
		out, err := (&RandomCrop{Height: 128, Width: 128, KeepIoU: 0.3}).Apply(in, zeroRand())
		require.NoError(t, err)
		assertSentinel(t, out, 3, 128, 128)
	})
}

func assertSentinel(t *testing.T, s *Sample, c, h, w int) {
	t.Helper()
	require.Len(t, s.Annos, 1)
	assert.True(t, s.Annos[0].IsSentinel())
	assert.Equal(t, tensor.Shape{c, h, w}, s.Image.Shape())
	for _, v := range s.Image.Data().([]float32) {
		if v != 0 {
			t.Fatalf("sentinel image must be all zero, found %v", v)
		}
	}
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestColorJitter(t *testing.T) {
	src := solid(8, 8, color.NRGBA{R: 120, G: 60, B: 30, A: 255})
	in := &Sample{Raw: src, Annos: []annotations.Annotation{box(1, 1, 2, 2)}}

	out, err := (&ColorJitter{}).Apply(in, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	got := color.NRGBAModel.Convert(out.Raw.At(3, 3)).(color.NRGBA)
	assert.InDelta(t, 120, int(got.R), 1)
	assert.InDelta(t, 60, int(got.G), 1)
	assert.InDelta(t, 30, int(got.B), 1)
	assert.Equal(t, in.Annos, out.Annos)

	bright, err := (&ColorJitter{Brightness: 0.5}).Apply(in, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), bright.Raw.Bounds())

	_, err = (&ColorJitter{}).Apply(rampSample(3, 2, 2), zeroRand())
	assert.ErrorIs(t, err, ErrStage)
}

func TestWhiteBalance(t *testing.T) {
	src := solid(4, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	in := &Sample{Raw: src}

	skipped, err := WhiteBalance{}.Apply(in, zeroRand())
	require.NoError(t, err)
	assert.Same(t, src, skipped.Raw)

	// Int31 of this source is 1, so Intn(2) returns 1.
	balanced, err := WhiteBalance{}.Apply(in, rand.New(constSource{1 << 32}))
	require.NoError(t, err)
	got := color.NRGBAModel.Convert(balanced.Raw.At(0, 0)).(color.NRGBA)
	assert.Equal(t, color.NRGBA{R: 117, G: 117, B: 117, A: 255}, got)
}

func TestFillDuck(t *testing.T) {
	src := solid(100, 100, color.NRGBA{A: 255})
	for y := 10; y < 15; y++ {
		for x := 10; x < 15; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	donor := box(10, 10, 5, 5)
	ignored := annotations.Annotation{X: 50, Y: 50, W: 40, H: 40, Score: 1, Class: annotations.IgnoredClass}
	in := &Sample{Raw: src, Annos: []annotations.Annotation{donor, ignored}}

	out, err := (&FillDuck{Classes: []int{1}, Factor: 0.001}).Apply(in, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, in.Annos, out.Annos)

	inside, outside := 0, 0
	b := out.Raw.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(out.Raw.At(x, y)).(color.NRGBA)
			if c.R == 0 {
				continue
			}
			if x >= 50 && x < 90 && y >= 50 && y < 90 {
				inside++
			} else if x < 10 || x >= 15 || y < 10 || y >= 15 {
				outside++
			}
		}
	}
	assert.Greater(t, inside, 0, "donor patches should land in the ignored region")
	assert.Zero(t, outside, "nothing may be pasted outside ignored regions")
	assert.Equal(t, color.NRGBA{A: 255}, src.NRGBAAt(60, 60), "source image must not be modified")
}

func TestPipeline(t *testing.T) {
	raw := solid(64, 48, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	in := &Sample{Name: "frame", Raw: raw, Annos: []annotations.Annotation{box(8, 8, 16, 16)}}

	p := NewPipeline(
		ToTensor{},
		&HorizontalFlip{P: 1},
		&Normalize{Mean: []float32{0.5, 0.5, 0.5}, Std: []float32{0.5, 0.5, 0.5}},
		&ToHeatmap{ScaleFactor: 4, ClsNum: 2, MaxObjects: 4},
	)
	out, err := p.Apply(in, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, StageEncoded, out.Stage())
	assert.Equal(t, tensor.Shape{2, 12, 16}, out.Targets.HM.Shape())
	assert.Equal(t, box(40, 8, 16, 16), out.Annos[0])
	assert.Equal(t, StageRaw, in.Stage(), "input sample must not change stage")

	_, err = NewPipeline(ToTensor{}, &ToHeatmap{}, &HorizontalFlip{P: 1}).Apply(in, zeroRand())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStage))
	assert.Contains(t, err.Error(), "HorizontalFlip")
}

func TestConfigBuild(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CropHeight, cfg.CropWidth = 64, 64
	cfg.Scales = []float32{1}
	p := cfg.Build()
	assert.Equal(t, 7, p.Len())

	raw := solid(96, 80, color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	in := &Sample{Raw: raw, Annos: []annotations.Annotation{box(20, 20, 16, 16)}}
	out, err := p.Apply(in, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 64, 64}, out.Image.Shape())
	assert.Equal(t, tensor.Shape{4, 16, 16}, out.Targets.HM.Shape())
}
