package transforms

import (
	"image"
	"math/rand"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultScales are the MultiScale candidates.
var DefaultScales = []float32{0.5, 0.75, 1, 1.25, 1.5}

// HorizontalFlip mirrors the image and annotations with probability P.
type HorizontalFlip struct {
	P float64
}

// Apply flips when a uniform draw is at most P. The width is read from the
// current image.
func (f *HorizontalFlip) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageTensor); err != nil {
		return nil, err
	}
	if rng.Float64() > f.P {
		out := s.derive()
		out.Image = s.Image.Clone().(*tensor.Dense)
		return out, nil
	}

	img, err := images.FlipHorizontal(s.Image)
	if err != nil {
		return nil, err
	}
	out := s.derive()
	out.Image = img
	out.Annos = annotations.Flip(s.Annos, img.Shape()[2])
	return out, nil
}

// ResizeBySize scales the image to Height x Width and the annotations by the
// same per-axis factors.
type ResizeBySize struct {
	Height, Width int
}

// Apply resizes a raw or tensor sample.
func (r *ResizeBySize) Apply(s *Sample, _ *rand.Rand) (*Sample, error) {
	return resizeSample(s, r.Height, r.Width)
}

// ResizeByFactor scales both image sides by Factor.
type ResizeByFactor struct {
	Factor float32
}

// Apply resizes a raw or tensor sample.
func (r *ResizeByFactor) Apply(s *Sample, _ *rand.Rand) (*Sample, error) {
	return resizeByFactor(s, r.Factor)
}

// MultiScale resizes by a factor drawn uniformly from Scales.
type MultiScale struct {
	Scales []float32
}

// Apply picks a scale and resizes.
func (m *MultiScale) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	scales := m.Scales
	if len(scales) == 0 {
		scales = DefaultScales
	}
	return resizeByFactor(s, scales[rng.Intn(len(scales))])
}

func resizeByFactor(s *Sample, factor float32) (*Sample, error) {
	if factor <= 0 {
		return nil, errors.Errorf("invalid resize factor %v", factor)
	}
	if err := requireStage(s, StageRaw, StageTensor); err != nil {
		return nil, err
	}
	h, w, err := s.Size()
	if err != nil {
		return nil, err
	}
	return resizeSample(s, max(int(float32(h)*factor), 1), max(int(float32(w)*factor), 1))
}

// resizeSample resizes the image to height x width and scales the annotations
// by the ratio of the new to the old size on each axis.
func resizeSample(s *Sample, height, width int) (*Sample, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid resize target %dx%d", width, height)
	}
	if err := requireStage(s, StageRaw, StageTensor); err != nil {
		return nil, err
	}
	h, w, err := s.Size()
	if err != nil {
		return nil, err
	}

	out := s.derive()
	switch s.Stage() {
	case StageRaw:
		out.Raw = resizeRaw(s.Raw, height, width)
	default:
		img, err := images.ResizeBilinear(s.Image, height, width, false)
		if err != nil {
			return nil, err
		}
		out.Image = img
	}
	out.Annos = annotations.Scale(s.Annos, float32(width)/float32(w), float32(height)/float32(h))
	return out, nil
}

// resizeRaw resamples a decoded image with a bilinear filter.
func resizeRaw(img image.Image, height, width int) image.Image {
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}
