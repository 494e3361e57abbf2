package transforms

import (
	"math/rand"

	"github.com/nvr-ai/go-rrnet/heatmap"
	"github.com/nvr-ai/go-rrnet/images"
)

// ToTensor converts a raw sample into a [3,H,W] tensor in [0,1].
type ToTensor struct{}

// Apply converts the image; annotations are copied as they are.
func (ToTensor) Apply(s *Sample, _ *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageRaw); err != nil {
		return nil, err
	}
	out := s.derive()
	out.Image = images.FromImage(s.Raw)
	out.Raw = nil
	return out, nil
}

// Normalize applies per-channel (v - Mean) / Std to the image.
type Normalize struct {
	Mean []float32
	Std  []float32
}

// Apply normalizes pixels only.
func (n *Normalize) Apply(s *Sample, _ *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageTensor, StageEncoded); err != nil {
		return nil, err
	}
	img, err := images.Normalize(s.Image, n.Mean, n.Std)
	if err != nil {
		return nil, err
	}
	out := s.derive()
	out.Image = img
	return out, nil
}

// ToHeatmap attaches heatmap targets computed from the current annotations.
type ToHeatmap struct {
	ScaleFactor int
	ClsNum      int
	MaxObjects  int
}

// Apply encodes the sample. Geometric transforms reject encoded samples, so
// the targets stay consistent with the image.
func (t *ToHeatmap) Apply(s *Sample, _ *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageTensor); err != nil {
		return nil, err
	}
	h, w, err := s.Size()
	if err != nil {
		return nil, err
	}

	enc := heatmap.NewEncoder(
		orDefault(t.ScaleFactor, heatmap.DefaultScaleFactor),
		orDefault(t.ClsNum, heatmap.DefaultClsNum),
		orDefault(t.MaxObjects, heatmap.DefaultMaxObjects),
	)
	targets, err := enc.Encode(s.Annos, h, w)
	if err != nil {
		return nil, err
	}
	out := s.derive()
	out.Targets = targets
	return out, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
