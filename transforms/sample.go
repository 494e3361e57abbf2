// Package transforms - geometry aware augmentations that operate jointly on an
// image and its annotations.
//
// A Sample moves through three stages: Raw (a decoded image.Image), Tensor
// (a [C,H,W] float32 tensor after ToTensor) and Encoded (heatmap targets
// attached by ToHeatmap). Each transform asserts the stage it needs and
// returns a new Sample that shares no mutable storage with its input, so the
// annotation coordinates always describe the image they travel with.
package transforms

import (
	"image"
	"math/rand"
	"reflect"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/heatmap"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrStage is returned when a transform receives a sample in a stage it does
// not support.
var ErrStage = errors.New("sample is in the wrong pipeline stage")

// Stage identifies how far a sample has progressed through the pipeline.
type Stage int

const (
	// StageEmpty is a sample with no image.
	StageEmpty Stage = iota
	// StageRaw holds a decoded image.Image.
	StageRaw
	// StageTensor holds a [C,H,W] float32 tensor.
	StageTensor
	// StageEncoded additionally holds heatmap targets.
	StageEncoded
)

func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StageTensor:
		return "tensor"
	case StageEncoded:
		return "encoded"
	default:
		return "empty"
	}
}

// Sample is one (image, annotations) pair plus the targets derived from it.
type Sample struct {
	// Name identifies the sample, usually the source file name.
	Name string
	// Raw is set before ToTensor.
	Raw image.Image
	// Image is the [C,H,W] tensor, set from ToTensor on.
	Image *tensor.Dense
	// Annos are in the pixel space of the current image.
	Annos []annotations.Annotation
	// Targets are set by ToHeatmap.
	Targets *heatmap.Targets
}

// Stage reports the pipeline stage of the sample.
func (s *Sample) Stage() Stage {
	switch {
	case s.Targets != nil && s.Image != nil:
		return StageEncoded
	case s.Image != nil:
		return StageTensor
	case s.Raw != nil:
		return StageRaw
	default:
		return StageEmpty
	}
}

// Size returns the height and width of the current image.
func (s *Sample) Size() (int, int, error) {
	switch s.Stage() {
	case StageRaw:
		b := s.Raw.Bounds()
		return b.Dy(), b.Dx(), nil
	case StageTensor, StageEncoded:
		_, h, w, err := images.CheckCHW(s.Image)
		return h, w, err
	default:
		return 0, 0, errors.Wrap(ErrStage, "sample has no image")
	}
}

// derive returns a shallow copy of s with its own annotation slice.
func (s *Sample) derive() *Sample {
	out := *s
	out.Annos = annotations.Clone(s.Annos)
	return &out
}

// Transform is one augmentation step.
type Transform interface {
	// Apply returns the transformed sample. The input sample is never modified.
	Apply(s *Sample, rng *rand.Rand) (*Sample, error)
}

// TransformFunc adapts a function to the Transform interface.
type TransformFunc func(s *Sample, rng *rand.Rand) (*Sample, error)

// Apply calls f.
func (f TransformFunc) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	return f(s, rng)
}

// requireStage fails unless the sample is in one of the allowed stages.
func requireStage(s *Sample, allowed ...Stage) error {
	if s == nil {
		return errors.Wrap(ErrStage, "nil sample")
	}
	got := s.Stage()
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return errors.Wrapf(ErrStage, "got %s, want one of %v", got, allowed)
}

// Pipeline applies transforms in order.
type Pipeline struct {
	transforms []Transform
}

// NewPipeline composes the given transforms.
//
// @example
// p := NewPipeline(&ColorJitter{...}, ToTensor{}, &HorizontalFlip{P: 0.5}, &RandomCrop{...})
// out, err := p.Apply(sample, rng)
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

// Len returns the number of transforms in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.transforms)
}

// Apply runs every transform on the output of the previous one, stopping at
// the first error.
func (p *Pipeline) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	cur := s
	for i, t := range p.transforms {
		next, err := t.Apply(cur, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d (%s) on %q", i, Name(t), s.Name)
		}
		cur = next
	}
	return cur, nil
}

// Name returns the type name of a transform.
func Name(t Transform) string {
	v := reflect.ValueOf(t)
	for v.Kind() == reflect.Ptr && !v.IsNil() {
		v = v.Elem()
	}
	return v.Type().Name()
}
