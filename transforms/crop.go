package transforms

import (
	"math/rand"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CropBranch names a path through RandomCrop.
type CropBranch int

const (
	// CropNoop means the image already had the target size.
	CropNoop CropBranch = iota
	// CropPad means the image was smaller on both sides and was only padded.
	CropPad
	// CropPadOneSide means one side was padded before cropping.
	CropPadOneSide
	// CropScaleFallback means every annotation was larger than the window and
	// the image was rescaled before picking a new origin.
	CropScaleFallback
	// CropForcedInclusion means the origin was re-drawn so one annotation fits.
	CropForcedInclusion
	// CropWindow is emitted once with the final crop window.
	CropWindow
	// CropSentinel means nothing survived and a placeholder sample was emitted.
	CropSentinel
)

func (b CropBranch) String() string {
	return [...]string{"noop", "pad", "pad-one-side", "scale-fallback", "forced-inclusion", "window", "sentinel"}[b]
}

// RandomCrop cuts a Height x Width window out of a tensor sample.
//
// Annotations larger than the window are discarded, the rest are kept when
// more than KeepIoU of their area lies inside the window. When that leaves no
// annotations the window is moved so that one randomly chosen annotation fits,
// and if the sample still ends up empty it is replaced by an all-zero image
// with the single sentinel annotation.
type RandomCrop struct {
	Height  int
	Width   int
	KeepIoU float32
	// Trace, when set, is called for every branch taken.
	Trace func(branch CropBranch, win annotations.Window)
}

func (c *RandomCrop) trace(branch CropBranch, win annotations.Window) {
	if c.Trace != nil {
		c.Trace(branch, win)
	}
}

// origin draws a window origin uniformly in [0, w-Width] x [0, h-Height].
func (c *RandomCrop) origin(rng *rand.Rand, h, w int) annotations.Window {
	rx := rng.Float64() * float64(w-c.Width)
	ry := rng.Float64() * float64(h-c.Height)
	return annotations.Window{X: int(rx), Y: int(ry), W: c.Width, H: c.Height}
}

// keep filters annotations whose coverage by win exceeds KeepIoU.
func (c *RandomCrop) keep(annos []annotations.Annotation, win annotations.Window) []annotations.Annotation {
	return annotations.Filter(annos, func(a annotations.Annotation) bool {
		return annotations.Coverage(a, win) > c.KeepIoU
	})
}

// Apply runs the crop.
func (c *RandomCrop) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageTensor); err != nil {
		return nil, err
	}
	if c.Height <= 0 || c.Width <= 0 {
		return nil, errors.Errorf("invalid crop size %dx%d", c.Width, c.Height)
	}
	ch, h, w, err := images.CheckCHW(s.Image)
	if err != nil {
		return nil, err
	}
	full := annotations.Window{X: 0, Y: 0, W: c.Width, H: c.Height}

	if h == c.Height && w == c.Width {
		c.trace(CropNoop, full)
		out := s.derive()
		out.Image = s.Image.Clone().(*tensor.Dense)
		return out, nil
	}

	img := s.Image
	if c.Width > w && c.Height > h {
		padded, err := images.Pad(img, c.Height, c.Width)
		if err != nil {
			return nil, err
		}
		c.trace(CropPad, full)
		out := s.derive()
		out.Image = padded
		return out, nil
	}
	if c.Width > w || c.Height > h {
		if img, err = images.Pad(img, c.Height, c.Width); err != nil {
			return nil, err
		}
		c.trace(CropPadOneSide, full)
		h, w = max(h, c.Height), max(w, c.Width)
	}

	win := c.origin(rng, h, w)
	candidates := annotations.Filter(s.Annos, func(a annotations.Annotation) bool {
		return a.W <= float32(c.Width) && a.H <= float32(c.Height)
	})

	if len(candidates) == 0 {
		// Every box is larger than the window at this scale: shrink the image so
		// the window covers a larger part of it and use all annotations.
		scale := max(float32(c.Height)/float32(h), float32(c.Width)/float32(w))
		rh := max(int(float32(h)*scale), c.Height)
		rw := max(int(float32(w)*scale), c.Width)
		if img, err = images.ResizeBilinear(img, rh, rw, true); err != nil {
			return nil, err
		}
		candidates = annotations.Scale(s.Annos, float32(rw)/float32(w), float32(rh)/float32(h))
		h, w = rh, rw
		win = c.origin(rng, h, w)
		c.trace(CropScaleFallback, win)
	}

	kept := c.keep(candidates, win)
	if len(kept) == 0 && len(candidates) > 0 {
		include := candidates[rng.Intn(len(candidates))]
		x1, y1 := include.X, include.Y
		x2, y2 := include.X+include.W, include.Y+include.H

		maxX1, minX1 := min(int(x1), w-c.Width), max(0, int(x2-float32(c.Width)))
		maxY1, minY1 := min(int(y1), h-c.Height), max(0, int(y2-float32(c.Height)))
		minX1, maxX1 = min(minX1, maxX1), max(minX1, maxX1)
		minY1, maxY1 = min(minY1, maxY1), max(minY1, maxY1)

		win = annotations.Window{
			X: min(max(randRange(rng, minX1, maxX1), 0), w-c.Width),
			Y: min(max(randRange(rng, minY1, maxY1), 0), h-c.Height),
			W: c.Width,
			H: c.Height,
		}
		c.trace(CropForcedInclusion, win)
		kept = c.keep(candidates, win)
	}

	c.trace(CropWindow, win)
	out := s.derive()
	out.Annos = annotations.ClipTo(annotations.Translate(kept, float32(win.X), float32(win.Y)), c.Width, c.Height)
	if len(out.Annos) == 0 {
		c.trace(CropSentinel, win)
		out.Annos = []annotations.Annotation{annotations.Sentinel()}
		out.Image = images.Zeros(ch, c.Height, c.Width)
		return out, nil
	}

	if out.Image, err = images.Crop(img, win.X, win.Y, win.W, win.H); err != nil {
		return nil, err
	}
	return out, nil
}

// randRange draws from [lo, hi), or returns lo when the range is empty.
func randRange(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo)
}
