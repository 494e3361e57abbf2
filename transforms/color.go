package transforms

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-rrnet/annotations"
)

// DefaultDuckClasses are the donor classes FillDuck copies from.
var DefaultDuckClasses = []int{1, 2, 3, 7, 8, 10}

// DefaultDuckFactor is the number of pastes per ignored-region pixel.
const DefaultDuckFactor = 0.00005

// ColorJitter perturbs brightness, contrast and saturation of a raw image by
// factors drawn from [max(1-f, 0), 1+f]. The three adjustments run in a random
// order. Annotations are untouched.
type ColorJitter struct {
	Brightness float32
	Contrast   float32
	Saturation float32
}

// jitterRange draws a factor from [max(1-f, 0), 1+f].
func jitterRange(rng *rand.Rand, f float32) float32 {
	lo, hi := max(1-f, 0), 1+f
	return lo + rng.Float32()*(hi-lo)
}

func scaleChannel(v uint8, factor float32) uint8 {
	return uint8(min(max(float32(v)*factor, 0), 255) + 0.5)
}

// Apply jitters a raw sample.
func (j *ColorJitter) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageRaw); err != nil {
		return nil, err
	}

	var img image.Image = s.Raw
	for _, op := range rng.Perm(3) {
		switch op {
		case 0:
			b := jitterRange(rng, j.Brightness)
			img = imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
				return color.NRGBA{R: scaleChannel(c.R, b), G: scaleChannel(c.G, b), B: scaleChannel(c.B, b), A: c.A}
			})
		case 1:
			// Blend towards the mean gray level of the image.
			f := jitterRange(rng, j.Contrast)
			mean := meanGray(img)
			img = imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
				blend := func(v uint8) uint8 {
					return uint8(min(max(mean+(float32(v)-mean)*f, 0), 255) + 0.5)
				}
				return color.NRGBA{R: blend(c.R), G: blend(c.G), B: blend(c.B), A: c.A}
			})
		case 2:
			f := jitterRange(rng, j.Saturation)
			img = imaging.AdjustSaturation(img, float64(f-1)*100)
		}
	}

	out := s.derive()
	out.Raw = img
	return out, nil
}

// meanGray returns the mean ITU-R 601 luma of an image.
func meanGray(img image.Image) float32 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sum += 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}
	return float32(sum / float64(b.Dx()*b.Dy()))
}

// WhiteBalance applies gray-world white balance to half of the raw samples.
type WhiteBalance struct{}

// Apply balances when a coin flip comes up 1.
func (WhiteBalance) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageRaw); err != nil {
		return nil, err
	}
	out := s.derive()
	if rng.Intn(2) == 0 {
		return out, nil
	}
	out.Raw = grayWorld(s.Raw)
	return out, nil
}

// grayWorld scales each channel so that its mean matches the mean of all three.
func grayWorld(img image.Image) *image.NRGBA {
	b := img.Bounds()
	var sums [3]float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sums[0] += float64(c.R)
			sums[1] += float64(c.G)
			sums[2] += float64(c.B)
		}
	}
	gray := (sums[0] + sums[1] + sums[2]) / 3
	var gains [3]float32
	for i, s := range sums {
		if s == 0 {
			gains[i] = 1
			continue
		}
		gains[i] = float32(gray / s)
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: scaleChannel(c.R, gains[0]), G: scaleChannel(c.G, gains[1]), B: scaleChannel(c.B, gains[2]), A: c.A}
	})
}

// FillDuck pastes copies of objects of the donor classes into the ignored
// regions (class 0) of a raw image. The annotations are left unchanged.
type FillDuck struct {
	// Classes are the donor classes.
	Classes []int
	// Factor is the number of pastes per ignored-region pixel.
	Factor float32
}

// Apply pastes donor patches.
func (f *FillDuck) Apply(s *Sample, rng *rand.Rand) (*Sample, error) {
	if err := requireStage(s, StageRaw); err != nil {
		return nil, err
	}
	out := s.derive()

	classes := f.Classes
	if len(classes) == 0 {
		classes = DefaultDuckClasses
	}
	allowed := make(map[int]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}

	h, w, _ := s.Size()
	donors := annotations.ClipTo(annotations.Filter(s.Annos, func(a annotations.Annotation) bool {
		return allowed[a.Class]
	}), w, h)
	regions := annotations.ClipTo(annotations.Filter(s.Annos, func(a annotations.Annotation) bool {
		return a.Class == annotations.IgnoredClass && !a.IsSentinel()
	}), w, h)
	if len(donors) == 0 || len(regions) == 0 {
		return out, nil
	}

	var area float32
	for _, r := range regions {
		area += r.Area()
	}
	n := int(f.Factor*area + 0.5)
	if n == 0 {
		return out, nil
	}

	origin := s.Raw.Bounds().Min
	canvas := imaging.Clone(s.Raw)
	for i := 0; i < n; i++ {
		d := donors[rng.Intn(len(donors))]
		r := regions[rng.Intn(len(regions))]
		rw, rh := int(r.W), int(r.H)
		if rw < 1 || rh < 1 {
			continue
		}

		patch := imaging.Crop(s.Raw, image.Rect(int(d.X), int(d.Y), int(d.X+d.W), int(d.Y+d.H)).Add(origin))
		if patch.Bounds().Dx() > rw || patch.Bounds().Dy() > rh {
			patch = imaging.Fit(patch, rw, rh, imaging.Linear)
		}
		pw, ph := patch.Bounds().Dx(), patch.Bounds().Dy()
		if pw == 0 || ph == 0 {
			continue
		}
		x := int(r.X) + rng.Intn(rw-pw+1)
		y := int(r.Y) + rng.Intn(rh-ph+1)
		canvas = imaging.Paste(canvas, patch, image.Pt(x, y))
	}
	out.Raw = canvas
	return out, nil
}
