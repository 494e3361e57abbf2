package annotations

import (
	"github.com/nvr-ai/go-rrnet/images"
)

// Window is an axis-aligned region in x, y, w, h form.
type Window struct {
	X, Y, W, H int
}

// Corners converts the window to corner form.
func (w Window) Corners() images.Rect {
	return images.Rect{X1: float32(w.X), Y1: float32(w.Y), X2: float32(w.X + w.W), Y2: float32(w.Y + w.H)}
}

// Coverage returns the fraction of a's area that lies inside win. Degenerate
// boxes have zero coverage.
//
// This is the overlap used by the crop inclusion policy: a box fully inside the
// window scores 1 no matter how small it is relative to the window.
//
// Arguments:
// - a: The annotation.
// - win: The crop window.
//
// Returns:
// - The covered fraction in [0, 1].
//
// @example
// Coverage(Annotation{X: 120, Y: 0, W: 20, H: 10}, Window{0, 0, 128, 128}) // 0.4
func Coverage(a Annotation, win Window) float32 {
	area := a.Area()
	if area == 0 {
		return 0
	}
	inter := a.Corners().Intersect(win.Corners())
	return inter.Area() / area
}

// Flip mirrors annotations horizontally inside an image of the given width:
// x' = width - x - w.
func Flip(annos []Annotation, width int) []Annotation {
	out := Clone(annos)
	for i := range out {
		out[i].X = float32(width) - out[i].X - out[i].W
	}
	return out
}

// Scale multiplies box coordinates by fx horizontally and fy vertically.
func Scale(annos []Annotation, fx, fy float32) []Annotation {
	out := Clone(annos)
	for i := range out {
		out[i].X *= fx
		out[i].W *= fx
		out[i].Y *= fy
		out[i].H *= fy
	}
	return out
}

// Translate moves boxes into the coordinate frame whose origin is (dx, dy).
func Translate(annos []Annotation, dx, dy float32) []Annotation {
	out := Clone(annos)
	for i := range out {
		out[i].X -= dx
		out[i].Y -= dy
	}
	return out
}

// ClipTo clips boxes to [0,width] x [0,height] and drops boxes left with no area.
func ClipTo(annos []Annotation, width, height int) []Annotation {
	out := make([]Annotation, 0, len(annos))
	for _, a := range annos {
		x1 := images.Clamp(a.X, 0, float32(width))
		y1 := images.Clamp(a.Y, 0, float32(height))
		x2 := images.Clamp(a.X+a.W, 0, float32(width))
		y2 := images.Clamp(a.Y+a.H, 0, float32(height))
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		a.X, a.Y, a.W, a.H = x1, y1, x2-x1, y2-y1
		out = append(out, a)
	}
	return out
}

// Filter returns the annotations for which keep returns true.
func Filter(annos []Annotation, keep func(Annotation) bool) []Annotation {
	out := make([]Annotation, 0, len(annos))
	for _, a := range annos {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// PairwiseIoU computes the IoU matrix between candidate and ground-truth boxes in
// corner form. Row i holds the IoUs of candidate i against every ground truth.
func PairwiseIoU(cands, gts []images.Rect) [][]float32 {
	out := make([][]float32, len(cands))
	for i, c := range cands {
		row := make([]float32, len(gts))
		for j, g := range gts {
			row[j] = images.CalculateIoU(c, g)
		}
		out[i] = row
	}
	return out
}

// ToCorners converts ground truth annotations to corner-form rectangles.
func ToCorners(annos []Annotation) []images.Rect {
	out := make([]images.Rect, len(annos))
	for i, a := range annos {
		out[i] = a.Corners()
	}
	return out
}

// IoU is the standard intersection over union of two corner-form boxes.
func IoU(a, b images.Rect) float32 {
	return images.CalculateIoU(a, b)
}

// CornersToXYWH converts a corner-form box back to x, y, w, h.
func CornersToXYWH(r images.Rect) (x, y, w, h float32) {
	return r.X1, r.Y1, r.X2 - r.X1, r.Y2 - r.Y1
}
