// Package postprocess - turns raw detector outputs into scored boxes and
// thins them with Non-Maximum Suppression.
package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result in input-image pixels.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class of the result. Stage-1 boxes are class 0.
	Class int
}

// XYWH returns the box in width/height form.
func (r Result) XYWH() (x, y, w, h float32) {
	return annotations.CornersToXYWH(r.Box)
}

// Annotation converts the result to an annotation record so that predictions
// and ground truth can be drawn by the same code.
func (r Result) Annotation() annotations.Annotation {
	x, y, w, h := r.XYWH()
	return annotations.Annotation{X: x, Y: y, W: w, H: h, Score: r.Score, Class: r.Class, Truncation: -1, Occlusion: -1}
}

// Finite reports whether the box and score hold no NaN or infinity. A stage-2
// refinement whose exp overflows decodes to an infinite box.
func (r Result) Finite() bool {
	for _, v := range [...]float32{r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.Score} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FilterScore keeps the finite results scoring strictly above threshold.
func FilterScore(results []Result, threshold float32) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Score > threshold && r.Finite() {
			out = append(out, r)
		}
	}
	return out
}
