package loss

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/images"
)

// minExtent is the smallest width or height, in the +1 convention, used when
// encoding. Inverted or collapsed boxes are treated as a single pixel.
const minExtent = 1

// EncodeBoxTargets computes the anchor-style regression target that moves the
// candidate box ex onto the ground truth gt. Widths and heights use the +1
// pixel convention.
//
// Arguments:
// - ex: The candidate box in input-image pixels.
// - gt: The matched ground truth box in input-image pixels.
//
// Returns:
// - dx, dy, dw, dh.
//
// @example
// t := EncodeBoxTargets(images.Rect{X1: 0, Y1: 0, X2: 9, Y2: 9}, images.Rect{X1: 5, Y1: 0, X2: 14, Y2: 9})
// fmt.Println(t) // [0.5 0 0 0]
func EncodeBoxTargets(ex, gt images.Rect) [4]float32 {
	exW := max(ex.X2-ex.X1+1, minExtent)
	exH := max(ex.Y2-ex.Y1+1, minExtent)
	exCX := ex.X1 + 0.5*exW
	exCY := ex.Y1 + 0.5*exH

	gtW := max(gt.X2-gt.X1+1, minExtent)
	gtH := max(gt.Y2-gt.Y1+1, minExtent)
	gtCX := gt.X1 + 0.5*gtW
	gtCY := gt.Y1 + 0.5*gtH

	return [4]float32{
		(gtCX - exCX) / exW,
		(gtCY - exCY) / exH,
		math32.Log(gtW / exW),
		math32.Log(gtH / exH),
	}
}
