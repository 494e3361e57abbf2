package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/images"
)

// DefaultScoreThreshold drops weak stage-2 boxes before NMS.
const DefaultScoreThreshold = 0.1

// DecodeStage1 returns the stage-1 candidates of one image scaled to input
// pixels. Stage-1 boxes carry class 0.
//
// Arguments:
// - out: The network outputs.
// - batchIdx: The image within the batch.
// - scale: The output stride.
//
// Returns:
// - One result per candidate, in candidate order.
func DecodeStage1(out *detector.Output, batchIdx int, scale float32) []Result {
	cands := out.Candidates(batchIdx)
	results := make([]Result, len(cands))
	for i, c := range cands {
		results[i] = Result{
			Box:   images.Rect{X1: c.X1 * scale, Y1: c.Y1 * scale, X2: c.X2 * scale, Y2: c.Y2 * scale},
			Score: c.Score,
		}
	}
	return results
}

// DecodeStage2 applies the stage-2 refinement to the candidates of one image.
// It inverts the regression targets of the loss: with w and h the candidate
// extent plus one pixel,
//
//	cx = dx*w + x1 + w/2    cy = dy*h + y1 + h/2
//	w' = exp(dw)*w          h' = exp(dh)*h
//
// Classes are shifted by one so that 0 stays the ignored class.
//
// Arguments:
// - out: The network outputs.
// - batchIdx: The image within the batch.
// - scale: The output stride.
//
// Returns:
// - One refined result per candidate, in candidate order.
//
// @example
// // A candidate (0,0,9,9) with zero refinement decodes to (0,0,10,10).
// res := DecodeStage2(out, 0, 1)
func DecodeStage2(out *detector.Output, batchIdx int, scale float32) []Result {
	cands := out.Candidates(batchIdx)
	results := make([]Result, len(cands))
	for i, c := range cands {
		x1, y1 := c.X1*scale, c.Y1*scale
		w := c.X2*scale - x1 + 1
		h := c.Y2*scale - y1 + 1

		cx := c.Reg[0]*w + x1 + w/2
		cy := c.Reg[1]*h + y1 + h/2
		ow := math32.Exp(c.Reg[2]) * w
		oh := math32.Exp(c.Reg[3]) * h

		results[i] = Result{
			Box:   images.Rect{X1: cx - ow/2, Y1: cy - oh/2, X2: cx + ow/2, Y2: cy + oh/2},
			Score: c.Score,
			Class: c.Class + 1,
		}
	}
	return results
}

// Predictions decodes both stages of one image and cleans the stage-2 boxes
// with a score filter and per-class NMS.
//
// Arguments:
// - out: The network outputs.
// - batchIdx: The image within the batch.
// - scale: The output stride.
// - scoreThreshold: Stage-2 boxes at or below this score are dropped.
// - nms: The suppression configuration.
//
// Returns:
// - The raw stage-1 results and the filtered stage-2 results.
func Predictions(out *detector.Output, batchIdx int, scale, scoreThreshold float32, nms *NMSConfig) (stage1, stage2 []Result) {
	stage1 = DecodeStage1(out, batchIdx, scale)
	stage2 = ApplyNMS(FilterScore(DecodeStage2(out, batchIdx, scale), scoreThreshold), nms)
	return stage1, stage2
}
