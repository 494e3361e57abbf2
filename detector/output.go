// Package detector - the output contract of the two-stage detector network.
//
// The network itself is external; this package only describes and validates
// the tensors it hands back so that the loss, the box decoders and the
// visual logger agree on their layout.
package detector

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultTopK bounds the number of stage-2 candidates per forward pass.
const DefaultTopK = 100 * 4

// ErrOutput is returned when a network output has an unexpected layout.
var ErrOutput = errors.New("malformed detector output")

// BoxColumns is the width of a row of Output.Boxes.
const BoxColumns = 5

// Output is the multi-stage result of one forward pass.
type Output struct {
	// HM holds the stage-1 heatmap logits, [B,C,H,W].
	HM *tensor.Dense
	// WH holds the stage-1 size predictions, [B,2,H,W].
	WH *tensor.Dense
	// Offset holds the stage-1 center offsets, [B,2,H,W].
	Offset *tensor.Dense
	// S2Reg holds the stage-2 box refinements, [N,4] as dx, dy, dw, dh.
	S2Reg *tensor.Dense
	// Boxes holds the candidates, [N,5] as batch index, x1, y1, x2, y2 in
	// output-stride units.
	Boxes *tensor.Dense
	// Scores holds the candidate confidences, [N].
	Scores *tensor.Dense
	// Classes holds the predicted zero-based classes, [N].
	Classes *tensor.Dense
}

// Candidate is one row of the candidate tensors.
type Candidate struct {
	// Row is the index into the [N,...] tensors.
	Row            int
	X1, Y1, X2, Y2 float32
	Score          float32
	Class          int
	Reg            [4]float32
}

// Validate checks ranks and that every per-candidate tensor has N rows.
func (o *Output) Validate() error {
	if o == nil || o.HM == nil || o.WH == nil || o.Offset == nil {
		return errors.Wrap(ErrOutput, "missing stage-1 tensors")
	}
	hm := o.HM.Shape()
	if len(hm) != 4 {
		return errors.Wrapf(ErrOutput, "heatmap shape %v, want [B,C,H,W]", hm)
	}
	for name, t := range map[string]*tensor.Dense{"wh": o.WH, "offset": o.Offset} {
		s := t.Shape()
		if len(s) != 4 || s[0] != hm[0] || s[1] != 2 || s[2] != hm[2] || s[3] != hm[3] {
			return errors.Wrapf(ErrOutput, "%s shape %v, want [%d,2,%d,%d]", name, s, hm[0], hm[2], hm[3])
		}
	}

	n := o.NumCandidates()
	if n == 0 {
		return nil
	}
	if s := o.Boxes.Shape(); len(s) != 2 || s[1] != BoxColumns {
		return errors.Wrapf(ErrOutput, "boxes shape %v, want [N,%d]", s, BoxColumns)
	}
	if o.S2Reg == nil || o.Scores == nil || o.Classes == nil {
		return errors.Wrap(ErrOutput, "missing stage-2 tensors")
	}
	if s := o.S2Reg.Shape(); len(s) != 2 || s[0] != n || s[1] != 4 {
		return errors.Wrapf(ErrOutput, "stage-2 regression shape %v, want [%d,4]", s, n)
	}
	if o.Scores.Shape().TotalSize() != n || o.Classes.Shape().TotalSize() != n {
		return errors.Wrapf(ErrOutput, "scores/classes sizes %d/%d, want %d",
			o.Scores.Shape().TotalSize(), o.Classes.Shape().TotalSize(), n)
	}
	return nil
}

// BatchSize returns B.
func (o *Output) BatchSize() int {
	return o.HM.Shape()[0]
}

// NumCandidates returns N, or 0 when the network produced no candidates.
func (o *Output) NumCandidates() int {
	if o.Boxes == nil || o.Boxes.Shape().TotalSize() == 0 {
		return 0
	}
	return o.Boxes.Shape()[0]
}

// Candidates returns the candidates that belong to image batchIdx, in row order.
func (o *Output) Candidates(batchIdx int) []Candidate {
	n := o.NumCandidates()
	if n == 0 {
		return nil
	}
	boxes := o.Boxes.Data().([]float32)
	reg := o.S2Reg.Data().([]float32)
	scores := o.Scores.Data().([]float32)
	classes := o.Classes.Data().([]float32)

	var out []Candidate
	for i := 0; i < n; i++ {
		row := boxes[i*BoxColumns : (i+1)*BoxColumns]
		if int(row[0]) != batchIdx {
			continue
		}
		out = append(out, Candidate{
			Row:   i,
			X1:    row[1],
			Y1:    row[2],
			X2:    row[3],
			Y2:    row[4],
			Score: scores[i],
			Class: int(classes[i]),
			Reg:   [4]float32{reg[i*4], reg[i*4+1], reg[i*4+2], reg[i*4+3]},
		})
	}
	return out
}
