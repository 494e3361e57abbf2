// Package loss - the training objective of the two-stage detector.
//
// Every step builds a small gorgonia expression graph over the network outputs
// and runs reverse-mode autodiff on it, so the loss scalars and the gradients
// the network receives come from the same expression. Gathers and masks that
// depend only on the targets are computed up front and enter the graph as
// constants.
package loss

import (
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/heatmap"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Config weights the loss terms.
type Config struct {
	// WHWeight scales the size regression loss.
	WHWeight float64 `json:"wh_weight" yaml:"wh_weight"`
	// S2WarmupSteps is the number of steps during which the stage-2 loss is
	// computed but does not contribute to the objective.
	S2WarmupSteps int `json:"s2_warmup_steps" yaml:"s2_warmup_steps"`
	// PositiveIoU is the IoU a candidate needs to be a stage-2 positive.
	PositiveIoU float32 `json:"positive_iou" yaml:"positive_iou"`
	// ScaleFactor converts candidate boxes from output stride to pixels.
	ScaleFactor int `json:"scale_factor" yaml:"scale_factor"`
}

// DefaultConfig returns the standard weighting.
func DefaultConfig() Config {
	return Config{
		WHWeight:      0.1,
		S2WarmupSteps: 500,
		PositiveIoU:   0.5,
		ScaleFactor:   heatmap.DefaultScaleFactor,
	}
}

// Targets is the supervision for one batch.
type Targets struct {
	*heatmap.Batch
	// Annos are the per-image ground truth boxes in input pixels.
	Annos [][]annotations.Annotation
}

// Gradients are the derivatives of the total loss with respect to the network
// outputs. They have the shapes of the matching detector.Output tensors.
type Gradients struct {
	HM     *tensor.Dense
	WH     *tensor.Dense
	Offset *tensor.Dense
	S2Reg  *tensor.Dense
}

// Result holds the loss terms of one step.
type Result struct {
	Total  float64
	HM     float64
	WH     float64
	Offset float64
	S2     float64
	// Gate is 0 during the stage-2 warmup and 1 afterwards.
	Gate float64
	// Positives counts stage-2 candidates matched with IoU above the threshold.
	Positives int
	Grads     *Gradients
}

// Criterion computes the loss and its gradients.
type Criterion struct {
	cfg Config
}

// NewCriterion returns a Criterion for cfg.
func NewCriterion(cfg Config) *Criterion {
	return &Criterion{cfg: cfg}
}

// Gate returns the stage-2 multiplier for a step.
func (c *Criterion) Gate(step int) float64 {
	if step < c.cfg.S2WarmupSteps {
		return 0
	}
	return 1
}

// Compute evaluates
//
//	total = hm + WHWeight*wh + offset + gate*s2
//
// for one batch and backpropagates it to the network outputs.
//
// Arguments:
// - out: The network outputs.
// - targets: The encoded targets and ground truth annotations.
// - step: The global step, used for the stage-2 warmup gate.
//
// Returns:
// - The loss terms and gradients.
// - An error if the outputs and targets disagree in shape.
func (c *Criterion) Compute(out *detector.Output, targets *Targets, step int) (*Result, error) {
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if targets == nil || targets.Batch == nil {
		return nil, errors.New("missing targets")
	}
	if !out.HM.Shape().Eq(targets.HM.Shape()) {
		return nil, errors.Errorf("heatmap prediction %v does not match target %v", out.HM.Shape(), targets.HM.Shape())
	}
	bs := out.BatchSize()
	if targets.WH.Shape()[0] != bs || len(targets.Annos) != bs {
		return nil, errors.Errorf("targets cover %d/%d images, batch has %d", targets.WH.Shape()[0], len(targets.Annos), bs)
	}

	in := &graphInputs{
		hmLogits: out.HM,
		hmGT:     targets.HM,
		wh:       gatherRegression(out.WH, targets.Ind, targets.RegMask, targets.WH),
		offset:   gatherRegression(out.Offset, targets.Ind, targets.RegMask, targets.Offset),
		s2:       c.matchStage2(out, targets.Annos),
		whWeight: float32(c.cfg.WHWeight),
		gate:     float32(c.Gate(step)),
	}

	values, err := evaluate(in)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate loss graph")
	}

	grads := &Gradients{
		HM:     values.hmGrad,
		WH:     in.wh.scatter(values.whGrad, out.WH.Shape()),
		Offset: in.offset.scatter(values.offsetGrad, out.Offset.Shape()),
		S2Reg:  in.s2.scatter(values.s2Grad, out.NumCandidates()),
	}
	return &Result{
		Total:     values.total,
		HM:        values.hm,
		WH:        values.wh,
		Offset:    values.offset,
		S2:        values.s2,
		Gate:      float64(in.gate),
		Positives: in.s2.positives,
		Grads:     grads,
	}, nil
}

// stage2Match holds the gathered positive candidates of a batch.
type stage2Match struct {
	// rows are the candidate rows of every gathered element group.
	rows []int
	// pred, target and weight are [len(rows),4].
	pred, target, weight []float32
	positives            int
}

// matchStage2 assigns every candidate its best-IoU ground truth and gathers
// the positives. Images without positives contribute their first candidate
// with zero weight.
func (c *Criterion) matchStage2(out *detector.Output, annos [][]annotations.Annotation) *stage2Match {
	m := &stage2Match{}
	bs := out.BatchSize()
	sf := float32(c.cfg.ScaleFactor)

	for b := 0; b < bs; b++ {
		cands := out.Candidates(b)
		gts := groundTruth(annos[b])
		if len(cands) == 0 || len(gts) == 0 {
			continue
		}

		exs := make([]images.Rect, len(cands))
		for i, cand := range cands {
			exs[i] = images.Rect{X1: cand.X1 * sf, Y1: cand.Y1 * sf, X2: cand.X2 * sf, Y2: cand.Y2 * sf}
		}
		ious := annotations.PairwiseIoU(exs, gts)

		var pos []int
		best := make([]int, len(cands))
		for i, row := range ious {
			maxIoU := float32(-1)
			for j, v := range row {
				if v > maxIoU {
					maxIoU, best[i] = v, j
				}
			}
			if maxIoU > c.cfg.PositiveIoU {
				pos = append(pos, i)
			}
		}

		factor := float32(1)
		if len(pos) == 0 {
			pos = []int{0}
			factor = 0
		} else {
			m.positives += len(pos)
		}

		w := factor / float32(4*len(pos)) / float32(bs)
		for _, i := range pos {
			// A forced positive regresses onto its own prediction: zero
			// difference keeps the term finite whatever its box looks like.
			t := cands[i].Reg
			if factor != 0 {
				t = EncodeBoxTargets(exs[i], gts[best[i]])
			}
			m.rows = append(m.rows, cands[i].Row)
			m.pred = append(m.pred, cands[i].Reg[:]...)
			m.target = append(m.target, t[:]...)
			m.weight = append(m.weight, w, w, w, w)
		}
	}
	return m
}

// scatter maps the gathered gradient back onto the [n,4] regression output.
// It returns nil when there are no candidates.
func (m *stage2Match) scatter(grad []float32, n int) *tensor.Dense {
	if n == 0 {
		return nil
	}
	data := make([]float32, n*4)
	for i, row := range m.rows {
		if grad == nil {
			break
		}
		for j := 0; j < 4; j++ {
			data[row*4+j] += grad[i*4+j]
		}
	}
	return tensor.New(tensor.WithShape(n, 4), tensor.WithBacking(data))
}

// groundTruth converts annotations to corner form, leaving out the sentinel.
func groundTruth(annos []annotations.Annotation) []images.Rect {
	return annotations.ToCorners(annotations.Filter(annos, func(a annotations.Annotation) bool {
		return !a.IsSentinel()
	}))
}

// regressionGather holds a [B,2,H,W] map sampled at the target indices.
type regressionGather struct {
	// index is the flat offset into the map of every gathered element.
	index []int
	// pred, target and mask are [B,K,2].
	pred, target, mask []float32
	shape              []int
}

// gatherRegression samples a [B,2,H,W] prediction at the target indices.
func gatherRegression(pred, ind, mask, target *tensor.Dense) *regressionGather {
	ps := pred.Shape()
	b, hw := ps[0], ps[2]*ps[3]
	k := ind.Shape()[1]

	predData := pred.Data().([]float32)
	indData := ind.Data().([]int)
	maskData := mask.Data().([]float32)

	g := &regressionGather{
		index:  make([]int, b*k*2),
		pred:   make([]float32, b*k*2),
		target: make([]float32, b*k*2),
		mask:   make([]float32, b*k*2),
		shape:  []int{b, k, 2},
	}
	copy(g.target, target.Data().([]float32))
	for bi := 0; bi < b; bi++ {
		for ki := 0; ki < k; ki++ {
			idx := indData[bi*k+ki]
			valid := maskData[bi*k+ki]
			if idx < 0 || idx >= hw {
				idx, valid = 0, 0
			}
			for c := 0; c < 2; c++ {
				flat := bi*2*hw + c*hw + idx
				o := (bi*k+ki)*2 + c
				g.index[o] = flat
				g.pred[o] = predData[flat]
				g.mask[o] = valid
			}
		}
	}
	return g
}

// scatter accumulates the gathered gradient back onto the dense map.
func (g *regressionGather) scatter(grad []float32, shape tensor.Shape) *tensor.Dense {
	data := make([]float32, shape.TotalSize())
	for o, flat := range g.index {
		data[flat] += grad[o]
	}
	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data))
}
