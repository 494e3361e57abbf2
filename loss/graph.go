package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// probMin and probMax bound the heatmap probabilities before the log.
	probMin = 1e-4
	probMax = 1 - 1e-4
	// maskEps keeps the regression normalizer away from zero.
	maskEps = 1e-4
)

type graphInputs struct {
	hmLogits, hmGT *tensor.Dense
	wh, offset     *regressionGather
	s2             *stage2Match
	whWeight, gate float32
}

type graphValues struct {
	total, hm, wh, offset, s2  float64
	hmGrad                     *tensor.Dense
	whGrad, offsetGrad, s2Grad []float32
}

// constant adds a non-differentiated input holding data to g.
func constant(g *G.ExprGraph, name string, data []float32, shape ...int) *G.Node {
	return G.NewTensor(g, tensor.Float32, len(shape), G.WithShape(shape...), G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))))
}

// scalar adds a named float32 scalar input to g.
func scalar(g *G.ExprGraph, name string, v float32) *G.Node {
	return G.NewScalar(g, tensor.Float32, G.WithName(name), G.WithValue(v))
}

// evaluate builds the loss graph, runs it forward and backward, and reads the
// loss terms and the input gradients back.
func evaluate(in *graphInputs) (vals *graphValues, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("loss graph: %v", r)
		}
	}()

	g := G.NewGraph()

	hmNode := G.NewTensor(g, tensor.Float32, 4, G.WithShape(in.hmLogits.Shape()...), G.WithName("hm"),
		G.WithValue(in.hmLogits.Clone().(*tensor.Dense)))
	whNode := G.NewTensor(g, tensor.Float32, 3, G.WithShape(in.wh.shape...), G.WithName("wh"),
		G.WithValue(tensor.New(tensor.WithShape(in.wh.shape...), tensor.WithBacking(in.wh.pred))))
	offNode := G.NewTensor(g, tensor.Float32, 3, G.WithShape(in.offset.shape...), G.WithName("offset"),
		G.WithValue(tensor.New(tensor.WithShape(in.offset.shape...), tensor.WithBacking(in.offset.pred))))

	hmLoss := focalLoss(g, hmNode, in.hmLogits, in.hmGT)
	whLoss := regL1Loss(g, "wh", whNode, in.wh)
	offLoss := regL1Loss(g, "offset", offNode, in.offset)

	total := G.Must(G.Add(hmLoss, G.Must(G.Mul(scalar(g, "wh_weight", in.whWeight), whLoss))))
	total = G.Must(G.Add(total, offLoss))

	wrt := G.Nodes{hmNode, whNode, offNode}
	var s2Node, s2Loss *G.Node
	if len(in.s2.rows) > 0 {
		n := len(in.s2.rows)
		s2Node = G.NewMatrix(g, tensor.Float32, G.WithShape(n, 4), G.WithName("s2reg"),
			G.WithValue(tensor.New(tensor.WithShape(n, 4), tensor.WithBacking(in.s2.pred))))
		s2Loss = smoothL1Loss(g, s2Node, in.s2)
		total = G.Must(G.Add(total, G.Must(G.Mul(scalar(g, "s2_gate", in.gate), s2Loss))))
		wrt = append(wrt, s2Node)
	}

	grads, err := G.Grad(total, wrt...)
	if err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}

	var totalV, hmV, whV, offV, s2V G.Value
	G.Read(total, &totalV)
	G.Read(hmLoss, &hmV)
	G.Read(whLoss, &whV)
	G.Read(offLoss, &offV)
	gradVals := make([]G.Value, len(grads))
	for i := range grads {
		G.Read(grads[i], &gradVals[i])
	}
	if s2Loss != nil {
		G.Read(s2Loss, &s2V)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run loss graph")
	}

	vals = &graphValues{
		total:  scalarOf(totalV),
		hm:     scalarOf(hmV),
		wh:     scalarOf(whV),
		offset: scalarOf(offV),
	}
	if s2V != nil {
		vals.s2 = scalarOf(s2V)
	}

	if vals.hmGrad, err = denseOf(gradVals[0]); err != nil {
		return nil, err
	}
	whGrad, err := denseOf(gradVals[1])
	if err != nil {
		return nil, err
	}
	offGrad, err := denseOf(gradVals[2])
	if err != nil {
		return nil, err
	}
	vals.whGrad = whGrad.Data().([]float32)
	vals.offsetGrad = offGrad.Data().([]float32)
	if s2Node != nil {
		s2Grad, err := denseOf(gradVals[3])
		if err != nil {
			return nil, err
		}
		vals.s2Grad = s2Grad.Data().([]float32)
	}
	return vals, nil
}

func scalarOf(v G.Value) float64 {
	if v == nil {
		return 0
	}
	switch d := v.Data().(type) {
	case float32:
		return float64(d)
	case float64:
		return d
	case []float32:
		return float64(d[0])
	}
	return 0
}

func denseOf(v G.Value) (*tensor.Dense, error) {
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("expected a dense gradient, got %T", v)
	}
	return d.Clone().(*tensor.Dense), nil
}

// focalLoss is the CenterNet penalty-reduced focal loss on
// p = clamp(sigmoid(x), 1e-4, 1-1e-4):
//
//	pos = log(p) * (1-p)^2          where gt == 1
//	neg = log(1-p) * p^2 * (1-gt)^4 where gt < 1
//	loss = -(sum(pos) + sum(neg)) / max(numPos, 1)
//
// The clamp is expressed as p = m*sigmoid(x) + c with m and c computed from the
// logits, so clamped elements pass no gradient.
func focalLoss(g *G.ExprGraph, logits *G.Node, x, gt *tensor.Dense) *G.Node {
	shape := x.Shape().Clone()
	xs := x.Data().([]float32)
	gts := gt.Data().([]float32)

	n := len(xs)
	inRange := make([]float32, n)
	clamped := make([]float32, n)
	ones := make([]float32, n)
	posMask := make([]float32, n)
	negWeight := make([]float32, n)
	numPos := 0
	for i, v := range xs {
		ones[i] = 1
		p := 1 / (1 + math32.Exp(-v))
		switch {
		case p < probMin:
			clamped[i] = probMin
		case p > probMax:
			clamped[i] = probMax
		default:
			inRange[i] = 1
		}
		if gts[i] == 1 {
			posMask[i] = 1
			numPos++
		} else {
			w := 1 - gts[i]
			w *= w
			negWeight[i] = w * w
		}
	}

	p := G.Must(G.Add(G.Must(G.HadamardProd(G.Must(G.Sigmoid(logits)), constant(g, "hm_in_range", inRange, shape...))), constant(g, "hm_clamped", clamped, shape...)))
	omp := G.Must(G.Sub(constant(g, "hm_ones", ones, shape...), p))

	pos := G.Must(G.HadamardProd(G.Must(G.HadamardProd(G.Must(G.Log(p)), G.Must(G.Square(omp)))), constant(g, "hm_pos", posMask, shape...)))
	neg := G.Must(G.HadamardProd(G.Must(G.HadamardProd(G.Must(G.Log(omp)), G.Must(G.Square(p)))), constant(g, "hm_neg_weight", negWeight, shape...)))
	sum := G.Must(G.Sum(G.Must(G.Add(pos, neg))))

	norm := float32(1)
	if numPos > 0 {
		norm = float32(numPos)
	}
	return G.Must(G.Mul(sum, scalar(g, "hm_norm", -1/norm)))
}

// regL1Loss is the masked L1 over gathered slots, normalized by the number of
// valid elements.
func regL1Loss(g *G.ExprGraph, name string, pred *G.Node, r *regressionGather) *G.Node {
	var maskSum float32
	for _, m := range r.mask {
		maskSum += m
	}
	diff := G.Must(G.Sub(pred, constant(g, name+"_target", r.target, r.shape...)))
	masked := G.Must(G.HadamardProd(G.Must(G.Abs(diff)), constant(g, name+"_mask", r.mask, r.shape...)))
	return G.Must(G.Mul(G.Must(G.Sum(masked)), scalar(g, name+"_norm", 1/(maskSum+maskEps))))
}

// smoothL1Loss is the weighted smooth L1 (beta 1) over the stage-2 positives.
// Elements with |d| < 1 use 0.5*d^2, the rest |d| - 0.5.
func smoothL1Loss(g *G.ExprGraph, pred *G.Node, m *stage2Match) *G.Node {
	n := len(m.pred)
	quadW := make([]float32, n)
	linW := make([]float32, n)
	var offset float32
	for i := range m.pred {
		if math32.Abs(m.pred[i]-m.target[i]) < 1 {
			quadW[i] = 0.5 * m.weight[i]
		} else {
			linW[i] = m.weight[i]
			offset += 0.5 * m.weight[i]
		}
	}
	shape := []int{n / 4, 4}

	diff := G.Must(G.Sub(pred, constant(g, "s2_target", m.target, shape...)))
	quad := G.Must(G.HadamardProd(G.Must(G.Square(diff)), constant(g, "s2_quad_weight", quadW, shape...)))
	lin := G.Must(G.HadamardProd(G.Must(G.Abs(diff)), constant(g, "s2_lin_weight", linW, shape...)))
	sum := G.Must(G.Sum(G.Must(G.Add(quad, lin))))
	return G.Must(G.Sub(sum, scalar(g, "s2_offset", offset)))
}
