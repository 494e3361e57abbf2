// Package linear - a minimal trainable detector head.
//
// Every output cell is an affine map of the input pixels average-pooled over
// the cell. It has the output layout of the full detector and exists to drive
// the training loop end to end (smoke runs, CLI defaults, tests) without an
// external network.
package linear

import (
	"context"
	"math/rand"
	"sort"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Parameter names.
const (
	HeadWeight = "head.weight"
	HeadBias   = "head.bias"
	RegWeight  = "s2.weight"
	RegBias    = "s2.bias"
)

// hmPrior is the initial heatmap bias, sigmoid(hmPrior) ~ 0.1.
const hmPrior = -2.19

// Head maps a [B,3,H,W] batch to detector outputs.
//
// It is not safe for concurrent use: Backward consumes the state cached by the
// previous Forward.
type Head struct {
	classes int
	stride  int
	params  []*optim.Param

	// Cached by Forward.
	feat   []float32
	shape  [4]int // B, C, h, w of feat
	picked []pick
}

type pick struct {
	batch, pos int
}

// New returns a head for classes heatmap channels at the given output stride.
// Weights are drawn from a seeded normal distribution.
//
// Arguments:
//   - classes: The number of heatmap channels.
//   - stride: The output stride, matching the heatmap encoder.
//   - seed: Seeds the weight initialization.
//
// Returns:
//   - *Head: The head.
//   - error: An error if classes or stride is not positive.
func New(classes, stride int, seed int64) (*Head, error) {
	if classes <= 0 || stride <= 0 {
		return nil, errors.Errorf("classes %d and stride %d must be positive", classes, stride)
	}
	rng := rand.New(rand.NewSource(seed))
	out := classes + 4

	normal := func(n int, std float64) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64() * std)
		}
		return v
	}
	headBias := make([]float32, out)
	for c := 0; c < classes; c++ {
		headBias[c] = hmPrior
	}

	h := &Head{classes: classes, stride: stride}
	h.params = []*optim.Param{
		{Name: HeadWeight, Value: tensor.New(tensor.WithShape(out, 3), tensor.WithBacking(normal(out*3, 0.01)))},
		{Name: HeadBias, Value: tensor.New(tensor.WithShape(out), tensor.WithBacking(headBias))},
		{Name: RegWeight, Value: tensor.New(tensor.WithShape(4, 3), tensor.WithBacking(normal(12, 0.01)))},
		{Name: RegBias, Value: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(4))},
	}
	return h, nil
}

// Parameters returns the trainable tensors.
func (h *Head) Parameters() []*optim.Param {
	return h.params
}

// Forward computes the outputs of imgs and keeps the k highest heatmap peaks
// of every image as stage-2 candidates.
func (h *Head) Forward(ctx context.Context, imgs *tensor.Dense, k int) (*detector.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := imgs.Shape()
	if len(s) != 4 || s[1] != 3 {
		return nil, errors.Errorf("input shape %v, want [B,3,H,W]", s)
	}
	b, H, W := s[0], s[2], s[3]
	fh, fw := H/h.stride, W/h.stride
	if fh == 0 || fw == 0 {
		return nil, errors.Errorf("image %dx%d is smaller than the stride %d", W, H, h.stride)
	}

	h.pool(imgs.Data().([]float32), b, H, W, fh, fw)
	area := fh * fw

	weight := h.params[0].Value.Data().([]float32)
	bias := h.params[1].Value.Data().([]float32)
	out := h.classes + 4
	maps := make([]float32, b*out*area)
	for n := 0; n < b; n++ {
		for o := 0; o < out; o++ {
			dst := maps[(n*out+o)*area : (n*out+o+1)*area]
			for p := range dst {
				v := bias[o]
				for c := 0; c < 3; c++ {
					v += weight[o*3+c] * h.feat[(n*3+c)*area+p]
				}
				dst[p] = v
			}
		}
	}

	hm := make([]float32, b*h.classes*area)
	wh := make([]float32, b*2*area)
	off := make([]float32, b*2*area)
	for n := 0; n < b; n++ {
		base := n * out * area
		copy(hm[n*h.classes*area:], maps[base:base+h.classes*area])
		copy(wh[n*2*area:], maps[base+h.classes*area:base+(h.classes+2)*area])
		copy(off[n*2*area:], maps[base+(h.classes+2)*area:base+out*area])
	}

	o := &detector.Output{
		HM:     tensor.New(tensor.WithShape(b, h.classes, fh, fw), tensor.WithBacking(hm)),
		WH:     tensor.New(tensor.WithShape(b, 2, fh, fw), tensor.WithBacking(wh)),
		Offset: tensor.New(tensor.WithShape(b, 2, fh, fw), tensor.WithBacking(off)),
	}
	h.candidates(o, hm, wh, off, k, fh, fw)
	return o, nil
}

// pool average-pools every stride x stride cell of the input into h.feat.
func (h *Head) pool(src []float32, b, H, W, fh, fw int) {
	area := fh * fw
	h.shape = [4]int{b, 3, fh, fw}
	if cap(h.feat) < b*3*area {
		h.feat = make([]float32, b*3*area)
	}
	h.feat = h.feat[:b*3*area]
	norm := 1 / float32(h.stride*h.stride)
	for plane := 0; plane < b*3; plane++ {
		in := src[plane*H*W:]
		dst := h.feat[plane*area : (plane+1)*area]
		for y := 0; y < fh; y++ {
			for x := 0; x < fw; x++ {
				var sum float32
				for dy := 0; dy < h.stride; dy++ {
					row := (y*h.stride + dy) * W
					for dx := 0; dx < h.stride; dx++ {
						sum += in[row+x*h.stride+dx]
					}
				}
				dst[y*fw+x] = sum * norm
			}
		}
	}
}

// candidates fills the stage-2 tensors of o from the top k heatmap cells of
// every image.
func (h *Head) candidates(o *detector.Output, hm, wh, off []float32, k, fh, fw int) {
	b := h.shape[0]
	area := fh * fw
	per := h.classes * area
	if k <= 0 || k > per {
		k = per
	}

	h.picked = h.picked[:0]
	boxes := make([]float32, 0, b*k*detector.BoxColumns)
	scores := make([]float32, 0, b*k)
	classes := make([]float32, 0, b*k)

	order := make([]int, per)
	for n := 0; n < b; n++ {
		logits := hm[n*per : (n+1)*per]
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return logits[order[i]] > logits[order[j]] })

		for _, idx := range order[:k] {
			c, p := idx/area, idx%area
			x, y := float32(p%fw), float32(p/fw)
			cx := x + off[(n*2)*area+p]
			cy := y + off[(n*2+1)*area+p]
			w := wh[(n*2)*area+p]
			ht := wh[(n*2+1)*area+p]
			boxes = append(boxes, float32(n), cx-w/2, cy-ht/2, cx+w/2, cy+ht/2)
			scores = append(scores, 1/(1+math32.Exp(-logits[idx])))
			classes = append(classes, float32(c))
			h.picked = append(h.picked, pick{batch: n, pos: p})
		}
	}

	rows := len(h.picked)
	reg := make([]float32, rows*4)
	weight := h.params[2].Value.Data().([]float32)
	bias := h.params[3].Value.Data().([]float32)
	for i, pk := range h.picked {
		for r := 0; r < 4; r++ {
			v := bias[r]
			for c := 0; c < 3; c++ {
				v += weight[r*3+c] * h.feat[(pk.batch*3+c)*area+pk.pos]
			}
			reg[i*4+r] = v
		}
	}

	o.Boxes = tensor.New(tensor.WithShape(rows, detector.BoxColumns), tensor.WithBacking(boxes))
	o.S2Reg = tensor.New(tensor.WithShape(rows, 4), tensor.WithBacking(reg))
	o.Scores = tensor.New(tensor.WithShape(rows), tensor.WithBacking(scores))
	o.Classes = tensor.New(tensor.WithShape(rows), tensor.WithBacking(classes))
}

// Backward accumulates parameter gradients from the output gradients of the
// last Forward. Candidate boxes are treated as constants.
func (h *Head) Backward(ctx context.Context, grads *loss.Gradients) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.feat == nil {
		return errors.New("backward called before forward")
	}
	if grads == nil || grads.HM == nil || grads.WH == nil || grads.Offset == nil {
		return errors.New("missing stage-1 gradients")
	}
	b, area := h.shape[0], h.shape[2]*h.shape[3]
	if grads.HM.Shape().TotalSize() != b*h.classes*area {
		return errors.Errorf("heatmap gradient shape %v does not match the last forward", grads.HM.Shape())
	}

	hw, hb := h.grad(0), h.grad(1)
	accumulate := func(g []float32, channels, first int) {
		for n := 0; n < b; n++ {
			for ch := 0; ch < channels; ch++ {
				o := first + ch
				src := g[(n*channels+ch)*area : (n*channels+ch+1)*area]
				for p, v := range src {
					if v == 0 {
						continue
					}
					hb[o] += v
					for c := 0; c < 3; c++ {
						hw[o*3+c] += v * h.feat[(n*3+c)*area+p]
					}
				}
			}
		}
	}
	accumulate(grads.HM.Data().([]float32), h.classes, 0)
	accumulate(grads.WH.Data().([]float32), 2, h.classes)
	accumulate(grads.Offset.Data().([]float32), 2, h.classes+2)

	if grads.S2Reg == nil {
		return nil
	}
	g := grads.S2Reg.Data().([]float32)
	if len(g) != len(h.picked)*4 {
		return errors.Errorf("stage-2 gradient has %d values for %d candidates", len(g), len(h.picked))
	}
	rw, rb := h.grad(2), h.grad(3)
	for i, pk := range h.picked {
		for r := 0; r < 4; r++ {
			v := g[i*4+r]
			rb[r] += v
			for c := 0; c < 3; c++ {
				rw[r*3+c] += v * h.feat[(pk.batch*3+c)*area+pk.pos]
			}
		}
	}
	return nil
}

// grad returns the gradient buffer of parameter i, allocating it if needed.
func (h *Head) grad(i int) []float32 {
	p := h.params[i]
	if p.Grad == nil {
		p.Grad = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(p.Value.Shape().Clone()...))
	}
	return p.Grad.Data().([]float32)
}
