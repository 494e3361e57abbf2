package linear

import (
	"context"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var _ train.Network = (*Head)(nil)

func randomDense(rng *rand.Rand, shape ...int) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func dot(a, b *tensor.Dense) float64 {
	var s float64
	bd := b.Data().([]float32)
	for i, v := range a.Data().([]float32) {
		s += float64(v) * float64(bd[i])
	}
	return s
}

func TestForward(t *testing.T) {
	h, err := New(2, 4, 1)
	require.NoError(t, err)

	imgs := randomDense(rand.New(rand.NewSource(1)), 2, 3, 16, 24)
	out, err := h.Forward(context.Background(), imgs, 5)
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	assert.Equal(t, []int{2, 2, 4, 6}, []int(out.HM.Shape()))
	assert.Equal(t, []int{2, 2, 4, 6}, []int(out.WH.Shape()))
	assert.Equal(t, 10, out.NumCandidates())
	assert.Len(t, out.Candidates(0), 5)
	assert.Len(t, out.Candidates(1), 5)

	scores := out.Scores.Data().([]float32)
	for i := 1; i < 5; i++ {
		assert.GreaterOrEqual(t, scores[i-1], scores[i], "candidates are sorted by score")
	}

	// k larger than the map keeps every cell.
	out, err = h.Forward(context.Background(), imgs, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2*2*4*6, out.NumCandidates())
}

func TestForwardErrors(t *testing.T) {
	_, err := New(0, 4, 1)
	assert.Error(t, err)

	h, err := New(1, 4, 1)
	require.NoError(t, err)
	_, err = h.Forward(context.Background(), tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 8, 8)), 1)
	assert.Error(t, err)
	_, err = h.Forward(context.Background(), tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 2, 2)), 1)
	assert.Error(t, err)

	assert.Error(t, h.Backward(context.Background(), &loss.Gradients{}), "backward before forward")
}

// TestBackward checks the accumulated gradients against finite differences of
// L = <gHM,HM> + <gWH,WH> + <gOff,Offset> + <gS2,S2Reg>.
func TestBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h, err := New(2, 2, 7)
	require.NoError(t, err)
	imgs := randomDense(rng, 1, 3, 8, 8)
	ctx := context.Background()

	out, err := h.Forward(ctx, imgs, 3)
	require.NoError(t, err)
	grads := &loss.Gradients{
		HM:     randomDense(rng, out.HM.Shape()...),
		WH:     randomDense(rng, out.WH.Shape()...),
		Offset: randomDense(rng, out.Offset.Shape()...),
		S2Reg:  randomDense(rng, out.S2Reg.Shape()...),
	}
	require.NoError(t, h.Backward(ctx, grads))

	objective := func() float64 {
		o, err := h.Forward(ctx, imgs, 3)
		require.NoError(t, err)
		return dot(grads.HM, o.HM) + dot(grads.WH, o.WH) + dot(grads.Offset, o.Offset) + dot(grads.S2Reg, o.S2Reg)
	}

	const eps = 1e-2
	for _, p := range h.Parameters() {
		// Head weights also move the peaks, so only the biases and the
		// stage-2 weights are probed where the candidate set must not change.
		if p.Name == HeadWeight {
			continue
		}
		values := p.Value.Data().([]float32)
		analytic := p.Grad.Data().([]float32)
		for i := range values {
			orig := values[i]
			values[i] = orig + eps
			up := objective()
			values[i] = orig - eps
			down := objective()
			values[i] = orig
			if p.Name == HeadBias && i < 2 {
				// Moving a heatmap bias reorders candidates.
				continue
			}
			assert.InDelta(t, (up-down)/(2*eps), analytic[i], 1e-2, "%s[%d]", p.Name, i)
		}
	}
}

func TestBackwardStageOneOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	h, err := New(1, 2, 7)
	require.NoError(t, err)
	out, err := h.Forward(context.Background(), randomDense(rng, 1, 3, 4, 4), 2)
	require.NoError(t, err)

	grads := &loss.Gradients{
		HM:     tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(out.HM.Shape()...)),
		WH:     tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(out.WH.Shape()...)),
		Offset: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(out.Offset.Shape()...)),
	}
	grads.HM.Data().([]float32)[0] = 1
	require.NoError(t, h.Backward(context.Background(), grads))

	assert.Equal(t, float32(1), h.Parameters()[1].Grad.Data().([]float32)[0])
	assert.Nil(t, h.Parameters()[3].Grad, "stage-2 parameters receive no gradient without S2Reg")

	grads.S2Reg = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(5, 4))
	assert.Error(t, h.Backward(context.Background(), grads))
	assert.Equal(t, detector.BoxColumns, out.Boxes.Shape()[1])
}
