// Package optim - parameter updates for training: the Adam optimizer and the
// milestone learning-rate schedule.
package optim

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Param is one trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Value *tensor.Dense
	// Grad has the shape of Value. A nil Grad means the parameter did not take
	// part in the last backward pass and is left untouched by Step.
	Grad *tensor.Dense
}

// Adam implements the Adam update with bias correction.
type Adam struct {
	lr    float64
	beta1 float32
	beta2 float32
	eps   float32
	state map[string]*moments
}

type moments struct {
	m, v []float32
	t    int
}

// NewAdam returns an Adam optimizer with the usual betas (0.9, 0.999) and
// epsilon 1e-8.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		state: make(map[string]*moments),
	}
}

// LearnRate returns the current learning rate.
func (a *Adam) LearnRate() float64 {
	return a.lr
}

// SetLearnRate changes the learning rate. Moment estimates are kept.
func (a *Adam) SetLearnRate(lr float64) {
	a.lr = lr
}

// ZeroGrad clears the gradients of params, allocating them on first use.
func (a *Adam) ZeroGrad(params []*Param) {
	for _, p := range params {
		if p.Grad == nil || !p.Grad.Shape().Eq(p.Value.Shape()) {
			p.Grad = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(p.Value.Shape().Clone()...))
			continue
		}
		g := p.Grad.Data().([]float32)
		for i := range g {
			g[i] = 0
		}
	}
}

// Step applies one update to every parameter that has a gradient.
//
// Arguments:
// - params: The parameters, identified across steps by Name.
//
// Returns:
// - An error if a gradient does not match its parameter or a parameter changed
// size between steps.
func (a *Adam) Step(params []*Param) error {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if !p.Grad.Shape().Eq(p.Value.Shape()) {
			return errors.Errorf("param %q: gradient shape %v does not match %v", p.Name, p.Grad.Shape(), p.Value.Shape())
		}
		val := p.Value.Data().([]float32)
		grad := p.Grad.Data().([]float32)

		st, ok := a.state[p.Name]
		if !ok {
			st = &moments{m: make([]float32, len(val)), v: make([]float32, len(val))}
			a.state[p.Name] = st
		}
		if len(st.m) != len(val) {
			return errors.Errorf("param %q changed size from %d to %d", p.Name, len(st.m), len(val))
		}

		lr := float32(a.lr)
		st.t++
		c1 := 1 - math32.Pow(a.beta1, float32(st.t))
		c2 := 1 - math32.Pow(a.beta2, float32(st.t))
		for i, g := range grad {
			st.m[i] = a.beta1*st.m[i] + (1-a.beta1)*g
			st.v[i] = a.beta2*st.v[i] + (1-a.beta2)*g*g
			mHat := st.m[i] / c1
			vHat := st.v[i] / c2
			val[i] -= lr * mHat / (math32.Sqrt(vHat) + a.eps)
		}
	}
	return nil
}
