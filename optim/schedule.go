package optim

import (
	"math"
	"sort"
)

// MultiStep decays the learning rate by Gamma at every milestone.
type MultiStep struct {
	Base       float64
	Milestones []int
	Gamma      float64
}

// NewMultiStep returns a schedule with the conventional gamma of 0.1.
func NewMultiStep(base float64, milestones ...int) *MultiStep {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStep{Base: base, Milestones: ms, Gamma: 0.1}
}

// At returns Base * Gamma^n where n counts the milestones <= step.
//
// @example
// s := NewMultiStep(1e-3, 10, 20)
// fmt.Println(s.At(9), s.At(10), s.At(25)) // 0.001 0.0001 1e-05
func (s *MultiStep) At(step int) float64 {
	n := 0
	for _, m := range s.Milestones {
		if m <= step {
			n++
		}
	}
	return s.Base * math.Pow(s.Gamma, float64(n))
}
