package distributed

import (
	"context"
	"sync"

	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Group connects the replicas of one process. Each replica runs in its own
// goroutine and talks to the group through its Member.
type Group struct {
	size int

	mu    sync.Mutex
	round *round
}

// round is one generation of the barrier.
type round struct {
	arrived      int
	contributors int
	sum          map[string][]float32
	err          error
	done         chan struct{}
}

func newRound() *round {
	return &round{sum: make(map[string][]float32), done: make(chan struct{})}
}

// NewGroup returns a group of size replicas.
func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, errors.Wrapf(ErrWorldSize, "group of %d", size)
	}
	return &Group{size: size, round: newRound()}, nil
}

// Member returns the Synchronizer of replica rank.
func (g *Group) Member(rank int) (*Member, error) {
	if rank < 0 || rank >= g.size {
		return nil, errors.Wrapf(ErrWorldSize, "rank %d of %d", rank, g.size)
	}
	return &Member{group: g, rank: rank}, nil
}

// Member is one replica's view of a Group.
type Member struct {
	group *Group
	rank  int
}

// Rank returns the replica index.
func (m *Member) Rank() int { return m.rank }

// WorldSize returns the group size.
func (m *Member) WorldSize() int { return m.group.size }

// AllReduce blocks until every replica of the group has called it for this
// step, then writes the mean gradient into params.
//
// Arguments:
// - ctx: Cancels the wait. A cancelled replica leaves the barrier broken, so the
// caller is expected to stop the whole group.
// - params: The replica's parameters. Gradients are read when contributed is
// set and always overwritten with the mean.
// - contributed: Whether this replica computed a gradient for the step.
//
// Returns:
// - The number of contributing replicas. When it is 0 every gradient is zero.
// - An error if the context ends first or replicas disagree on a parameter size.
func (m *Member) AllReduce(ctx context.Context, params []*optim.Param, contributed bool) (int, error) {
	g := m.group

	g.mu.Lock()
	r := g.round
	if contributed {
		r.contributors++
		for _, p := range params {
			if p.Grad == nil {
				continue
			}
			grad := p.Grad.Data().([]float32)
			acc, ok := r.sum[p.Name]
			if !ok {
				acc = make([]float32, len(grad))
				r.sum[p.Name] = acc
			}
			if len(acc) != len(grad) {
				r.err = errors.Errorf("param %q: rank %d has %d elements, others %d", p.Name, m.rank, len(grad), len(acc))
				continue
			}
			for i, v := range grad {
				acc[i] += v
			}
		}
	}
	r.arrived++
	if r.arrived == g.size {
		if r.contributors > 0 {
			inv := 1 / float32(r.contributors)
			for _, acc := range r.sum {
				for i := range acc {
					acc[i] *= inv
				}
			}
		}
		close(r.done)
		g.round = newRound()
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return 0, errors.Wrapf(ctx.Err(), "rank %d waiting for gradients", m.rank)
	}
	if r.err != nil {
		return 0, r.err
	}

	for _, p := range params {
		if p.Grad == nil || !p.Grad.Shape().Eq(p.Value.Shape()) {
			p.Grad = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(p.Value.Shape().Clone()...))
		}
		grad := p.Grad.Data().([]float32)
		mean, ok := r.sum[p.Name]
		if !ok || len(mean) != len(grad) {
			for i := range grad {
				grad[i] = 0
			}
			continue
		}
		copy(grad, mean)
	}
	return r.contributors, nil
}
