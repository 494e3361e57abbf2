// Package distributed - gradient synchronization between data-parallel
// replicas.
//
// Every replica calls AllReduce once per step. The call is a barrier: it
// returns when all replicas of the group have arrived, and leaves every
// replica holding the mean gradient of the replicas that contributed one.
// Replicas that could not compute a gradient for the step still have to
// arrive, so that the others are not blocked and the parameters stay in
// lockstep.
package distributed

import (
	"context"

	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/pkg/errors"
)

// Synchronizer averages gradients across replicas.
type Synchronizer interface {
	// Rank is the replica index, 0 for the main replica.
	Rank() int
	// WorldSize is the number of replicas.
	WorldSize() int
	// AllReduce replaces the gradients of params by the mean over the
	// contributing replicas and returns how many contributed. A replica with
	// contributed == false only joins the barrier.
	AllReduce(ctx context.Context, params []*optim.Param, contributed bool) (int, error)
}

// ErrWorldSize is returned for a group without replicas or an invalid rank.
var ErrWorldSize = errors.New("invalid world size or rank")

// Single is the Synchronizer of a non-distributed run.
type Single struct{}

// Rank returns 0.
func (Single) Rank() int { return 0 }

// WorldSize returns 1.
func (Single) WorldSize() int { return 1 }

// AllReduce leaves the gradients as they are.
func (Single) AllReduce(ctx context.Context, _ []*optim.Param, contributed bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if contributed {
		return 1, nil
	}
	return 0, nil
}
