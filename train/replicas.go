package train

import (
	"context"

	"github.com/nvr-ai/go-rrnet/distributed"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BuildFunc creates the trainer of one replica around its synchronizer.
type BuildFunc func(rank int, sync distributed.Synchronizer) (*Trainer, error)

// RunReplicas trains world replicas concurrently, one goroutine each, joined
// by an in-process gradient all-reduce. The first replica to fail cancels the
// others.
//
// Arguments:
// - ctx: Cancels the whole run.
// - world: The number of replicas.
// - build: Creates the trainer of each rank. Every replica needs its own
// network, batch source and parameters.
//
// Returns:
// - The first error of any replica.
func RunReplicas(ctx context.Context, world int, build BuildFunc) error {
	group, err := distributed.NewGroup(world)
	if err != nil {
		return err
	}

	trainers := make([]*Trainer, world)
	for rank := range trainers {
		member, err := group.Member(rank)
		if err != nil {
			return err
		}
		if trainers[rank], err = build(rank, member); err != nil {
			return errors.Wrapf(err, "build replica %d", rank)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range trainers {
		eg.Go(func() error {
			return t.Run(ctx)
		})
	}
	return eg.Wait()
}
