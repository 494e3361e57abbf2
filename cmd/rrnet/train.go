package main

import (
	"context"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/checkpoint"
	"github.com/nvr-ai/go-rrnet/dataset"
	"github.com/nvr-ai/go-rrnet/distributed"
	"github.com/nvr-ai/go-rrnet/network/linear"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/nvr-ai/go-rrnet/vis"
)

type trainOptions struct {
	config   *string
	imageDir *string
	annoDir  *string
	world    *int
	logDir   *string
	iters    *int
	resume   *string
	seed     *int
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (train.Config, error) {
	if path == "" {
		cfg := train.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return train.LoadConfig(path)
}

func runTrain(ctx context.Context, log logs.Log, opts trainOptions) error {
	cfg, err := loadConfig(*opts.config)
	if err != nil {
		return err
	}
	if *opts.world > 0 {
		cfg.WorldSize = *opts.world
	}
	if *opts.logDir != "" {
		cfg.LogDir = *opts.logDir
	}
	if *opts.iters > 0 {
		cfg.IterNum = *opts.iters
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ds, err := dataset.NewFolderDataset(*opts.imageDir, textAnnotations(*opts.annoDir))
	if err != nil {
		return err
	}
	log.Infof("Training on %d images with %d replicas for %d steps", ds.Len(), cfg.WorldSize, cfg.IterNum)

	fileLogger, err := vis.NewFileLogger(log, cfg.LogDir)
	if err != nil {
		return err
	}
	renderer := &vis.Renderer{Mean: cfg.Transforms.Mean, Std: cfg.Transforms.Std}

	var (
		mu      sync.Mutex
		loaders []*dataset.Loader
	)
	defer func() {
		for _, l := range loaders {
			l.Close()
		}
	}()

	build := func(rank int, syncer distributed.Synchronizer) (*train.Trainer, error) {
		// Same seed on every rank so replicas start from identical weights.
		head, err := linear.New(cfg.Transforms.ClsNum, cfg.Transforms.ScaleFactor, int64(*opts.seed))
		if err != nil {
			return nil, err
		}
		if *opts.resume != "" {
			if err := checkpoint.LoadParams(*opts.resume, head.Parameters()); err != nil {
				return nil, err
			}
		}

		loader, err := dataset.NewLoader(log, ds, cfg.Transforms.Build(), cfg.Loader, rank, cfg.WorldSize)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		loaders = append(loaders, loader)
		mu.Unlock()
		loader.Start(ctx)

		return train.NewTrainer(log, cfg, train.Deps{
			Network:  head,
			Data:     loader,
			Sync:     syncer,
			Logger:   fileLogger,
			Renderer: renderer,
		})
	}
	return train.RunReplicas(ctx, cfg.WorldSize, build)
}
