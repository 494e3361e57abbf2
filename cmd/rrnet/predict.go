package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/checkpoint"
	"github.com/nvr-ai/go-rrnet/network/linear"
	"github.com/nvr-ai/go-rrnet/network/onnxnet"
	"github.com/nvr-ai/go-rrnet/postprocess"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/nvr-ai/go-rrnet/vis"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type predictOptions struct {
	images     *[]string
	model      *string
	checkpoint *string
	config     *string
	backend    *string
	outDir     *string
	height     *int
	width      *int
}

// network builds the forward pass: an ONNX session when a model is given,
// otherwise the linear head restored from a checkpoint.
func network(log logs.Log, opts predictOptions, cfg train.Config) (train.Network, func(), error) {
	if *opts.model != "" {
		s, err := onnxnet.NewSession(log, onnxnet.Config{ModelPath: *opts.model, Backend: onnxnet.Backend(*opts.backend)})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warnf("%v", err)
			}
		}, nil
	}
	if *opts.checkpoint == "" {
		return nil, nil, errors.New("predict needs --model or --checkpoint")
	}
	head, err := linear.New(cfg.Transforms.ClsNum, cfg.Transforms.ScaleFactor, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := checkpoint.LoadParams(*opts.checkpoint, head.Parameters()); err != nil {
		return nil, nil, err
	}
	return head, func() {}, nil
}

func runPredict(ctx context.Context, log logs.Log, opts predictOptions) error {
	cfg, err := loadConfig(*opts.config)
	if err != nil {
		return err
	}
	net, closeNet, err := network(log, opts, cfg)
	if err != nil {
		return err
	}
	defer closeNet()

	if err := os.MkdirAll(*opts.outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	prep := transforms.NewPipeline(
		&transforms.ResizeBySize{Height: *opts.height, Width: *opts.width},
		transforms.ToTensor{},
		&transforms.Normalize{Mean: cfg.Transforms.Mean, Std: cfg.Transforms.Std},
	)
	nms := &postprocess.NMSConfig{IoUThreshold: cfg.NMSThreshold, ClassAware: true}
	scale := float32(cfg.Transforms.ScaleFactor)

	for _, path := range *opts.images {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return errors.Wrapf(err, "open %s", path)
		}
		sample, err := prep.Apply(&transforms.Sample{Name: filepath.Base(path), Raw: img}, nil)
		if err != nil {
			return errors.Wrapf(err, "prepare %s", path)
		}

		chw := sample.Image.Shape()
		batch := tensor.New(tensor.WithShape(1, chw[0], chw[1], chw[2]), tensor.WithBacking(sample.Image.Data()))
		out, err := net.Forward(ctx, batch, cfg.TopK)
		if err != nil {
			return errors.Wrapf(err, "forward %s", path)
		}

		_, results := postprocess.Predictions(out, 0, scale, cfg.ScoreThreshold, nms)
		boxes := make([]annotations.Annotation, 0, len(results))
		for _, r := range results {
			boxes = append(boxes, r.Annotation())
		}
		log.Infof("%s: %d detections", path, len(results))
		for _, r := range results {
			log.Debugf("  class %d score %.3f box %.1f,%.1f,%.1f,%.1f", r.Class, r.Score, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
		}

		rendered, err := vis.Render(sample.Image, cfg.Transforms.Mean, cfg.Transforms.Std, boxes, true)
		if err != nil {
			return errors.Wrapf(err, "render %s", path)
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := vis.WritePNG(filepath.Join(*opts.outDir, fmt.Sprintf("%s.png", stem)), rendered); err != nil {
			return err
		}
	}
	return nil
}
