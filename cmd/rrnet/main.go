// rrnet trains the two-stage detector and renders its predictions.
//
//	rrnet train   -d images/ -a annotations/ [-c config.yaml] [-w 2] [-l ./log]
//	rrnet predict -i a.jpg -i b.jpg [-m model.onnx | -k ckp-99.pth] [-o out/]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	logger, err := logs.NewLog()
	check(err)

	parser := argparse.NewParser("rrnet", "Train and run the two-stage RRNet detector")

	trainCmd := parser.NewCommand("train", "Train a detector head on a folder of images")
	trainOpts := trainOptions{
		config:    trainCmd.String("c", "config", &argparse.Options{Help: "YAML training configuration", Default: ""}),
		imageDir:  trainCmd.String("d", "data", &argparse.Options{Help: "Directory of training images", Required: true}),
		annoDir:   trainCmd.String("a", "annotations", &argparse.Options{Help: "Directory of <image>.txt annotation files", Required: true}),
		world:     trainCmd.Int("w", "world", &argparse.Options{Help: "Number of data-parallel replicas (overrides the config)", Default: 0}),
		logDir:    trainCmd.String("l", "logdir", &argparse.Options{Help: "Checkpoint and visual log directory (overrides the config)", Default: ""}),
		iters:     trainCmd.Int("n", "iters", &argparse.Options{Help: "Number of steps (overrides the config)", Default: 0}),
		resume:    trainCmd.String("r", "resume", &argparse.Options{Help: "Checkpoint to start from", Default: ""}),
		seed:      trainCmd.Int("s", "seed", &argparse.Options{Help: "Weight initialization seed", Default: 1}),
	}

	predictCmd := parser.NewCommand("predict", "Render detections for a list of images")
	predictOpts := predictOptions{
		images:     predictCmd.StringList("i", "image", &argparse.Options{Help: "Input image (repeatable)", Required: true}),
		model:      predictCmd.String("m", "model", &argparse.Options{Help: "ONNX export of the detector", Default: ""}),
		checkpoint: predictCmd.String("k", "checkpoint", &argparse.Options{Help: "Checkpoint of the linear head, used when no model is given", Default: ""}),
		config:     predictCmd.String("c", "config", &argparse.Options{Help: "YAML configuration for class count, stride and normalization", Default: ""}),
		backend:    predictCmd.Selector("b", "backend", []string{"cpu", "cuda", "coreml"}, &argparse.Options{Help: "ONNX Runtime execution provider", Default: "cpu"}),
		outDir:     predictCmd.String("o", "output", &argparse.Options{Help: "Directory for rendered images", Default: "predictions"}),
		height:     predictCmd.Int("", "height", &argparse.Options{Help: "Network input height", Default: 512}),
		width:      predictCmd.Int("", "width", &argparse.Options{Help: "Network input width", Default: 512}),
	}

	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf(parser.Usage(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case trainCmd.Happened():
		err = runTrain(ctx, logger, trainOpts)
	case predictCmd.Happened():
		err = runPredict(ctx, logger, predictOpts)
	}
	if err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}
