// Package train - the training loop of the two-stage detector.
//
// A Trainer drives one replica through a fixed number of steps:
//
//	set learning rate -> zero gradients -> fetch batch -> forward -> loss ->
//	backward -> all-reduce -> optimizer step -> [log] -> [checkpoint]
//
// Only rank 0 logs, writes checkpoints and appends to <LogDir>/error.log. A
// batch that fails to load is reported and the step is skipped, but the
// replica still joins the gradient all-reduce so that the other replicas are
// not blocked.
package train

import (
	"os"

	"github.com/nvr-ai/go-rrnet/dataset"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/postprocess"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config configures a training run.
type Config struct {
	// IterNum is the number of steps.
	IterNum int `json:"iter_num" yaml:"iter_num"`
	// LR is the initial learning rate.
	LR float64 `json:"lr" yaml:"lr"`
	// LRMilestones are the steps at which the learning rate is multiplied by
	// LRGamma.
	LRMilestones []int   `json:"lr_milestones" yaml:"lr_milestones"`
	LRGamma      float64 `json:"lr_gamma" yaml:"lr_gamma"`
	// PrintInterval is the logging cadence in steps.
	PrintInterval int `json:"print_interval" yaml:"print_interval"`
	// CheckpointInterval is the checkpoint cadence in steps.
	CheckpointInterval int `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	// LogDir receives checkpoints, rendered images and error.log.
	LogDir string `json:"log_dir" yaml:"log_dir"`
	// TopK bounds the stage-2 candidates per forward pass.
	TopK int `json:"top_k" yaml:"top_k"`
	// WorldSize is the number of data-parallel replicas.
	WorldSize int `json:"world_size" yaml:"world_size"`
	// ScoreThreshold and NMSThreshold clean the stage-2 boxes of visual logs.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
	NMSThreshold   float32 `json:"nms_threshold" yaml:"nms_threshold"`

	Loss       loss.Config       `json:"loss" yaml:"loss"`
	Loader     dataset.Config    `json:"loader" yaml:"loader"`
	Transforms transforms.Config `json:"transforms" yaml:"transforms"`
}

// DefaultConfig returns the VisDrone training schedule.
func DefaultConfig() Config {
	return Config{
		IterNum:            100000,
		LR:                 2e-4,
		LRMilestones:       []int{60000, 80000},
		LRGamma:            0.1,
		PrintInterval:      20,
		CheckpointInterval: 5000,
		LogDir:             "./log",
		TopK:               detector.DefaultTopK,
		WorldSize:          1,
		ScoreThreshold:     postprocess.DefaultScoreThreshold,
		NMSThreshold:       postprocess.DefaultNMSThreshold,
		Loss:               loss.DefaultConfig(),
		Loader:             dataset.DefaultConfig(),
		Transforms:         transforms.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
//
// Arguments:
// - path: The YAML file. Keys that are absent keep their default.
//
// Returns:
// - The validated configuration.
// - An error if the file cannot be read or parsed, or the result is invalid.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.IterNum < 1:
		return errors.Errorf("iter_num must be positive, got %d", c.IterNum)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %g", c.LR)
	case c.PrintInterval < 1:
		return errors.Errorf("print_interval must be positive, got %d", c.PrintInterval)
	case c.CheckpointInterval < 1:
		return errors.Errorf("checkpoint_interval must be positive, got %d", c.CheckpointInterval)
	case c.LogDir == "":
		return errors.New("log_dir is empty")
	case c.TopK < 1:
		return errors.Errorf("top_k must be positive, got %d", c.TopK)
	case c.WorldSize < 1:
		return errors.Errorf("world_size must be positive, got %d", c.WorldSize)
	case len(c.Transforms.Mean) != len(c.Transforms.Std):
		return errors.Errorf("%d means for %d stds", len(c.Transforms.Mean), len(c.Transforms.Std))
	case c.Loader.BatchSize < 1:
		return errors.Errorf("loader batch_size must be positive, got %d", c.Loader.BatchSize)
	}
	return nil
}
