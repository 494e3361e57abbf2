// Package onnxnet - runs an ONNX export of the detector through ONNX Runtime.
//
// The export must take one float32 input of shape [B,3,H,W] and produce the
// seven detector outputs in order: heatmap logits, sizes, offsets, stage-2
// regression, candidate boxes, scores and classes, all as float32. The number
// of stage-2 candidates is fixed when the graph is exported.
package onnxnet

import (
	"context"
	"os"
	"runtime"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// ErrNotTrainable is returned by Backward: an ONNX graph carries no gradients.
var ErrNotTrainable = errors.New("onnx session is inference only")

// Backend selects the ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend runs on the default CPU provider.
	CPUBackend Backend = "cpu"
	// CUDABackend runs on an NVIDIA GPU.
	CUDABackend Backend = "cuda"
	// CoreMLBackend runs on Apple hardware.
	CoreMLBackend Backend = "coreml"
)

// DefaultOutputNames are the output names of the reference export.
var DefaultOutputNames = []string{"hm", "wh", "offset", "s2_reg", "bxyxy", "scores", "clses"}

// Config describes the model and how to run it.
type Config struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibPath is the onnxruntime library. Empty means
	// $ONNXRUNTIME_SHARED_LIBRARY_PATH or the platform default.
	SharedLibPath string   `json:"shared_lib_path" yaml:"shared_lib_path"`
	Backend       Backend  `json:"backend" yaml:"backend"`
	InputName     string   `json:"input_name" yaml:"input_name"`
	OutputNames   []string `json:"output_names" yaml:"output_names"`
	// Threads bounds intra-op parallelism, 0 lets the runtime decide.
	Threads int `json:"threads" yaml:"threads"`
}

// SharedLibPath returns the path to the shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library.
func SharedLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

func (c Config) withDefaults() Config {
	if c.SharedLibPath == "" {
		c.SharedLibPath = SharedLibPath()
	}
	if c.Backend == "" {
		c.Backend = CPUBackend
	}
	if c.InputName == "" {
		c.InputName = "images"
	}
	if len(c.OutputNames) == 0 {
		c.OutputNames = DefaultOutputNames
	}
	return c
}

// Session is a loaded model.
type Session struct {
	log     logs.Log
	cfg     Config
	session *ort.DynamicAdvancedSession
}

// NewSession loads the model of cfg.
//
// Order of operations:
//  1. Library path check: Ensures native runtime is accessible.
//  2. Environment setup: Loads the library once per process.
//  3. Session options: Threading, graph optimization and the execution provider.
//  4. Session creation: Loads the model with dynamic input and output shapes.
//
// Arguments:
//   - log: Receives setup messages.
//   - cfg: The model configuration.
//
// Returns:
//   - *Session: The session. Close it to release native resources.
//   - error: An error if the library or the model cannot be loaded.
func NewSession(log logs.Log, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if len(cfg.OutputNames) != 7 {
		return nil, errors.Errorf("need 7 output names, got %d", len(cfg.OutputNames))
	}
	if _, err := os.Stat(cfg.SharedLibPath); err != nil {
		return nil, errors.Wrapf(err, "ONNX Runtime library not found at %s", cfg.SharedLibPath)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(cfg.SharedLibPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initialize ORT environment")
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create ORT session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "set graph optimization level")
	}

	switch cfg.Backend {
	case CPUBackend:
	case CoreMLBackend:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return nil, errors.Wrap(err, "enable CoreML")
		}
	case CUDABackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "create CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, errors.Wrap(err, "enable CUDA")
		}
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{cfg.InputName}, cfg.OutputNames, options)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", cfg.ModelPath)
	}
	log.Infof("Loaded %s on %s", cfg.ModelPath, cfg.Backend)
	return &Session{log: log, cfg: cfg, session: session}, nil
}

// Close releases the native session.
func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Wrap(err, "destroy ORT session")
}

// Forward runs the model on a [B,3,H,W] batch. k is fixed by the export and
// only checked against the number of candidates returned.
func (s *Session) Forward(ctx context.Context, imgs *tensor.Dense, k int) (*detector.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shape := imgs.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("input shape %v, want [B,C,H,W]", shape)
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), imgs.Data().([]float32))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(s.cfg.OutputNames))
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "run model")
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	raw := make([]rawTensor, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %s is %T, want a float32 tensor", s.cfg.OutputNames[i], o)
		}
		raw[i] = rawTensor{shape: t.GetShape(), data: t.GetData()}
	}
	out, err := toOutput(raw)
	if err != nil {
		return nil, err
	}
	if n := out.NumCandidates(); k > 0 && n > k*shape[0] {
		s.log.Warnf("Model returned %d candidates for k=%d", n, k)
	}
	return out, nil
}

// Backward returns ErrNotTrainable.
func (s *Session) Backward(context.Context, *loss.Gradients) error {
	return ErrNotTrainable
}

// Parameters returns nil: the weights live inside the ONNX graph.
func (s *Session) Parameters() []*optim.Param {
	return nil
}

type rawTensor struct {
	shape []int64
	data  []float32
}

// toOutput copies the seven model outputs into a detector.Output.
func toOutput(raw []rawTensor) (*detector.Output, error) {
	if len(raw) != 7 {
		return nil, errors.Errorf("got %d outputs, want 7", len(raw))
	}
	dense := make([]*tensor.Dense, len(raw))
	for i, r := range raw {
		shape := make([]int, len(r.shape))
		for j, d := range r.shape {
			shape[j] = int(d)
		}
		size := 1
		for _, d := range shape {
			size *= d
		}
		if size != len(r.data) {
			return nil, errors.Errorf("output %d has shape %v but %d values", i, shape, len(r.data))
		}
		if size == 0 {
			continue
		}
		data := make([]float32, size)
		copy(data, r.data)
		dense[i] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	}

	out := &detector.Output{
		HM:      dense[0],
		WH:      dense[1],
		Offset:  dense[2],
		S2Reg:   dense[3],
		Boxes:   dense[4],
		Scores:  dense[5],
		Classes: dense[6],
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
