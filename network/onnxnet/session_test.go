package onnxnet

import (
	"context"
	"os"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var _ train.Network = (*Session)(nil)

func rawOutputs(n int) []rawTensor {
	return []rawTensor{
		{shape: []int64{1, 2, 4, 4}, data: make([]float32, 32)},
		{shape: []int64{1, 2, 4, 4}, data: make([]float32, 32)},
		{shape: []int64{1, 2, 4, 4}, data: make([]float32, 32)},
		{shape: []int64{int64(n), 4}, data: make([]float32, n*4)},
		{shape: []int64{int64(n), 5}, data: make([]float32, n*5)},
		{shape: []int64{int64(n)}, data: make([]float32, n)},
		{shape: []int64{int64(n)}, data: make([]float32, n)},
	}
}

func TestToOutput(t *testing.T) {
	raw := rawOutputs(3)
	raw[5].data[2] = 0.7

	out, err := toOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, out.NumCandidates())
	assert.Equal(t, float32(0.7), out.Scores.Data().([]float32)[2])

	raw[5].data[2] = 0
	assert.Equal(t, float32(0.7), out.Scores.Data().([]float32)[2], "outputs are copied out of the runtime buffers")
}

func TestToOutputWithoutCandidates(t *testing.T) {
	out, err := toOutput(rawOutputs(0))
	require.NoError(t, err)
	assert.Zero(t, out.NumCandidates())
	assert.Nil(t, out.Boxes)
}

func TestToOutputRejectsBadLayouts(t *testing.T) {
	_, err := toOutput(rawOutputs(2)[:6])
	assert.Error(t, err)

	raw := rawOutputs(2)
	raw[4].data = raw[4].data[:3]
	_, err = toOutput(raw)
	assert.Error(t, err)

	raw = rawOutputs(2)
	raw[3].shape = []int64{2, 2}
	raw[3].data = make([]float32, 4)
	_, err = toOutput(raw)
	assert.ErrorIs(t, err, detector.ErrOutput)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ModelPath: "model.onnx"}.withDefaults()
	assert.Equal(t, CPUBackend, cfg.Backend)
	assert.Equal(t, "images", cfg.InputName)
	assert.Equal(t, DefaultOutputNames, cfg.OutputNames)
	assert.NotEmpty(t, cfg.SharedLibPath)
}

func TestNewSessionMissingLibrary(t *testing.T) {
	_, err := NewSession(logs.NewTestingLog(t), Config{ModelPath: "model.onnx", SharedLibPath: "/nonexistent/onnxruntime.so"})
	assert.Error(t, err)
}

// TestSession runs a real export when RRNET_ONNX_MODEL points at one.
func TestSession(t *testing.T) {
	model := os.Getenv("RRNET_ONNX_MODEL")
	if model == "" {
		t.Skip("RRNET_ONNX_MODEL not set")
	}
	s, err := NewSession(logs.NewTestingLog(t), Config{ModelPath: model})
	require.NoError(t, err)
	defer s.Close()

	imgs := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, 512, 512))
	out, err := s.Forward(context.Background(), imgs, detector.DefaultTopK)
	require.NoError(t, err)
	assert.Equal(t, 1, out.BatchSize())
	assert.ErrorIs(t, s.Backward(context.Background(), nil), ErrNotTrainable)
}
