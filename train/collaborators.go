package train

import (
	"context"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/dataset"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/optim"
	"gorgonia.org/tensor"
)

// Network is the detector being trained.
type Network interface {
	// Forward runs the detector on a [B,C,H,W] batch and keeps at most k
	// stage-2 candidates.
	Forward(ctx context.Context, imgs *tensor.Dense, k int) (*detector.Output, error)
	// Backward accumulates the parameter gradients for the output gradients of
	// the last Forward call into Parameters().Grad.
	Backward(ctx context.Context, grads *loss.Gradients) error
	// Parameters returns the trainable tensors. The slice and its elements
	// must stay the same for the whole run.
	Parameters() []*optim.Param
}

// BatchSource hands out training batches. *dataset.Loader implements it.
type BatchSource interface {
	GetBatch(ctx context.Context) (*dataset.Batch, error)
}

// Record is the payload of one periodic log.
type Record struct {
	// Scalars maps a metric name such as "train/hm_loss" to its value.
	Scalars map[string]float64
	// Images maps a tag to rendered [3,H,W] images in [0,1].
	Images map[string][]*tensor.Dense
}

// Logger receives periodic records from the main replica.
type Logger interface {
	Log(rec *Record, step int) error
}

// Renderer draws boxes on a normalized [3,H,W] network input and returns a
// [3,H,W] image in [0,1].
type Renderer interface {
	Render(img *tensor.Dense, boxes []annotations.Annotation, withScore bool) (*tensor.Dense, error)
}
