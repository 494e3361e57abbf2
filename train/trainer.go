package train

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/checkpoint"
	"github.com/nvr-ai/go-rrnet/dataset"
	"github.com/nvr-ai/go-rrnet/detector"
	"github.com/nvr-ai/go-rrnet/distributed"
	"github.com/nvr-ai/go-rrnet/loss"
	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/nvr-ai/go-rrnet/postprocess"
	"github.com/nvr-ai/go-rrnet/profiler"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrorLogName is the append-only file, under LogDir, that records failed
// batch fetches.
const ErrorLogName = "error.log"

// VisualTag is the image tag of the stage-1, stage-2 and ground truth renders.
const VisualTag = "Train"

// Deps are the collaborators of a Trainer.
type Deps struct {
	Network Network
	Data    BatchSource
	// Sync defaults to distributed.Single.
	Sync distributed.Synchronizer
	// Logger receives the periodic records of rank 0. Nil only logs the
	// scalars.
	Logger Logger
	// Renderer draws the visual logs. Nil leaves Record.Images empty.
	Renderer Renderer
}

// Trainer runs the training loop of one replica.
type Trainer struct {
	cfg      Config
	log      logs.Log
	net      Network
	data     BatchSource
	sync     distributed.Synchronizer
	logger   Logger
	renderer Renderer

	params []*optim.Param
	opt    *optim.Adam
	sched  *optim.MultiStep
	crit   *loss.Criterion
	state  TrainerState
	prof   *profiler.StepProfiler
	errLog io.WriteCloser
}

// NewTrainer wires a trainer.
//
// Arguments:
// - log: The process logger.
// - cfg: The run configuration.
// - deps: The network, the batch source and the optional collaborators.
//
// Returns:
// - The trainer.
// - An error if the configuration is invalid or a required collaborator is
// missing.
func NewTrainer(log logs.Log, cfg Config, deps Deps) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Network == nil || deps.Data == nil {
		return nil, errors.New("trainer needs a network and a batch source")
	}
	if deps.Sync == nil {
		deps.Sync = distributed.Single{}
	}

	sched := optim.NewMultiStep(cfg.LR, cfg.LRMilestones...)
	if cfg.LRGamma > 0 {
		sched.Gamma = cfg.LRGamma
	}
	return &Trainer{
		cfg:      cfg,
		log:      log,
		net:      deps.Network,
		data:     deps.Data,
		sync:     deps.Sync,
		logger:   deps.Logger,
		renderer: deps.Renderer,
		params:   deps.Network.Parameters(),
		opt:      optim.NewAdam(cfg.LR),
		sched:    sched,
		crit:     loss.NewCriterion(cfg.Loss),
		prof:     profiler.NewStepProfiler(),
	}, nil
}

// State returns the current state.
func (t *Trainer) State() TrainerState {
	return t.state
}

// main reports whether this replica logs and writes checkpoints.
func (t *Trainer) main() bool {
	return t.sync.Rank() == 0
}

// Run executes the remaining steps.
//
// Returns:
// - nil once IterNum steps have run.
// - The first fatal error: a cancelled context, a failing forward or backward
// pass, a loss shape mismatch, a failed all-reduce or checkpoint write.
func (t *Trainer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.LogDir, 0o755); err != nil {
		return errors.Wrap(err, "create log directory")
	}
	defer t.closeErrorLog()

	if t.main() {
		t.log.Infof("Training %d steps on %d replicas, %d parameters", t.cfg.IterNum, t.sync.WorldSize(), len(t.params))
	}
	start := time.Now()
	for t.state.Step < t.cfg.IterNum {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := t.state.Step
		if err := t.step(ctx, step); err != nil {
			return errors.Wrapf(err, "rank %d step %d", t.sync.Rank(), step)
		}
		t.state.Step = step + 1
	}
	if t.main() {
		t.log.Infof("Training finished after %v", time.Since(start).Round(time.Second))
	}
	return nil
}

func (t *Trainer) step(ctx context.Context, step int) error {
	t.opt.SetLearnRate(t.sched.At(step))
	t.opt.ZeroGrad(t.params)

	done := t.prof.StartOperation(PhaseFetch)
	batch, err := t.data.GetBatch(ctx)
	done()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.fetchFailed(step, err)
		if err := t.update(ctx, false); err != nil {
			return err
		}
		return t.periodic(step, nil, nil)
	}

	done = t.prof.StartOperation(PhaseForward)
	out, err := t.net.Forward(ctx, batch.Images, t.cfg.TopK)
	done()
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	done = t.prof.StartOperation(PhaseLoss)
	res, err := t.crit.Compute(out, &loss.Targets{Batch: batch.Batch, Annos: batch.Annos}, step)
	done()
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	done = t.prof.StartOperation(PhaseBackward)
	err = t.net.Backward(ctx, res.Grads)
	done()
	if err != nil {
		return errors.Wrap(err, "backward")
	}
	if err := t.update(ctx, true); err != nil {
		return err
	}
	t.state.Add(res)
	return t.periodic(step, batch, out)
}

// update averages the gradients across replicas and applies them.
func (t *Trainer) update(ctx context.Context, contributed bool) error {
	done := t.prof.StartOperation(PhaseSync)
	n, err := t.sync.AllReduce(ctx, t.params, contributed)
	done()
	if err != nil {
		return errors.Wrap(err, "all-reduce")
	}
	if n == 0 {
		return nil
	}
	return t.opt.Step(t.params)
}

// fetchFailed records a failed batch fetch on stdout. Rank 0 also appends it
// to the error log.
func (t *Trainer) fetchFailed(step int, err error) {
	t.state.Skipped++
	t.log.Errorf("Rank %d step %d: skipping step, batch fetch failed: %v", t.sync.Rank(), step, err)
	if !t.main() {
		return
	}

	if t.errLog == nil {
		f, ferr := os.OpenFile(filepath.Join(t.cfg.LogDir, ErrorLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			t.log.Warnf("Cannot open error log: %v", ferr)
			return
		}
		t.errLog = f
	}
	fmt.Fprintf(t.errLog, "%s rank=%d step=%d %v\n", time.Now().Format(time.RFC3339), t.sync.Rank(), step, err)
}

func (t *Trainer) closeErrorLog() {
	if t.errLog != nil {
		t.errLog.Close()
		t.errLog = nil
	}
}

// periodic logs and checkpoints on their cadence. Accumulators are reset on
// every replica, the side effects happen on rank 0 only.
func (t *Trainer) periodic(step int, batch *dataset.Batch, out *detector.Output) error {
	if step%t.cfg.PrintInterval == t.cfg.PrintInterval-1 {
		if t.main() {
			t.report(step, batch, out)
		}
		t.state.Reset()
		t.prof.Reset()
	}

	if step%t.cfg.CheckpointInterval == t.cfg.CheckpointInterval-1 || step == t.cfg.IterNum-1 {
		if t.main() {
			path := checkpoint.Path(t.cfg.LogDir, step)
			if err := checkpoint.SaveParams(path, t.params); err != nil {
				return errors.Wrap(err, "checkpoint")
			}
			t.log.Infof("Saved checkpoint %s", path)
		}
	}
	return nil
}

// report sends the averaged scalars and, when a batch is at hand, the visual
// logs of its first image.
func (t *Trainer) report(step int, batch *dataset.Batch, out *detector.Output) {
	rec := &Record{Scalars: t.state.Averages()}
	rec.Scalars[MetricLR] = t.opt.LearnRate()
	for name, tr := range t.prof.Snapshot() {
		rec.Scalars[TimingPrefix+name+"_ms"] = float64(tr.Mean().Microseconds()) / 1000
	}
	t.log.Infof("step %d: loss %.4f (hm %.4f, wh %.4f, off %.4f, s2 %.4f), lr %g",
		step, rec.Scalars[MetricTotal], rec.Scalars[MetricHM], rec.Scalars[MetricWH],
		rec.Scalars[MetricOffset], rec.Scalars[MetricS2], rec.Scalars[MetricLR])

	if batch != nil && out != nil && t.renderer != nil {
		imgs, err := t.visualize(batch, out)
		if err != nil {
			t.log.Warnf("Visual log of step %d failed: %v", step, err)
		} else {
			rec.Images = map[string][]*tensor.Dense{VisualTag: imgs}
		}
	}

	if t.logger == nil {
		return
	}
	if err := t.logger.Log(rec, step); err != nil {
		t.log.Warnf("Logging step %d failed: %v", step, err)
	}
}

// visualize renders the stage-1 boxes, the cleaned stage-2 boxes and the
// ground truth of the first image of the batch.
func (t *Trainer) visualize(batch *dataset.Batch, out *detector.Output) ([]*tensor.Dense, error) {
	img, err := firstImage(batch.Images)
	if err != nil {
		return nil, err
	}
	nms := &postprocess.NMSConfig{IoUThreshold: t.cfg.NMSThreshold, ClassAware: true}
	s1, s2 := postprocess.Predictions(out, 0, float32(t.cfg.Loss.ScaleFactor), t.cfg.ScoreThreshold, nms)

	gt := annotations.Filter(batch.Annos[0], func(a annotations.Annotation) bool { return !a.IsSentinel() })
	sets := []struct {
		boxes     []annotations.Annotation
		withScore bool
	}{
		{toAnnotations(s1), true},
		{toAnnotations(s2), true},
		{gt, false},
	}

	rendered := make([]*tensor.Dense, 0, len(sets))
	for _, set := range sets {
		r, err := t.renderer.Render(img, set.boxes, set.withScore)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, r)
	}
	return rendered, nil
}

func toAnnotations(results []postprocess.Result) []annotations.Annotation {
	out := make([]annotations.Annotation, len(results))
	for i, r := range results {
		out[i] = r.Annotation()
	}
	return out
}

// firstImage copies image 0 out of a [B,C,H,W] batch.
func firstImage(batch *tensor.Dense) (*tensor.Dense, error) {
	s := batch.Shape()
	if len(s) != 4 || s[0] < 1 {
		return nil, errors.Errorf("batch shape %v, want [B,C,H,W]", s)
	}
	size := s[1] * s[2] * s[3]
	data := make([]float32, size)
	copy(data, batch.Data().([]float32)[:size])
	return tensor.New(tensor.WithShape(s[1], s[2], s[3]), tensor.WithBacking(data)), nil
}
