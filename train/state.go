package train

import "github.com/nvr-ai/go-rrnet/loss"

// Metric names reported by TrainerState.Averages.
const (
	MetricTotal  = "train/total_loss"
	MetricHM     = "train/hm_loss"
	MetricWH     = "train/wh_loss"
	MetricOffset = "train/off_loss"
	MetricS2     = "train/s2_reg_loss"
	MetricLR     = "train/lr"
	MetricSkip   = "train/skipped_steps"
)

// Step phases timed by the trainer. Their mean wall time per logging window is
// reported as TimingPrefix+phase+"_ms".
const (
	PhaseFetch    = "fetch"
	PhaseForward  = "forward"
	PhaseLoss     = "loss"
	PhaseBackward = "backward"
	PhaseSync     = "sync"

	TimingPrefix = "time/"
)

// TrainerState is the mutable state of a run.
type TrainerState struct {
	// Step is the next step to run.
	Step int
	// Steps counts the steps accumulated since the last Reset.
	Steps int
	// Skipped counts the steps since the last Reset whose batch failed to load.
	Skipped int

	total, hm, wh, offset, s2 float64
}

// Add accumulates the loss terms of one step.
func (s *TrainerState) Add(r *loss.Result) {
	s.Steps++
	s.total += r.Total
	s.hm += r.HM
	s.wh += r.WH
	s.offset += r.Offset
	s.s2 += r.S2
}

// Reset clears the accumulators. Step is kept.
func (s *TrainerState) Reset() {
	*s = TrainerState{Step: s.Step}
}

// Averages returns the mean loss terms over the accumulated steps and the
// number of skipped steps.
func (s *TrainerState) Averages() map[string]float64 {
	n := float64(max(s.Steps, 1))
	return map[string]float64{
		MetricTotal:  s.total / n,
		MetricHM:     s.hm / n,
		MetricWH:     s.wh / n,
		MetricOffset: s.offset / n,
		MetricS2:     s.s2 / n,
		MetricSkip:   float64(s.Skipped),
	}
}
