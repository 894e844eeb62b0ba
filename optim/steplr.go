package optim

import "math"

// StepLR decays an optimizer's learning rate by gamma every stepSize
// completed epochs. Step is called exactly once per completed epoch; the
// rate arithmetic itself is pure so resumed runs can recompute it from
// the epoch index alone.
type StepLR struct {
	opt      *Adam
	baseLR   float64
	stepSize int
	gamma    float64
	epoch    int
}

// NewStepLR attaches a step schedule to opt. With stepSize = ganEpochs/2
// and gamma = 0.1 the rate is exactly 0.1x its initial value after
// ganEpochs/2 completed epochs.
func NewStepLR(opt *Adam, stepSize int, gamma float64) *StepLR {
	return &StepLR{
		opt:      opt,
		baseLR:   opt.LR(),
		stepSize: stepSize,
		gamma:    gamma,
	}
}

// LRAt returns the learning rate in effect after epoch completed epochs.
func (s *StepLR) LRAt(epoch int) float64 {
	if s.stepSize <= 0 {
		return s.baseLR
	}
	return s.baseLR * math.Pow(s.gamma, float64(epoch/s.stepSize))
}

// Step advances the schedule by one completed epoch and applies the
// resulting rate to the optimizer.
func (s *StepLR) Step() {
	s.epoch++
	s.opt.SetLR(s.LRAt(s.epoch))
}

// Epoch returns the number of completed epochs the schedule has seen.
func (s *StepLR) Epoch() int { return s.epoch }

// Resume fast-forwards the schedule to a completed-epoch count, applying
// the corresponding rate. Used when training restarts mid-phase.
func (s *StepLR) Resume(epoch int) {
	s.epoch = epoch
	s.opt.SetLR(s.LRAt(epoch))
}
