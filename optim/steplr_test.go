package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	torch "github.com/wangkuiyi/gotorch"
)

func newTestAdam(lr float64) *Adam {
	return NewAdam(map[string]torch.Tensor{}, lr, torch.NewDevice("cpu"))
}

func TestStepLRHalfwayDecay(t *testing.T) {
	const ganEpochs = 4000
	opt := newTestAdam(0.0001)
	sched := NewStepLR(opt, ganEpochs/2, 0.1)

	for epoch := 1; epoch < ganEpochs/2; epoch++ {
		assert.InDelta(t, 0.0001, sched.LRAt(epoch), 1e-12, "epoch %d", epoch)
	}
	assert.InDelta(t, 0.00001, sched.LRAt(ganEpochs/2), 1e-12)
	assert.InDelta(t, 0.00001, sched.LRAt(ganEpochs-1), 1e-12)
}

func TestStepLRStepAppliesRate(t *testing.T) {
	opt := newTestAdam(0.001)
	sched := NewStepLR(opt, 2, 0.1)

	sched.Step()
	assert.InDelta(t, 0.001, opt.LR(), 1e-12)
	sched.Step()
	assert.InDelta(t, 0.0001, opt.LR(), 1e-12)
	assert.Equal(t, 2, sched.Epoch())
}

func TestStepLRResume(t *testing.T) {
	opt := newTestAdam(0.001)
	sched := NewStepLR(opt, 2, 0.1)

	sched.Resume(5)
	assert.Equal(t, 5, sched.Epoch())
	assert.InDelta(t, 0.00001, opt.LR(), 1e-12)
}

func TestStepLRZeroStepSizeKeepsBase(t *testing.T) {
	opt := newTestAdam(0.01)
	sched := NewStepLR(opt, 0, 0.1)
	sched.Step()
	assert.InDelta(t, 0.01, opt.LR(), 1e-12)
}
