package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter("MSE Loss", "%.6f")
	assert.Equal(t, 0.0, m.Average())

	m.Update(1.0, 1)
	m.Update(3.0, 1)
	assert.Equal(t, 2.0, m.Average())

	m.Reset()
	assert.Equal(t, 0.0, m.Average())
}

func TestAverageMeterWeighted(t *testing.T) {
	m := NewAverageMeter("loss", "%.4f")
	m.Update(1.0, 3)
	m.Update(5.0, 1)
	assert.InDelta(t, 2.0, m.Average(), 1e-12)
}

func TestProgressMeterDisplay(t *testing.T) {
	batchTime := NewAverageMeter("Time", "%.4f")
	losses := NewAverageMeter("MSE Loss", "%.6f")
	batchTime.Update(0.5, 1)
	losses.Update(0.25, 2)

	p := NewProgressMeter(1250, "Epoch: [3]", batchTime, losses)
	line := p.Display(200)
	assert.Contains(t, line, "Epoch: [3]")
	assert.Contains(t, line, "200/1250")
	assert.Contains(t, line, "Time 0.5000")
	assert.Contains(t, line, "MSE Loss 0.250000")
}

func TestGlobalIterStrictlyIncreasing(t *testing.T) {
	const batchesPerEpoch = 7
	prev := 0
	for epoch := 0; epoch < 3; epoch++ {
		for batch := 0; batch < batchesPerEpoch; batch++ {
			iters := GlobalIter(batch, epoch, batchesPerEpoch)
			require.Equal(t, batch+epoch*batchesPerEpoch+1, iters)
			require.Greater(t, iters, prev)
			prev = iters
		}
	}
}
