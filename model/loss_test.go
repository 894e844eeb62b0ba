package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	torch "github.com/wangkuiyi/gotorch"
)

func TestPixelLossIsMeanSquaredError(t *testing.T) {
	sr := torch.Full([]int64{2, 3, 4, 4}, 2, false)
	hr := torch.Full([]int64{2, 3, 4, 4}, 0.5, false)

	loss := float64(PixelLoss(sr, hr).Item().(float32))
	assert.InDelta(t, 2.25, loss, 1e-6)
}

func TestPixelLossNonNegative(t *testing.T) {
	sr := torch.RandN([]int64{2, 3, 4, 4}, false)
	hr := torch.RandN([]int64{2, 3, 4, 4}, false)
	loss := float64(PixelLoss(sr, hr).Item().(float32))
	assert.GreaterOrEqual(t, loss, 0.0)

	same := torch.Full([]int64{2, 3}, 0.75, false)
	assert.InDelta(t, 0.0, float64(PixelLoss(same, same).Item().(float32)), 1e-7)
}

func TestAdversarialLossAtHalf(t *testing.T) {
	output := torch.Full([]int64{4, 1}, 0.5, false)
	real := torch.Full([]int64{4, 1}, 1, false)

	loss := float64(AdversarialLoss(output, real).Item().(float32))
	assert.InDelta(t, math.Log(2), loss, 1e-5)
}

func TestLabelShapes(t *testing.T) {
	device := torch.NewDevice("cpu")
	real := RealLabels(3, device)
	fake := FakeLabels(3, device)
	assert.Equal(t, []int64{3, 1}, real.Shape())
	assert.Equal(t, []int64{3, 1}, fake.Shape())
	assert.InDelta(t, 1.0, float64(real.Mean().Item().(float32)), 1e-7)
	assert.InDelta(t, 0.0, float64(fake.Mean().Item().(float32)), 1e-7)
}

func TestGeneratorOutputShape(t *testing.T) {
	gen := SRResNet(2)
	lr := torch.RandN([]int64{1, 3, 8, 8}, false)
	sr := gen.Forward(lr)
	assert.Equal(t, []int64{1, 3, 16, 16}, sr.Shape())
}

func TestDiscriminatorOutputShape(t *testing.T) {
	disc := NewDiscriminator(16)
	hr := torch.RandN([]int64{2, 3, 16, 16}, false)
	out := disc.Forward(hr)
	assert.Equal(t, []int64{2, 1}, out.Shape())
}
