// Package eval scores a generator against the test set once per epoch.
// The trainer treats this as an opaque call that returns four image
// quality scores; any failure here propagates and ends the run.
package eval

import (
	"fmt"
	"math"
	"unsafe"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"srgan/data"
	"srgan/model"
)

// Scores are the per-epoch quality metrics of the generator.
type Scores struct {
	PSNR  float64
	SSIM  float64
	LPIPS float64
	GMSD  float64
}

// Evaluator scores a generator over one pass of test batches.
type Evaluator interface {
	Evaluate(gen model.Module, loader *data.Loader, device torch.Device) (Scores, error)
}

// Basic computes PSNR, a global-statistics SSIM, a perceptual distance in
// the feature space of the supplied extractor (the LPIPS slot), and GMSD
// from Prewitt gradient maps.
type Basic struct {
	features *model.FeatureExtractorModule
}

func NewBasic(features *model.FeatureExtractorModule) *Basic {
	return &Basic{features: features}
}

func (e *Basic) Evaluate(gen model.Module, loader *data.Loader, device torch.Device) (Scores, error) {
	var sum Scores
	batches := 0
	for loader.Scan() {
		lr, hr := loader.Minibatch()
		lr = lr.To(device, lr.Dtype())
		hr = hr.To(device, hr.Dtype())
		out := gen.Forward(lr)
		sr := out.Detach()

		mse := float64(model.PixelLoss(sr, hr).Item().(float32))
		if mse <= 0 {
			mse = 1e-10
		}
		sum.PSNR += 10 * math.Log10(1/mse)
		sum.SSIM += ssim(sr, hr)
		srFeat := e.features.Forward(sr)
		hrFeat := e.features.Forward(hr)
		sum.LPIPS += float64(model.PixelLoss(srFeat.Detach(), hrFeat.Detach()).Item().(float32))
		sum.GMSD += gmsd(sr, hr, device)
		batches++
	}
	if err := loader.Err(); err != nil {
		return Scores{}, fmt.Errorf("evaluate: %w", err)
	}
	if batches == 0 {
		return Scores{}, fmt.Errorf("evaluate: empty test loader")
	}
	n := float64(batches)
	return Scores{
		PSNR:  sum.PSNR / n,
		SSIM:  sum.SSIM / n,
		LPIPS: sum.LPIPS / n,
		GMSD:  sum.GMSD / n,
	}, nil
}

const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
	gmsC   = 0.0026
)

// ssim computes the SSIM formula from whole-image statistics rather than
// a sliding gaussian window.
func ssim(x, y torch.Tensor) float64 {
	mx := mean(x)
	my := mean(y)
	vx := mean(x.Mul(x)) - mx*mx
	vy := mean(y.Mul(y)) - my*my
	cov := mean(x.Mul(y)) - mx*my
	return ((2*mx*my + ssimC1) * (2*cov + ssimC2)) /
		((mx*mx + my*my + ssimC1) * (vx + vy + ssimC2))
}

// gmsd is the standard deviation of the gradient magnitude similarity map
// between the luminance planes of x and y.
func gmsd(x, y torch.Tensor, device torch.Device) float64 {
	gx := gradientMagnitude(luminance(x, device), device)
	gy := gradientMagnitude(luminance(y, device), device)
	num := torch.Mul(torch.Mul(gx, gy), full(gx, 2, device))
	num = torch.Add(num, full(gx, gmsC, device), 1)
	den := torch.Add(torch.Mul(gx, gx), torch.Mul(gy, gy), 1)
	den = torch.Add(den, full(gx, gmsC, device), 1)
	gms := torch.Div(num, den)
	m := mean(gms)
	sq := mean(torch.Mul(gms, gms))
	v := sq - m*m
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// luminance averages the RGB planes to a single channel: [n,1,h,w].
func luminance(x torch.Tensor, device torch.Device) torch.Tensor {
	s := torch.Sum(x, map[string]interface{}{"dim": 1, "keepDim": true})
	return torch.Mul(s, full(s, 1.0/3.0, device))
}

var prewittH = []float32{1 / 3.0, 0, -1 / 3.0, 1 / 3.0, 0, -1 / 3.0, 1 / 3.0, 0, -1 / 3.0}
var prewittV = []float32{1 / 3.0, 1 / 3.0, 1 / 3.0, 0, 0, 0, -1 / 3.0, -1 / 3.0, -1 / 3.0}

func gradientMagnitude(l torch.Tensor, device torch.Device) torch.Tensor {
	kh := torch.FromBlob(unsafe.Pointer(&prewittH[0]), torch.Float, []int64{1, 1, 3, 3}).To(device, torch.Float)
	kv := torch.FromBlob(unsafe.Pointer(&prewittV[0]), torch.Float, []int64{1, 1, 3, 3}).To(device, torch.Float)
	gh := F.Conv2d(l, kh, torch.Tensor{}, []int64{1, 1}, []int64{1, 1}, []int64{1, 1}, 1)
	gv := F.Conv2d(l, kv, torch.Tensor{}, []int64{1, 1}, []int64{1, 1}, []int64{1, 1}, 1)
	mag2 := torch.Add(torch.Mul(gh, gh), torch.Mul(gv, gv), 1)
	return sqrtT(mag2, device)
}

// sqrtT computes the elementwise square root by Newton iteration, since
// the tensor engine carries no sqrt op. The seed (x+1)/2 bounds sqrt(x)
// from above for every x >= 0, so y stays positive and descends
// monotonically onto the root.
func sqrtT(x torch.Tensor, device torch.Device) torch.Tensor {
	half := full(x, 0.5, device)
	y := torch.Mul(torch.Add(x, full(x, 1, device), 1), half)
	for i := 0; i < 32; i++ {
		y = torch.Mul(torch.Add(y, torch.Div(x, y), 1), half)
	}
	return y
}

func mean(t torch.Tensor) float64 {
	return float64(t.Mean().Item().(float32))
}

func full(like torch.Tensor, v float64, device torch.Device) torch.Tensor {
	return torch.Full(like.Shape(), float32(v), false).To(device, torch.Float)
}
