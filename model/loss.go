package model

import (
	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

// AdversarialWeight scales the adversarial term of the generator loss:
// g_loss = content + AdversarialWeight * adversarial.
const AdversarialWeight = 0.001

// PixelLoss is the mean squared per-element difference between the
// super-resolved output and the high-resolution target.
func PixelLoss(sr, hr torch.Tensor) torch.Tensor {
	diff := torch.Sub(sr, hr, 1)
	return diff.Mul(diff).Mean()
}

// AdversarialLoss is the binary cross entropy between discriminator
// scores and the real/fake label batch.
func AdversarialLoss(output, label torch.Tensor) torch.Tensor {
	return F.BinaryCrossEntropy(output, label, torch.Tensor{}, "mean")
}

// ContentLoss measures the distance between generator output and target
// in the feature space of a perceptual extractor. The target side is
// detached: no gradient ever flows into target-side computation.
type ContentLoss struct {
	features *FeatureExtractorModule
}

func NewContentLoss(features *FeatureExtractorModule) *ContentLoss {
	return &ContentLoss{features: features}
}

func (c *ContentLoss) Forward(sr, hr torch.Tensor) torch.Tensor {
	srFeat := c.features.Forward(sr)
	hrFeat := c.features.Forward(hr.Detach())
	return PixelLoss(srFeat, hrFeat)
}

// RealLabels and FakeLabels build the per-sample label batches fed to the
// adversarial loss, shaped [batch, 1] to match the discriminator output.
func RealLabels(batchSize int64, device torch.Device) torch.Tensor {
	return torch.Full([]int64{batchSize, 1}, 1, false).To(device, torch.Float)
}

func FakeLabels(batchSize int64, device torch.Device) torch.Tensor {
	return torch.Full([]int64{batchSize, 1}, 0, false).To(device, torch.Float)
}
