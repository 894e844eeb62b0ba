// Package model defines the trainable networks of the SRGAN recipe as
// gotorch modules, a closed factory over the supported generator
// architectures, and the three loss functions of the training protocol.
package model

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"srgan/config"
)

// Module is the surface the trainer needs from a network. Gotorch modules
// satisfy it; the trainer never depends on a concrete architecture.
// NamedParameters excludes buffers such as batch-norm running statistics,
// which is what optimizers must iterate; StateDict includes them, which is
// what checkpoints must carry.
type Module interface {
	Forward(x torch.Tensor) torch.Tensor
	StateDict() map[string]torch.Tensor
	SetStateDict(states map[string]torch.Tensor) error
	NamedParameters() map[string]torch.Tensor
	To(device torch.Device, dtype ...int8)
}

// NewGenerator builds the generator for the chosen architecture. The
// factory is resolved once at startup; there is no name registry.
func NewGenerator(arch config.Arch, upscaleFactor int) (Module, error) {
	switch arch {
	case config.ArchSRGAN, config.ArchSRResNet:
		return SRResNet(upscaleFactor), nil
	}
	return nil, fmt.Errorf("no generator for architecture %v", arch)
}

// SRResNetModule is the super-resolution generator: a residual conv trunk
// at low resolution followed by transposed-conv upsampling stages.
type SRResNetModule struct {
	nn.Module
	ConvIn   *nn.Conv2dModule
	Res1     *nn.Conv2dModule
	Res2     *nn.Conv2dModule
	BN1      *nn.BatchNorm2dModule
	BN2      *nn.BatchNorm2dModule
	Up       []*nn.ConvTranspose2dModule
	ConvOut  *nn.Conv2dModule
	upscale  int
}

// SRResNet builds a generator that upscales by factor (2, 4 or 8), one
// transposed-conv stage per factor of 2.
func SRResNet(upscaleFactor int) *SRResNetModule {
	r := &SRResNetModule{
		ConvIn:  nn.Conv2d(3, 64, 9, 1, 4, 1, 1, true, "zeros"),
		Res1:    nn.Conv2d(64, 64, 3, 1, 1, 1, 1, false, "zeros"),
		Res2:    nn.Conv2d(64, 64, 3, 1, 1, 1, 1, false, "zeros"),
		BN1:     nn.BatchNorm2d(64, 1e-5, 0.1, true, true),
		BN2:     nn.BatchNorm2d(64, 1e-5, 0.1, true, true),
		ConvOut: nn.Conv2d(64, 3, 9, 1, 4, 1, 1, true, "zeros"),
		upscale: upscaleFactor,
	}
	for f := upscaleFactor; f > 1; f /= 2 {
		r.Up = append(r.Up, nn.ConvTranspose2d(64, 64, 4, 2, 1, 0, 1, true, 1, "zeros"))
	}
	r.Init(r)
	return r
}

func (m *SRResNetModule) Forward(x torch.Tensor) torch.Tensor {
	x = torch.Relu(m.ConvIn.Forward(x))
	res := m.BN2.Forward(m.Res2.Forward(torch.Relu(m.BN1.Forward(m.Res1.Forward(x)))))
	x = torch.Add(x, res, 1)
	for _, up := range m.Up {
		x = torch.Relu(up.Forward(x))
	}
	// Sigmoid keeps the output in [0, 1], the range of ToTensor targets.
	return m.ConvOut.Forward(x).Sigmoid()
}

// DiscriminatorModule classifies images as real or generated, one sigmoid
// score per sample shaped [batch, 1].
type DiscriminatorModule struct {
	nn.Module
	Conv1 *nn.Conv2dModule
	Conv2 *nn.Conv2dModule
	Conv3 *nn.Conv2dModule
	Conv4 *nn.Conv2dModule
}

// NewDiscriminator builds the real/fake classifier for high-resolution
// images of the given size.
func NewDiscriminator(imageSize int) *DiscriminatorModule {
	r := &DiscriminatorModule{
		Conv1: nn.Conv2d(3, 64, 3, 2, 1, 1, 1, true, "zeros"),
		Conv2: nn.Conv2d(64, 128, 3, 2, 1, 1, 1, true, "zeros"),
		Conv3: nn.Conv2d(128, 256, 3, 2, 1, 1, 1, true, "zeros"),
		// Final conv collapses the remaining spatial extent to 1x1.
		Conv4: nn.Conv2d(256, 1, 3, 1, 1, 1, 1, true, "zeros"),
	}
	r.Init(r)
	return r
}

func (m *DiscriminatorModule) Forward(x torch.Tensor) torch.Tensor {
	x = torch.LeakyRelu(m.Conv1.Forward(x), 0.2)
	x = torch.LeakyRelu(m.Conv2.Forward(x), 0.2)
	x = torch.LeakyRelu(m.Conv3.Forward(x), 0.2)
	x = m.Conv4.Forward(x)
	// Global average over the spatial map, then sigmoid: [b, 1].
	b := x.Shape()[0]
	return F.AdaptiveAvgPool2d(x, []int64{1, 1}).View(b, 1).Sigmoid()
}

// FeatureExtractorModule is the default perceptual feature network used by
// the content loss and the LPIPS-style score. It stands in for the
// pretrained VGG5.4 slice of the reference recipe; weights can be replaced
// through SetStateDict when a pretrained file is supplied.
type FeatureExtractorModule struct {
	nn.Module
	Conv1 *nn.Conv2dModule
	Conv2 *nn.Conv2dModule
	Conv3 *nn.Conv2dModule
}

func NewFeatureExtractor() *FeatureExtractorModule {
	r := &FeatureExtractorModule{
		Conv1: nn.Conv2d(3, 64, 3, 1, 1, 1, 1, true, "zeros"),
		Conv2: nn.Conv2d(64, 128, 3, 2, 1, 1, 1, true, "zeros"),
		Conv3: nn.Conv2d(128, 256, 3, 2, 1, 1, 1, true, "zeros"),
	}
	r.Init(r)
	return r
}

func (m *FeatureExtractorModule) Forward(x torch.Tensor) torch.Tensor {
	x = torch.Relu(m.Conv1.Forward(x))
	x = torch.Relu(m.Conv2.Forward(x))
	return m.Conv3.Forward(x)
}
