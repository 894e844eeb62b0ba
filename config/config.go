// Package config holds the immutable run configuration. It is built once
// at startup from the command line and passed by value into every
// component constructor; nothing reads configuration from ambient state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Arch selects one of the supported generator architectures.
type Arch int

const (
	ArchSRGAN Arch = iota
	ArchSRResNet
)

func (a Arch) String() string {
	switch a {
	case ArchSRGAN:
		return "srgan"
	case ArchSRResNet:
		return "srresnet"
	}
	return "unknown"
}

// ParseArch resolves an architecture name to its enum value. Resolution
// happens exactly once, in main; the rest of the program only sees Arch.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "srgan":
		return ArchSRGAN, nil
	case "srresnet":
		return ArchSRResNet, nil
	}
	return 0, fmt.Errorf("unknown architecture %q (choose srgan or srresnet)", name)
}

// Config is the complete run configuration. All fields are set before
// training starts and never mutated afterwards.
type Config struct {
	DataRoot string
	Arch     Arch
	Workers  int

	PSNREpochs     int
	StartPSNREpoch int
	GANEpochs      int
	StartGANEpoch  int

	BatchSize int
	PSNRLR    float64
	GANLR     float64

	ImageSize     int
	UpscaleFactor int

	ResumePSNR string
	ResumeD    string
	ResumeG    string
	Pretrained string

	WorldSize int
	Rank      int
	DistURL   string
	Backend   string

	Device string
	Seed   int64
	Seeded bool

	WeightsDir string
	RunsDir    string
}

// Validate fails fast on configuration errors, before any model or
// dataset is constructed.
func (c Config) Validate() error {
	switch c.UpscaleFactor {
	case 2, 4, 8:
	default:
		return fmt.Errorf("upscale factor must be one of 2, 4, 8, got %d", c.UpscaleFactor)
	}
	if c.DataRoot == "" {
		return fmt.Errorf("dataset root is required")
	}
	if fi, err := os.Stat(c.DataRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("dataset root %q is not a directory", c.DataRoot)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ImageSize <= 0 || c.ImageSize%c.UpscaleFactor != 0 {
		return fmt.Errorf("image size %d must be positive and divisible by the upscale factor %d",
			c.ImageSize, c.UpscaleFactor)
	}
	if c.PSNREpochs < 0 || c.GANEpochs < 0 {
		return fmt.Errorf("epoch counts must be non-negative")
	}
	if c.StartPSNREpoch < 0 || c.StartPSNREpoch > c.PSNREpochs {
		return fmt.Errorf("start psnr epoch %d out of range [0, %d]", c.StartPSNREpoch, c.PSNREpochs)
	}
	if c.StartGANEpoch < 0 || c.StartGANEpoch > c.GANEpochs {
		return fmt.Errorf("start gan epoch %d out of range [0, %d]", c.StartGANEpoch, c.GANEpochs)
	}
	if c.Distributed() {
		if c.DistURL == "" {
			return fmt.Errorf("world size %d requires a rendezvous address", c.WorldSize)
		}
		if c.Rank < 0 || c.Rank >= c.WorldSize {
			return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
		}
		if c.Backend != "tcp" {
			return fmt.Errorf("unsupported distributed backend %q (only tcp)", c.Backend)
		}
	}
	return nil
}

// Distributed reports whether this run is data-parallel replicated.
func (c Config) Distributed() bool { return c.WorldSize > 1 }

// ReplicaBatchSize is the per-process batch size: the configured batch
// size divided across replicas, never below 1.
func (c Config) ReplicaBatchSize() int {
	if !c.Distributed() {
		return c.BatchSize
	}
	b := c.BatchSize / c.WorldSize
	if b < 1 {
		b = 1
	}
	return b
}

// TrainDir and TestDir are the dataset split locations under the root.
func (c Config) TrainDir() string { return filepath.Join(c.DataRoot, "train") }
func (c Config) TestDir() string  { return filepath.Join(c.DataRoot, "test") }

// BestPSNRPath is the fixed best-generator checkpoint the PSNR phase
// reloads at the end of every epoch.
func (c Config) BestPSNRPath() string { return filepath.Join(c.WeightsDir, "PSNR.gob") }

// PSNRCheckpointPath names the per-epoch generator checkpoint of phase 1.
// The file name carries the 0-based loop epoch; the record inside carries
// the completed-epoch boundary, which is one higher.
func (c Config) PSNRCheckpointPath(epoch int) string {
	return filepath.Join(c.WeightsDir, fmt.Sprintf("PSNR_epoch%d.gob", epoch))
}

func (c Config) DiscriminatorCheckpointPath(epoch int) string {
	return filepath.Join(c.WeightsDir, fmt.Sprintf("Discriminator_epoch%d.gob", epoch))
}

func (c Config) GeneratorCheckpointPath(epoch int) string {
	return filepath.Join(c.WeightsDir, fmt.Sprintf("Generator_epoch%d.gob", epoch))
}
