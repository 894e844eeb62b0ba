// Command srgan trains a super-resolution GAN in two sequential phases:
// pixel-loss (PSNR) pretraining of the generator, then adversarial
// fine-tuning of a discriminator/generator pair with content + 0.001 *
// adversarial loss.
package main

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
	"go.uber.org/zap"

	"srgan/config"
	"srgan/data"
	"srgan/dist"
	"srgan/eval"
	"srgan/model"
	"srgan/optim"
	"srgan/train"
)

func main() {
	var (
		archName string
		seed     int64
		cfg      config.Config
	)

	root := &cobra.Command{
		Use:   "srgan DATA_DIR",
		Short: "Photo-realistic single image super-resolution using a generative adversarial network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DataRoot = args[0]
			arch, err := config.ParseArch(archName)
			if err != nil {
				return err
			}
			cfg.Arch = arch
			cfg.Seeded = cmd.Flags().Changed("seed")
			cfg.Seed = seed
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	f := root.Flags()
	f.StringVarP(&archName, "arch", "a", "srgan", "model architecture: srgan | srresnet")
	f.IntVarP(&cfg.Workers, "workers", "j", 4, "number of data loading workers")
	f.IntVar(&cfg.PSNREpochs, "psnr-epochs", 20000, "number of total psnr epochs to run")
	f.IntVar(&cfg.StartPSNREpoch, "start-psnr-epoch", 0, "manual psnr epoch number (useful on restarts)")
	f.IntVar(&cfg.GANEpochs, "gan-epochs", 4000, "number of total gan epochs to run")
	f.IntVar(&cfg.StartGANEpoch, "start-gan-epoch", 0, "manual gan epoch number (useful on restarts)")
	f.IntVarP(&cfg.BatchSize, "batch-size", "b", 16, "mini-batch size, divided across replicas")
	f.Float64Var(&cfg.PSNRLR, "psnr-lr", 0.0001, "learning rate for the psnr phase")
	f.Float64Var(&cfg.GANLR, "gan-lr", 0.0001, "learning rate for the gan phase")
	f.IntVar(&cfg.ImageSize, "image-size", 96, "size of the high resolution crop")
	f.IntVar(&cfg.UpscaleFactor, "upscale-factor", 4, "low to high resolution scaling factor: 2 | 4 | 8")
	f.StringVar(&cfg.ResumePSNR, "resume-psnr", "", "path to latest psnr checkpoint")
	f.StringVar(&cfg.ResumeD, "resume-d", "", "path to latest discriminator checkpoint")
	f.StringVar(&cfg.ResumeG, "resume-g", "", "path to latest generator checkpoint")
	f.StringVar(&cfg.Pretrained, "pretrained", "", "path to pretrained perceptual-extractor weights")
	f.IntVar(&cfg.WorldSize, "world-size", 1, "number of replicas for distributed training")
	f.IntVar(&cfg.Rank, "rank", 0, "replica rank for distributed training")
	f.StringVar(&cfg.DistURL, "dist-url", "", "rendezvous address for distributed training")
	f.StringVar(&cfg.Backend, "dist-backend", "tcp", "distributed backend")
	f.StringVar(&cfg.Device, "device", "", "compute device: cpu | cuda (default: cuda when available)")
	f.Int64Var(&seed, "seed", 0, "seed for initializing training")
	f.StringVar(&cfg.WeightsDir, "weights-dir", "weights", "checkpoint directory")
	f.StringVar(&cfg.RunsDir, "runs-dir", "runs", "plot logs and sample image directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(
		zap.String("run_id", uuid.NewString()),
		zap.Int("rank", cfg.Rank))

	if cfg.Seeded {
		rand.Seed(cfg.Seed)
		initializer.ManualSeed(cfg.Seed)
		logger.Warn("seeded training is deterministic but can be slower, and restarts from checkpoints may behave unexpectedly")
	}

	device := pickDevice(cfg, logger)

	generator, err := model.NewGenerator(cfg.Arch, cfg.UpscaleFactor)
	if err != nil {
		return err
	}
	discriminator := model.NewDiscriminator(cfg.ImageSize)
	features := model.NewFeatureExtractor()
	if cfg.Pretrained != "" {
		if err := loadPretrainedFeatures(features, cfg.Pretrained); err != nil {
			return err
		}
		logger.Info("loaded pretrained perceptual extractor", zap.String("path", cfg.Pretrained))
	}
	generator.To(device)
	discriminator.To(device)
	features.To(device)

	logger.Info("loss functions",
		zap.String("pixel", "MSELoss"),
		zap.String("perceptual", "feature-space MSE"),
		zap.String("adversarial", "BCELoss"))

	psnrOpt := optim.NewAdam(generator.NamedParameters(), cfg.PSNRLR, device)
	dOpt := optim.NewAdam(discriminator.NamedParameters(), cfg.GANLR, device)
	gOpt := optim.NewAdam(generator.NamedParameters(), cfg.GANLR, device)
	dSched := optim.NewStepLR(dOpt, cfg.GANEpochs/2, 0.1)
	gSched := optim.NewStepLR(gOpt, cfg.GANEpochs/2, 0.1)
	logger.Info("optimizers",
		zap.Float64("psnr_lr", cfg.PSNRLR),
		zap.Float64("gan_lr", cfg.GANLR),
		zap.Int("scheduler_step", cfg.GANEpochs/2),
		zap.Float64("scheduler_gamma", 0.1))

	trainSet, err := data.NewTrainDataset(cfg.TrainDir(), cfg.ImageSize, cfg.UpscaleFactor, cfg.Seed)
	if err != nil {
		return err
	}
	testSet, err := data.NewTestDataset(cfg.TestDir(), cfg.ImageSize, cfg.UpscaleFactor)
	if err != nil {
		return err
	}
	logger.Info("datasets",
		zap.String("train", cfg.TrainDir()), zap.Int("train_samples", trainSet.Len()),
		zap.String("test", cfg.TestDir()), zap.Int("test_samples", testSet.Len()),
		zap.Int("replica_batch_size", cfg.ReplicaBatchSize()))

	group, err := dist.New(cfg.Rank, cfg.WorldSize, cfg.DistURL, device)
	if err != nil {
		return err
	}
	defer group.Close()

	engine, err := train.NewEngine(cfg, logger, device, train.Deps{
		Generator:     generator,
		Discriminator: discriminator,
		Content:       model.NewContentLoss(features),
		PSNROpt:       psnrOpt,
		DOpt:          dOpt,
		GOpt:          gOpt,
		DSched:        dSched,
		GSched:        gSched,
		Group:         group,
		Evaluator:     eval.NewBasic(features),
		TrainSet:      trainSet,
		TestSet:       testSet,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	logger.Info("training",
		zap.Int("psnr_epochs", cfg.PSNREpochs),
		zap.Int("gan_epochs", cfg.GANEpochs))
	if err := engine.Run(); err != nil {
		logger.Error("training failed", zap.Error(err))
		return err
	}
	logger.Info("all training completed successfully")
	return nil
}

func pickDevice(cfg config.Config, logger *zap.Logger) torch.Device {
	switch cfg.Device {
	case "cpu":
		return torch.NewDevice("cpu")
	case "cuda":
		return torch.NewDevice("cuda")
	}
	if torch.IsCUDAAvailable() {
		logger.Info("CUDA is available")
		return torch.NewDevice("cuda")
	}
	logger.Warn("no CUDA found, using CPU; this will be slow")
	return torch.NewDevice("cpu")
}

func loadPretrainedFeatures(features *model.FeatureExtractorModule, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pretrained weights %s: %w", path, err)
	}
	defer f.Close()
	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return fmt.Errorf("decode pretrained weights %s: %w", path, err)
	}
	return features.SetStateDict(states)
}
