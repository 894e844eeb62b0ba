package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"srgan/checkpoint"
	"srgan/config"
	"srgan/data"
	"srgan/dist"
	"srgan/eval"
	"srgan/model"
	"srgan/optim"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	return config.Config{
		DataRoot:      base,
		Arch:          config.ArchSRGAN,
		Workers:       1,
		PSNREpochs:    1,
		GANEpochs:     1,
		BatchSize:     2,
		PSNRLR:        0.0001,
		GANLR:         0.0001,
		ImageSize:     16,
		UpscaleFactor: 2,
		WorldSize:     1,
		Backend:       "tcp",
		WeightsDir:    filepath.Join(base, "weights"),
		RunsDir:       filepath.Join(base, "runs"),
	}
}

func syntheticSet(n int) data.Pairs {
	pairs := make(data.Pairs, n)
	for i := range pairs {
		pairs[i] = data.Pair{
			LR: torch.RandN([]int64{3, 8, 8}, false),
			HR: torch.RandN([]int64{3, 16, 16}, false),
		}
	}
	return pairs
}

func newTestEngine(t *testing.T, cfg config.Config, logger *zap.Logger) *Engine {
	t.Helper()
	cpu := torch.NewDevice("cpu")
	gen := model.SRResNet(cfg.UpscaleFactor)
	disc := model.NewDiscriminator(cfg.ImageSize)
	features := model.NewFeatureExtractor()

	psnrOpt := optim.NewAdam(gen.NamedParameters(), cfg.PSNRLR, cpu)
	dOpt := optim.NewAdam(disc.NamedParameters(), cfg.GANLR, cpu)
	gOpt := optim.NewAdam(gen.NamedParameters(), cfg.GANLR, cpu)

	engine, err := NewEngine(cfg, logger, cpu, Deps{
		Generator:     gen,
		Discriminator: disc,
		Content:       model.NewContentLoss(features),
		PSNROpt:       psnrOpt,
		DOpt:          dOpt,
		GOpt:          gOpt,
		DSched:        optim.NewStepLR(dOpt, cfg.GANEpochs/2, 0.1),
		GSched:        optim.NewStepLR(gOpt, cfg.GANEpochs/2, 0.1),
		Group:         dist.Noop{},
		Evaluator:     eval.NewBasic(features),
		TrainSet:      syntheticSet(4),
		TestSet:       syntheticSet(2),
	})
	require.NoError(t, err)
	return engine
}

func TestRunTwoPhasesEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg, zap.NewNop())
	defer engine.Close()

	require.NoError(t, engine.Run())

	rec, err := checkpoint.Load(cfg.PSNRCheckpointPath(0))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Epoch)
	assert.Equal(t, "srgan", rec.Arch)

	recD, err := checkpoint.Load(cfg.DiscriminatorCheckpointPath(0))
	require.NoError(t, err)
	assert.Equal(t, 1, recD.Epoch)
	assert.Equal(t, "vgg", recD.Arch)

	recG, err := checkpoint.Load(cfg.GeneratorCheckpointPath(0))
	require.NoError(t, err)
	assert.Equal(t, 1, recG.Epoch)

	for _, tag := range []string{"srgan_psnr", "srgan_gan"} {
		raw, err := os.ReadFile(filepath.Join(cfg.RunsDir, tag+"_logs.txt"))
		require.NoError(t, err)
		for _, series := range []string{"Test/PSNR", "Test/SSIM", "Test/LPIPS", "Test/GMSD"} {
			assert.Contains(t, string(raw), series+"\t", "%s in %s", series, tag)
		}
	}
}

func TestResumeMissingCheckpointKeepsStartEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartPSNREpoch = 0
	cfg.ResumePSNR = filepath.Join(cfg.WeightsDir, "definitely-absent.gob")

	core, logs := observer.New(zap.WarnLevel)
	engine := newTestEngine(t, cfg, zap.New(core))
	defer engine.Close()

	require.NoError(t, engine.Resume())
	psnr, gan := engine.StartEpochs()
	assert.Equal(t, 0, psnr)
	assert.Equal(t, 0, gan)
	assert.Equal(t, 1, logs.FilterMessage("no checkpoint found, training from scratch").Len())
}

func TestResumeFromCheckpointAdvancesStartEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResumePSNR = filepath.Join(cfg.WeightsDir, "PSNR_epoch4.gob")

	gen := model.SRResNet(cfg.UpscaleFactor)
	rec := checkpoint.Record{
		Epoch: 5,
		Arch:  "srgan",
		State: gen.StateDict(),
		Optimizer: optim.State{
			M:    map[string]torch.Tensor{},
			V:    map[string]torch.Tensor{},
			Step: 10,
		},
	}
	require.NoError(t, checkpoint.Save(cfg.ResumePSNR, rec))

	engine := newTestEngine(t, cfg, zap.NewNop())
	defer engine.Close()

	require.NoError(t, engine.Resume())
	psnr, _ := engine.StartEpochs()
	assert.Equal(t, 5, psnr)
}

func TestReloadBestPSNRSkipsWhenAbsent(t *testing.T) {
	cfg := testConfig(t)
	core, logs := observer.New(zap.WarnLevel)
	engine := newTestEngine(t, cfg, zap.New(core))
	defer engine.Close()

	require.NoError(t, engine.reloadBestPSNR())
	assert.Equal(t, 1, logs.FilterMessage("best psnr checkpoint absent, keeping current generator").Len())
}
