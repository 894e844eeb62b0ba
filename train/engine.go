package train

import (
	"errors"
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"

	"srgan/checkpoint"
	"srgan/config"
	"srgan/data"
	"srgan/dist"
	"srgan/eval"
	"srgan/model"
	"srgan/optim"
)

// GlobalIter is the monotonically increasing iteration counter used for
// scalar logging and sample capture, spanning epoch boundaries.
func GlobalIter(batch, epoch, batchesPerEpoch int) int {
	return batch + epoch*batchesPerEpoch + 1
}

const (
	displayEvery = 100
	sampleEvery  = 1000
)

// Deps are the collaborators the engine drives. Everything is constructed
// up front in main; the engine owns only the control flow.
type Deps struct {
	Generator     model.Module
	Discriminator model.Module
	Content       *model.ContentLoss
	PSNROpt       *optim.Adam
	DOpt          *optim.Adam
	GOpt          *optim.Adam
	DSched        *optim.StepLR
	GSched        *optim.StepLR
	Group         dist.Group
	Evaluator     eval.Evaluator
	TrainSet      data.Dataset
	TestSet       data.Dataset
}

// Engine runs the two-phase training loop: all PSNR epochs, then all GAN
// epochs, with per-epoch evaluation, rank-0 checkpointing, and (GAN phase)
// learning-rate schedule steps. There is no early stopping.
type Engine struct {
	cfg    config.Config
	log    *zap.Logger
	device torch.Device
	cpu    torch.Device

	deps Deps

	psnrWriter *SummaryWriter
	ganWriter  *SummaryWriter
	samples    *SampleSaver

	startPSNR int
	startGAN  int
}

func NewEngine(cfg config.Config, logger *zap.Logger, device torch.Device, deps Deps) (*Engine, error) {
	psnrWriter, err := NewSummaryWriter(cfg.RunsDir, fmt.Sprintf("%s_psnr", cfg.Arch))
	if err != nil {
		return nil, err
	}
	ganWriter, err := NewSummaryWriter(cfg.RunsDir, fmt.Sprintf("%s_gan", cfg.Arch))
	if err != nil {
		return nil, err
	}
	samples, err := NewSampleSaver(cfg.RunsDir)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		log:        logger,
		device:     device,
		cpu:        torch.NewDevice("cpu"),
		deps:       deps,
		psnrWriter: psnrWriter,
		ganWriter:  ganWriter,
		samples:    samples,
		startPSNR:  cfg.StartPSNREpoch,
		startGAN:   cfg.StartGANEpoch,
	}, nil
}

// Close releases the scalar sinks.
func (e *Engine) Close() {
	e.psnrWriter.Close()
	e.ganWriter.Close()
}

// StartEpochs exposes the effective start epochs after resume, mainly for
// inspection in tests.
func (e *Engine) StartEpochs() (psnr, gan int) { return e.startPSNR, e.startGAN }

// Run executes both phases to completion and returns the first
// unrecovered error. The optional resume at startup is the only recovery
// behavior anywhere in the loop.
func (e *Engine) Run() error {
	defer torch.FinishGC()

	if err := e.Resume(); err != nil {
		return err
	}

	for epoch := e.startPSNR; epoch < e.cfg.PSNREpochs; epoch++ {
		if err := e.trainPSNREpoch(epoch); err != nil {
			return fmt.Errorf("psnr epoch %d: %w", epoch, err)
		}
		if err := e.evaluateEpoch(e.psnrWriter, epoch); err != nil {
			return fmt.Errorf("psnr epoch %d: %w", epoch, err)
		}
		if e.deps.Group.Rank() == 0 {
			if err := e.saveGenerator(e.cfg.PSNRCheckpointPath(epoch), epoch+1, e.cfg.Arch.String(), e.deps.PSNROpt); err != nil {
				return err
			}
		}
		if err := e.reloadBestPSNR(); err != nil {
			return err
		}
	}

	for epoch := e.startGAN; epoch < e.cfg.GANEpochs; epoch++ {
		if err := e.trainGANEpoch(epoch); err != nil {
			return fmt.Errorf("gan epoch %d: %w", epoch, err)
		}
		if err := e.evaluateEpoch(e.ganWriter, epoch); err != nil {
			return fmt.Errorf("gan epoch %d: %w", epoch, err)
		}
		if e.deps.Group.Rank() == 0 {
			if err := e.saveModule(e.cfg.DiscriminatorCheckpointPath(epoch), epoch+1, "vgg",
				e.deps.Discriminator, e.deps.DOpt); err != nil {
				return err
			}
			if err := e.saveGenerator(e.cfg.GeneratorCheckpointPath(epoch), epoch+1, e.cfg.Arch.String(), e.deps.GOpt); err != nil {
				return err
			}
		}
		e.deps.DSched.Step()
		e.deps.GSched.Step()
	}
	return nil
}

// Resume applies the optional checkpoint resumes. A missing file is
// logged and skipped; the start epochs keep their configured values.
func (e *Engine) Resume() error {
	if e.cfg.ResumePSNR != "" {
		rec, err := checkpoint.Load(e.cfg.ResumePSNR)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			e.log.Warn("no checkpoint found, training from scratch",
				zap.String("path", e.cfg.ResumePSNR))
		case err != nil:
			return err
		default:
			e.startPSNR = rec.Epoch
			if err := e.loadModule(e.deps.Generator, e.deps.PSNROpt, rec); err != nil {
				return err
			}
			e.rebindGenerator()
			e.log.Info("loaded psnr checkpoint",
				zap.String("path", e.cfg.ResumePSNR), zap.Int("epoch", rec.Epoch))
		}
	}
	if e.cfg.ResumeD != "" || e.cfg.ResumeG != "" {
		recD, errD := checkpoint.Load(e.cfg.ResumeD)
		recG, errG := checkpoint.Load(e.cfg.ResumeG)
		switch {
		case errors.Is(errD, checkpoint.ErrNotFound) || errors.Is(errG, checkpoint.ErrNotFound):
			e.log.Warn("no checkpoint found, training from scratch",
				zap.String("discriminator", e.cfg.ResumeD), zap.String("generator", e.cfg.ResumeG))
		case errD != nil:
			return errD
		case errG != nil:
			return errG
		default:
			e.startGAN = recD.Epoch
			if err := e.loadModule(e.deps.Discriminator, e.deps.DOpt, recD); err != nil {
				return err
			}
			if err := e.loadModule(e.deps.Generator, e.deps.GOpt, recG); err != nil {
				return err
			}
			e.rebindGenerator()
			e.deps.DSched.Resume(recD.Epoch)
			e.deps.GSched.Resume(recD.Epoch)
			e.log.Info("loaded gan checkpoints",
				zap.String("discriminator", e.cfg.ResumeD),
				zap.String("generator", e.cfg.ResumeG),
				zap.Int("epoch", recD.Epoch))
		}
	}
	return nil
}

// reloadBestPSNR loads the fixed best-generator checkpoint after every
// phase-1 epoch, guarding against regression. The file is produced by
// out-of-band model selection; when it does not exist yet the in-memory
// generator is kept and a warning says so.
func (e *Engine) reloadBestPSNR() error {
	path := e.cfg.BestPSNRPath()
	if !checkpoint.Exists(path) {
		e.log.Warn("best psnr checkpoint absent, keeping current generator",
			zap.String("path", path))
		return nil
	}
	rec, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := e.deps.Generator.SetStateDict(rec.State); err != nil {
		return fmt.Errorf("reload best psnr generator: %w", err)
	}
	e.deps.Generator.To(e.device)
	e.rebindGenerator()
	return nil
}

func (e *Engine) evaluateEpoch(w *SummaryWriter, epoch int) error {
	loader := data.NewLoader(e.deps.TestSet, data.LoaderOptions{
		BatchSize: e.cfg.ReplicaBatchSize(),
		Workers:   e.cfg.Workers,
	})
	defer loader.Close()
	scores, err := e.deps.Evaluator.Evaluate(e.deps.Generator, loader, e.device)
	if err != nil {
		return err
	}
	w.AddScalar("Test/PSNR", scores.PSNR, epoch+1)
	w.AddScalar("Test/SSIM", scores.SSIM, epoch+1)
	w.AddScalar("Test/LPIPS", scores.LPIPS, epoch+1)
	w.AddScalar("Test/GMSD", scores.GMSD, epoch+1)
	e.log.Info("evaluation",
		zap.Int("epoch", epoch+1),
		zap.Float64("psnr", scores.PSNR),
		zap.Float64("ssim", scores.SSIM),
		zap.Float64("lpips", scores.LPIPS),
		zap.Float64("gmsd", scores.GMSD))
	return nil
}

func (e *Engine) trainLoader(epoch int) *data.Loader {
	return data.NewLoader(e.deps.TrainSet, data.LoaderOptions{
		BatchSize: e.cfg.ReplicaBatchSize(),
		Shuffle:   true,
		Epoch:     epoch,
		Rank:      e.deps.Group.Rank(),
		WorldSize: e.deps.Group.WorldSize(),
		Workers:   e.cfg.Workers,
	})
}

func (e *Engine) saveGenerator(path string, epoch int, arch string, opt *optim.Adam) error {
	return e.saveModule(path, epoch, arch, e.deps.Generator, opt)
}

// saveModule snapshots one module's weights together with its optimizer
// state. Tensors are copied to CPU so records stay device-independent.
func (e *Engine) saveModule(path string, epoch int, arch string, m model.Module, opt *optim.Adam) error {
	rec := checkpoint.Record{
		Epoch:     epoch,
		Arch:      arch,
		State:     e.tensorsToCPU(m.StateDict()),
		Optimizer: e.optimizerToCPU(opt.State()),
	}
	if err := checkpoint.Save(path, rec); err != nil {
		return err
	}
	e.log.Info("saved checkpoint", zap.String("path", path), zap.Int("epoch", epoch))
	return nil
}

func (e *Engine) loadModule(m model.Module, opt *optim.Adam, rec checkpoint.Record) error {
	if err := m.SetStateDict(rec.State); err != nil {
		return fmt.Errorf("load state dict: %w", err)
	}
	m.To(e.device)
	// SetStateDict swaps the module's tensor fields for the checkpoint's,
	// so the optimizer must be repointed at the new parameters.
	opt.Rebind(m.NamedParameters())
	opt.LoadState(e.optimizerToDevice(rec.Optimizer))
	return nil
}

// rebindGenerator repoints both generator-bound optimizers after the
// generator's tensors have been replaced by a checkpoint load.
func (e *Engine) rebindGenerator() {
	params := e.deps.Generator.NamedParameters()
	e.deps.PSNROpt.Rebind(params)
	e.deps.GOpt.Rebind(params)
}

func (e *Engine) tensorsToCPU(states map[string]torch.Tensor) map[string]torch.Tensor {
	return e.moveTensors(states, e.cpu)
}

func (e *Engine) optimizerToCPU(s optim.State) optim.State {
	return optim.State{M: e.moveTensors(s.M, e.cpu), V: e.moveTensors(s.V, e.cpu), Step: s.Step}
}

func (e *Engine) optimizerToDevice(s optim.State) optim.State {
	return optim.State{M: e.moveTensors(s.M, e.device), V: e.moveTensors(s.V, e.device), Step: s.Step}
}

func (e *Engine) moveTensors(ts map[string]torch.Tensor, device torch.Device) map[string]torch.Tensor {
	out := make(map[string]torch.Tensor, len(ts))
	for name, t := range ts {
		out[name] = t.To(device, t.Dtype())
	}
	return out
}
