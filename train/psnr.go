package train

import (
	"fmt"
	"time"

	torch "github.com/wangkuiyi/gotorch"

	"srgan/model"
)

// trainPSNREpoch runs one epoch of pixel-loss pretraining: a single
// generator update per batch against the mean squared error between the
// super-resolved output and the high-resolution target.
func (e *Engine) trainPSNREpoch(epoch int) error {
	loader := e.trainLoader(epoch)
	defer loader.Close()

	batchTime := NewAverageMeter("Time", "%6.4f")
	mseLosses := NewAverageMeter("MSE Loss", "%.6f")
	progress := NewProgressMeter(loader.Len(),
		fmt.Sprintf("Epoch: [%d]", epoch), batchTime, mseLosses)

	n := loader.Len()
	i := -1
	end := time.Now()
	for loader.Scan() {
		i++
		torch.GC()
		lr, hr := loader.Minibatch()
		lr = lr.To(e.device, lr.Dtype())
		hr = hr.To(e.device, hr.Dtype())

		sr := e.deps.Generator.Forward(lr)
		loss := model.PixelLoss(sr, hr)
		loss.Backward()
		if err := e.deps.Group.AllReduce(e.deps.PSNROpt.Gradients()); err != nil {
			return err
		}
		e.deps.PSNROpt.Step()
		// Zeroing after the update keeps every gradient access behind the
		// Backward that defines the accumulators.
		e.deps.PSNROpt.ZeroGrad()

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		lossValue := float64(loss.Item().(float32))
		mseLosses.Update(lossValue, int(loader.BatchSize()))

		iters := GlobalIter(i, epoch, n)
		e.psnrWriter.AddScalar("Train/MSE Loss", lossValue, iters)

		if i%displayEvery == 0 {
			e.log.Info(progress.Display(i))
		}
		if iters%sampleEvery == 0 {
			if err := e.captureSamples("PSNR", iters, lr, hr); err != nil {
				return err
			}
		}
	}
	return loader.Err()
}

// captureSamples re-runs the forward pass fresh, detached from any
// gradient graph, and writes the target and output images.
func (e *Engine) captureSamples(tag string, iters int, lr, hr torch.Tensor) error {
	sr := e.deps.Generator.Forward(lr)
	return e.samples.Save(tag, iters, hr, sr.Detach())
}
