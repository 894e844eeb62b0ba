package train

import (
	"fmt"
	"time"

	torch "github.com/wangkuiyi/gotorch"

	"srgan/model"
)

// trainGANEpoch runs one epoch of adversarial fine-tuning. Each batch
// performs the two-stage protocol: the discriminator update completes,
// optimizer step included, before the generator stage re-scores the same
// super-resolved batch against the updated discriminator weights.
func (e *Engine) trainGANEpoch(epoch int) error {
	loader := e.trainLoader(epoch)
	defer loader.Close()

	batchTime := NewAverageMeter("Time", "%.4f")
	dLosses := NewAverageMeter("D Loss", "%.6f")
	gLosses := NewAverageMeter("G Loss", "%.6f")
	contentLosses := NewAverageMeter("Content Loss", "%.4f")
	adversarialLosses := NewAverageMeter("Adversarial Loss", "%.4f")
	dHR := NewAverageMeter("D(HR)", "%.4f")
	dSR1 := NewAverageMeter("D(SR1)", "%.4f")
	dSR2 := NewAverageMeter("D(SR2)", "%.4f")
	progress := NewProgressMeter(loader.Len(), fmt.Sprintf("Epoch: [%d]", epoch),
		batchTime, dLosses, gLosses, contentLosses, adversarialLosses, dHR, dSR1, dSR2)

	n := loader.Len()
	i := -1
	end := time.Now()
	for loader.Scan() {
		i++
		torch.GC()
		lr, hr := loader.Minibatch()
		lr = lr.To(e.device, lr.Dtype())
		hr = hr.To(e.device, hr.Dtype())
		batchSize := loader.BatchSize()

		realLabel := model.RealLabels(batchSize, e.device)
		fakeLabel := model.FakeLabels(batchSize, e.device)

		// Stage A: discriminator update.
		// maximize log D(hr) + log(1 - D(G(lr)))
		realOutput := e.deps.Discriminator.Forward(hr)
		dLossReal := model.AdversarialLoss(realOutput, realLabel)

		// sr stays attached to the generator graph for stage B; the copy
		// the discriminator scores here is detached, so this stage cannot
		// backpropagate into the generator.
		sr := e.deps.Generator.Forward(lr)
		fakeOutput := e.deps.Discriminator.Forward(sr.Detach())
		dLossFake := model.AdversarialLoss(fakeOutput, fakeLabel)

		half := torch.Full([]int64{1}, 0.5, false).To(e.device, torch.Float)
		dSum := torch.Add(dLossReal, dLossFake, 1)
		dLoss := torch.Mul(dSum, half)
		dLoss.Backward()
		dHRValue := float64(realOutput.Mean().Item().(float32))
		dSR1Value := float64(fakeOutput.Mean().Item().(float32))

		if err := e.deps.Group.AllReduce(e.deps.DOpt.Gradients()); err != nil {
			return err
		}
		e.deps.DOpt.Step()

		// Stage B: generator update.
		// minimize content loss + 0.001 * adversarial loss
		contentLoss := e.deps.Content.Forward(sr, hr)

		// Same sr tensor, not detached this time: the adversarial term is
		// scored by the discriminator as updated in stage A and rewards
		// the generator for predictions of "real".
		fakeOutputB := e.deps.Discriminator.Forward(sr)
		adversarialLoss := model.AdversarialLoss(fakeOutputB, realLabel)
		gLoss := torch.Add(contentLoss, adversarialLoss, model.AdversarialWeight)
		gLoss.Backward()
		dSR2Value := float64(fakeOutputB.Mean().Item().(float32))

		if err := e.deps.Group.AllReduce(e.deps.GOpt.Gradients()); err != nil {
			return err
		}
		e.deps.GOpt.Step()
		// Zero both sides after the updates: stage B's backward also
		// deposits gradients on the discriminator through its score of the
		// attached sr, and those must not leak into the next stage A.
		e.deps.GOpt.ZeroGrad()
		e.deps.DOpt.ZeroGrad()

		dLossValue := float64(dLoss.Item().(float32))
		gLossValue := float64(gLoss.Item().(float32))
		contentValue := float64(contentLoss.Item().(float32))
		adversarialValue := float64(adversarialLoss.Item().(float32))

		w := int(batchSize)
		dLosses.Update(dLossValue, w)
		gLosses.Update(gLossValue, w)
		contentLosses.Update(contentValue, w)
		adversarialLosses.Update(adversarialValue, w)
		dHR.Update(dHRValue, w)
		dSR1.Update(dSR1Value, w)
		dSR2.Update(dSR2Value, w)

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		iters := GlobalIter(i, epoch, n)
		e.ganWriter.AddScalar("Train/D Loss", dLossValue, iters)
		e.ganWriter.AddScalar("Train/G Loss", gLossValue, iters)
		e.ganWriter.AddScalar("Train/Content Loss", contentValue, iters)
		e.ganWriter.AddScalar("Train/Adversarial Loss", adversarialValue, iters)
		e.ganWriter.AddScalar("Train/D(HR)", dHRValue, iters)
		e.ganWriter.AddScalar("Train/D(SR1)", dSR1Value, iters)
		e.ganWriter.AddScalar("Train/D(SR2)", dSR2Value, iters)

		if i%displayEvery == 0 {
			e.log.Info(progress.Display(i))
		}
		if iters%sampleEvery == 0 {
			if err := e.captureSamples("GAN", iters, lr, hr); err != nil {
				return err
			}
		}
	}
	return loader.Err()
}
