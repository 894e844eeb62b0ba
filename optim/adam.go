// Package optim implements the Adam optimizer and the step learning-rate
// schedule used by the GAN phase. Parameter updates are written through
// SetData, outside the autograd graph, so optimizer arithmetic never
// contributes gradients. Unlike the engine's built-in optimizers, this one
// exposes its moment tensors and step count, which is what lets a
// checkpoint carry optimizer state next to the weights it belongs to.
//
// Gradient handles returned by Grad() always wrap the underlying
// accumulator, defined or not, so ZeroGrad, Gradients and Step must only
// run after a Backward has populated every parameter's gradient. The
// training loops guarantee this by zeroing after each update instead of
// before the forward pass.
package optim

import (
	"math"
	"sort"

	torch "github.com/wangkuiyi/gotorch"
)

// State is the serializable optimizer snapshot stored in checkpoints.
// M and V hold the first and second moment estimates keyed by parameter
// name; Step counts completed updates.
type State struct {
	M    map[string]torch.Tensor
	V    map[string]torch.Tensor
	Step int
}

// Adam optimizes the parameters of one module. The parameter set is taken
// from the module's named parameters (buffers such as batch-norm running
// statistics never receive gradients and must not be included) and
// iterated in sorted-name order so that replicas and resumed runs touch
// parameters identically.
type Adam struct {
	names  []string
	params map[string]torch.Tensor
	device torch.Device
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	state  State
}

// NewAdam builds an Adam optimizer over the given named parameters with
// the reference betas (0.9, 0.999). Optimizer tensors are created on
// device, which must match where the parameters live.
func NewAdam(params map[string]torch.Tensor, lr float64, device torch.Device) *Adam {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Adam{
		names:  names,
		params: params,
		device: device,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		state: State{
			M: make(map[string]torch.Tensor),
			V: make(map[string]torch.Tensor),
		},
	}
}

// SetLR replaces the learning rate; used by the epoch-level schedule.
func (o *Adam) SetLR(lr float64) { o.lr = lr }

// LR returns the current learning rate.
func (o *Adam) LR() float64 { return o.lr }

// Rebind repoints the optimizer at a module's current parameter tensors.
// SetStateDict replaces a module's tensor fields rather than mutating
// them, so an optimizer built before a checkpoint load updates orphaned
// tensors until it is rebound.
func (o *Adam) Rebind(params map[string]torch.Tensor) {
	o.params = params
}

// ZeroGrad clears every parameter's gradient accumulator. Callable only
// once gradients exist; the loops call it right after Step.
func (o *Adam) ZeroGrad() {
	for _, name := range o.names {
		g := o.params[name].Grad()
		g.SetData(o.scalar(g, 0))
	}
}

// Gradients returns the parameter gradients in name order. The replica
// group averages exactly this set between Backward and Step, so every
// replica must produce it from the same graph.
func (o *Adam) Gradients() []torch.Tensor {
	grads := make([]torch.Tensor, 0, len(o.names))
	for _, name := range o.names {
		grads = append(grads, o.params[name].Grad())
	}
	return grads
}

// Step applies one Adam update to every parameter.
func (o *Adam) Step() {
	o.state.Step++
	t := float64(o.state.Step)
	c1 := 1 - math.Pow(o.beta1, t)
	c2 := 1 - math.Pow(o.beta2, t)
	for _, name := range o.names {
		p := o.params[name]
		g := p.Grad()

		m, ok := o.state.M[name]
		if !ok {
			m = o.scalar(p, 0)
			o.state.V[name] = o.scalar(p, 0)
		}
		v := o.state.V[name]

		// m = beta1*m + (1-beta1)*g ;  v = beta2*v + (1-beta2)*g*g
		m = torch.Add(torch.Mul(m, o.scalar(m, o.beta1)), torch.Mul(g, o.scalar(g, 1-o.beta1)), 1)
		gg := torch.Mul(g, g)
		v = torch.Add(torch.Mul(v, o.scalar(v, o.beta2)), torch.Mul(gg, o.scalar(gg, 1-o.beta2)), 1)
		o.state.M[name] = m
		o.state.V[name] = v

		mHat := torch.Mul(m, o.scalar(m, 1/c1))
		vHat := torch.Mul(v, o.scalar(v, 1/c2))
		den := torch.Add(o.sqrt(vHat), o.scalar(v, o.eps), 1)
		update := torch.Div(torch.Mul(mHat, o.scalar(m, o.lr)), den)
		p.SetData(torch.Sub(p, update, 1))
	}
}

// State returns the optimizer snapshot for checkpointing. The snapshot
// shares tensors with the live optimizer; callers serialize it before the
// next Step.
func (o *Adam) State() State { return o.state }

// LoadState restores a snapshot previously returned by State. It must be
// paired with the weights saved at the same epoch boundary.
func (o *Adam) LoadState(s State) {
	if s.M == nil {
		s.M = make(map[string]torch.Tensor)
	}
	if s.V == nil {
		s.V = make(map[string]torch.Tensor)
	}
	o.state = s
}

// sqrt computes the elementwise square root by Newton iteration, since
// the tensor engine carries no sqrt op. The seed (x+1)/2 bounds sqrt(x)
// from above for every x >= 0, so y stays positive and descends
// monotonically onto the root.
func (o *Adam) sqrt(x torch.Tensor) torch.Tensor {
	half := o.scalar(x, 0.5)
	y := torch.Mul(torch.Add(x, o.scalar(x, 1), 1), half)
	for i := 0; i < 32; i++ {
		y = torch.Mul(torch.Add(y, torch.Div(x, y), 1), half)
	}
	return y
}

// scalar builds a constant tensor shaped like t holding v, on the
// optimizer's device.
func (o *Adam) scalar(t torch.Tensor, v float64) torch.Tensor {
	return torch.Full(t.Shape(), float32(v), false).To(o.device, torch.Float)
}
