// Package accum accumulates gradients over several backward passes and applies the sum as a
// single optimizer step.
package accum

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// Accumulator holds one running gradient sum per parameter.
//
// The typical life cycle is Reset, then Accumulate after each backward pass, then Apply.
// It is not safe for concurrent use.
type Accumulator struct {
	params []G.ValueGrad
	sums   []*tensor.Dense
	steps  int
}

// New creates an Accumulator for the given parameters. The sums start at zero.
func New(params []G.ValueGrad) (*Accumulator, error) {
	retVal := &Accumulator{
		params: params,
		sums:   make([]*tensor.Dense, len(params)),
	}
	for i, p := range params {
		v := p.Value()
		if v == nil {
			return nil, errors.Errorf("param %d has no value", i)
		}
		if v.Dtype() != tensor.Float32 {
			return nil, errors.Errorf("param %d is %v. Only Float32 params can be accumulated", i, v.Dtype())
		}
		retVal.sums[i] = tensor.New(tensor.WithShape(v.Shape().Clone()...), tensor.Of(tensor.Float32))
	}
	return retVal, nil
}

// Reset zeroes all the sums.
func (a *Accumulator) Reset() {
	for _, s := range a.sums {
		s.Zero()
	}
	a.steps = 0
}

// Accumulate adds each parameter's current gradient into its sum, then zeroes the gradient.
func (a *Accumulator) Accumulate() error {
	grads := make([]tensor.Tensor, len(a.params))
	for i, p := range a.params {
		g, err := p.Grad()
		if err != nil {
			return errors.Wrapf(err, "param %d", i)
		}
		t, ok := g.(tensor.Tensor)
		if !ok {
			return errors.Errorf("gradient of param %d is a %T", i, g)
		}
		grads[i] = t
	}
	if err := a.Add(grads); err != nil {
		return err
	}
	for _, g := range grads {
		if z, ok := g.(interface{ Zero() }); ok {
			z.Zero()
		}
	}
	return nil
}

// Add adds the given gradients into the sums. The gradients must be in the same order as the
// parameters the Accumulator was created with.
func (a *Accumulator) Add(grads []tensor.Tensor) error {
	if len(grads) != len(a.sums) {
		return errors.Errorf("expected %d gradients. Got %d", len(a.sums), len(grads))
	}
	for i, g := range grads {
		if !g.Shape().Eq(a.sums[i].Shape()) {
			return errors.Errorf("gradient %d has shape %v. Expected %v", i, g.Shape(), a.sums[i].Shape())
		}
		data, ok := g.Data().([]float32)
		if !ok {
			return errors.Errorf("gradient %d: expected []float32. Got %T", i, g.Data())
		}
		vecf32.Add(a.sums[i].Data().([]float32), data)
	}
	a.steps++
	return nil
}

// Scale multiplies every sum by f. Averaging over n accumulations is Scale(1/n).
func (a *Accumulator) Scale(f float32) {
	for _, s := range a.sums {
		vecf32.Scale(s.Data().([]float32), f)
	}
}

// Steps is the number of accumulations since the last Reset.
func (a *Accumulator) Steps() int { return a.steps }

// Sums returns the running sums. They are owned by the Accumulator.
func (a *Accumulator) Sums() []*tensor.Dense { return a.sums }

// Apply performs one solver step with the sums as the gradients, then resets.
// If nothing was accumulated since the last Reset, Apply does not step the solver, so solvers with
// momentum leave the parameters where they are.
func (a *Accumulator) Apply(s G.Solver) error {
	if a.steps == 0 {
		a.Reset()
		return nil
	}
	model := make([]G.ValueGrad, len(a.params))
	for i, p := range a.params {
		model[i] = summed{ValueGrad: p, sum: a.sums[i]}
	}
	if err := s.Step(model); err != nil {
		return errors.WithStack(err)
	}
	a.Reset()
	return nil
}

// summed is a parameter whose gradient is its accumulated sum.
type summed struct {
	G.ValueGrad
	sum *tensor.Dense
}

func (s summed) Grad() (G.Value, error) { return s.sum, nil }
