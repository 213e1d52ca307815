package att

import (
	"bytes"
	"log"
	"math/rand"
	"time"

	"github.com/gorgonia/rpan/accum"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// Trainer runs a training graph and applies accumulated gradients to the learnables.
//
// A training step is Reset, one or more calls to Accumulate, and Apply.
type Trainer struct {
	d      *Model
	m      G.VM
	solver G.Solver
	acc    *accum.Accumulator
}

// Build creates a training graph and its trainer. The returned node is the objective.
func Build(conf Config, opts ...Opt) (*Trainer, *G.Node, error) {
	if conf.FwdOnly {
		return nil, nil, errors.New("cannot train a forward only model")
	}
	d := New(conf, opts...)
	if err := d.Init(); err != nil {
		return nil, nil, err
	}
	t, err := NewTrainer(d)
	if err != nil {
		return nil, nil, err
	}
	return t, d.Objective(), nil
}

// NewTrainer creates a trainer for an initialized training model.
func NewTrainer(d *Model) (*Trainer, error) {
	if d.Objective() == nil {
		return nil, errors.New("model has no objective. Was it initialized as a forward only model?")
	}
	m := G.NewTapeMachine(d.g, G.BindDualValues(d.Learnables()...))
	acc, err := accum.New(G.NodesToValueGrads(d.Learnables()))
	if err != nil {
		m.Close()
		return nil, err
	}
	return &Trainer{
		d:      d,
		m:      m,
		solver: G.NewAdamSolver(G.WithLearnRate(d.LearningRate)),
		acc:    acc,
	}, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *Model { return t.d }

// Accumulator returns the gradient accumulator of the trainer.
func (t *Trainer) Accumulator() *accum.Accumulator { return t.acc }

// Reset zeroes the accumulated gradients.
func (t *Trainer) Reset() { t.acc.Reset() }

// Accumulate runs the forward and backward pass on a batch and adds the gradients of the
// learnables to the accumulated ones. The parameters are not changed.
func (t *Trainer) Accumulate(b Batch) (Losses, error) {
	if err := t.d.Let(b); err != nil {
		return Losses{}, err
	}
	defer t.m.Reset()
	if err := t.m.RunAll(); err != nil {
		return Losses{}, errors.WithStack(err)
	}
	if err := t.acc.Accumulate(); err != nil {
		return Losses{}, err
	}
	return t.d.Losses(), nil
}

// ScaleAccumulated multiplies the accumulated gradients by f.
func (t *Trainer) ScaleAccumulated(f float32) { t.acc.Scale(f) }

// Apply performs one optimizer step with the accumulated gradients, then resets them.
func (t *Trainer) Apply() error { return t.acc.Apply(t.solver) }

// Close implements a closer, because well, a gorgonia VM is a resource.
func (t *Trainer) Close() error { return t.m.Close() }

// Train is a basic trainer. The batch is split into subBatches sub-batches of BatchSize
// sequences each; every iteration accumulates the gradients of all the sub-batches and then
// applies them once. The batch is shuffled between iterations.
//
// The mean objective over the sub-batches of each iteration is returned.
func Train(t *Trainer, b Batch, subBatches, iterations int) (costs []float32, err error) {
	bs := t.d.BatchSize
	if b.Frames == nil || b.Frames.Shape()[0] != bs*subBatches {
		return nil, errors.Errorf("expected %d sequences (%d sub-batches of %d)", bs*subBatches, subBatches, bs)
	}

	var s slicer
	for i := 0; i < iterations; i++ {
		var cost float32
		t.Reset()
		for bat := 0; bat < subBatches; bat++ {
			start := bat * bs
			end := start + bs

			sub := Batch{
				Frames:   s.SliceBatch(b.Frames, start, end),
				Labels:   s.SliceBatch(b.Labels, start, end),
				Heatmaps: s.SliceBatch(b.Heatmaps, start, end),
			}
			if s.err != nil {
				return costs, s.err
			}
			var l Losses
			if l, err = t.Accumulate(sub); err != nil {
				return costs, err
			}
			cost += l.Objective
		}
		if err = t.Apply(); err != nil {
			return costs, err
		}
		costs = append(costs, cost/float32(subBatches))
		if err = shuffleBatch(b); err != nil {
			return costs, err
		}
	}
	return costs, nil
}

// shuffleBatch shuffles the sequences of a batch.
func shuffleBatch(b Batch) (err error) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	oriFrames := b.Frames.Shape().Clone()
	oriLabels := b.Labels.Shape().Clone()
	oriHeatmaps := b.Heatmaps.Shape().Clone()
	defer func() {
		b.Frames.Reshape(oriFrames...)
		b.Labels.Reshape(oriLabels...)
		b.Heatmaps.Reshape(oriHeatmaps...)
	}()

	if err = b.Frames.Reshape(as2D(oriFrames)...); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - frames")
	}
	if err = b.Labels.Reshape(as2D(oriLabels)...); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - labels")
	}
	if err = b.Heatmaps.Reshape(as2D(oriHeatmaps)...); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - heatmaps")
	}

	var frames, heatmaps [][]float32
	var labels [][]int
	if frames, err = native.MatrixF32(b.Frames); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - frames")
	}
	if labels, err = native.MatrixI(b.Labels); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - labels")
	}
	if heatmaps, err = native.MatrixF32(b.Heatmaps); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - heatmaps")
	}

	tmpF := make([]float32, len(frames[0]))
	tmpH := make([]float32, len(heatmaps[0]))
	tmpL := make([]int, len(labels[0]))
	for i := range frames {
		j := r.Intn(i + 1)
		swapF32(frames[i], frames[j], tmpF)
		swapF32(heatmaps[i], heatmaps[j], tmpH)
		copy(tmpL, labels[i])
		copy(labels[i], labels[j])
		copy(labels[j], tmpL)
	}
	return nil
}

func swapF32(a, b, tmp []float32) {
	copy(tmp, a)
	copy(a, b)
	copy(b, tmp)
}

func as2D(s tensor.Shape) tensor.Shape {
	retVal := make(tensor.Shape, 2)
	retVal[0] = s[0]
	retVal[1] = 1
	for i := 1; i < len(s); i++ {
		retVal[1] *= s[i]
	}
	return retVal
}

// Inferencer is a struct that holds the state for a *Model and a VM. By using an Inferencer
// struct, there is no longer a need to create a VM every time an inference needs to be done.
type Inferencer struct {
	d *Model
	m G.VM

	input *tensor.Dense
	buf   *bytes.Buffer
}

// Infer takes a trained *Model, and creates an inference data structure such that it'd be
// easy to infer.
//
// Only the parameters are copied. The running statistics of the backbone's batch norm ops stay
// with the training graph, so the inference graph normalizes with statistics it never updates.
func Infer(d *Model, toLog bool) (*Inferencer, error) {
	conf := d.Config
	conf.FwdOnly = true
	conf.Training = false
	retVal := &Inferencer{
		d:     New(conf, WithExtractor(d.newExtractor)),
		input: tensor.New(tensor.WithShape(conf.BatchSize, conf.T, conf.FrameSize, conf.FrameSize, 3), tensor.Of(Float)),
	}
	if err := retVal.d.Init(); err != nil {
		return nil, err
	}
	retVal.d.SetTesting()
	if err := copyParams(retVal.d.Params(), d.Params()); err != nil {
		return nil, err
	}

	retVal.buf = new(bytes.Buffer)
	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(retVal.d.g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithValueFmt("%+1.1v"),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(retVal.d.g)
	}
	return retVal, nil
}

// Model returns the forward only model of the inferencer.
func (m *Inferencer) Model() *Model { return m.d }

// Infer takes up to BatchSize sequences of frames, shaped (n, T, FrameSize, FrameSize, 3), and
// returns the class probabilities (n, T, C) and the attention maps (n, NumGroups, T, Grid,
// Grid, Joints).
func (m *Inferencer) Infer(frames *tensor.Dense) (probs, maps *tensor.Dense, err error) {
	shp := frames.Shape()
	want := m.input.Shape()
	if shp.Dims() != want.Dims() || !shp[1:].Eq(want[1:]) || shp[0] > want[0] || shp[0] < 1 {
		return nil, nil, errors.Errorf("cannot infer on frames shaped %v. Expected at most %v", shp, want)
	}
	if frames.Dtype() != Float {
		return nil, nil, errors.Errorf("expected %v frames. Got %v", Float, frames.Dtype())
	}
	n := shp[0]

	// copy the frames to the provided preallocated input tensor
	m.input.Zero()
	copy(m.input.Data().([]float32), materialize(frames).Data().([]float32))

	m.m.Reset()
	m.buf.Reset()
	if err = m.d.Let(Batch{Frames: m.input}); err != nil {
		return nil, nil, err
	}
	if err = m.m.RunAll(); err != nil {
		return nil, nil, errors.WithStack(err)
	}

	probs, maps = m.d.Probabilities(), m.d.AttentionMaps()
	if n == want[0] {
		return probs, maps, nil
	}
	return trim(probs, n), trim(maps, n), nil
}

// trim keeps the first n elements of the outermost dimension of a batch major tensor.
func trim(t *tensor.Dense, n int) *tensor.Dense {
	shp := t.Shape().Clone()
	shp[0] = n
	backing := make([]float32, shp.TotalSize())
	copy(backing, t.Data().([]float32))
	return tensor.New(tensor.WithShape(shp...), tensor.WithBacking(backing))
}

// ExecLog returns the execution log. If Infer was called with toLog = false, then it will return an empty string
func (m *Inferencer) ExecLog() string { return m.buf.String() }

// Close implements a closer, because well, a gorgonia VM is a resource.
func (m *Inferencer) Close() error { return m.m.Close() }
