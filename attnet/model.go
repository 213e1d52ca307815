package att

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var Float = G.Float32

// Model is the whole recurrent pose attention network.
//
// Frames go through the feature extractor once per batch. Then, for every time step, the
// attention generator looks at the step's features conditioned on the recurrent state, the
// assembler pools the attention weighted body parts and the LSTM folds them into its state.
// Each step's output is classified, and the attention maps are regressed against the ground
// truth joint heatmaps.
type Model struct {
	Config
	newExtractor ExtractorFunc

	g    *G.ExprGraph
	fe   FeatureExtractor
	att  *attention
	asm  *assembler
	enc  *lstm
	wp   *G.Node // classifier weights (LSTMDim, C)
	bp   *G.Node // classifier bias (1, C)
	loss losses

	frames   *G.Node   // (B, T, FrameSize, FrameSize, 3)
	labels   []*G.Node // per step, one hot (B, C)
	heatmaps []*G.Node // per step, (B*Grid*Grid, Joints)

	logits []*G.Node
	probs  []*G.Node
	maps   [][NumGroups]*G.Node

	learnables G.Nodes
	params     G.Nodes
	weights    G.Nodes // the learnables that are L2 regularized

	probValues []G.Value
	mapValues  [][NumGroups]G.Value
	stepValues []G.Value
	objective  G.Value
	cls        G.Value
	pose       G.Value
	reg        G.Value

	labelBufs   []*tensor.Dense
	heatmapBufs []*tensor.Dense
}

// Opt is an option for New.
type Opt func(*Model)

// WithExtractor replaces the default PoolExtractor.
func WithExtractor(f ExtractorFunc) Opt {
	return func(m *Model) { m.newExtractor = f }
}

// New returns a new, uninitialized *Model.
func New(conf Config, opts ...Opt) *Model {
	retVal := &Model{
		Config:       conf,
		newExtractor: NewPoolExtractor,
	}
	for _, opt := range opts {
		opt(retVal)
	}
	return retVal
}

func (d *Model) Init() error {
	if !d.IsValid() {
		return errors.Errorf("invalid config %+v", d.Config)
	}
	d.reset()
	d.g = G.NewGraph()
	if err := d.fwd(); err != nil {
		return err
	}
	return d.bwd()
}

func (d *Model) fwd() (err error) {
	B, T, P := d.BatchSize, d.T, d.positions()

	d.fe = d.newExtractor(d.Config)
	d.att = newAttention(d.g, d.Config)
	d.asm = newAssembler(d.Config)
	d.enc = newLSTM(d.g, d.Config)
	d.wp = G.NewMatrix(d.g, Float, G.WithShape(d.LSTMDim, d.C), G.WithName("classifier_pose_w"), G.WithInit(G.GlorotU(1.0)))
	d.bp = G.NewMatrix(d.g, Float, G.WithShape(1, d.C), G.WithName("classifier_pose_b"), G.WithInit(G.Zeroes()))

	d.frames = G.NewTensor(d.g, Float, 5, G.WithShape(B, T, d.FrameSize, d.FrameSize, 3), G.WithName("Frames"))

	var m maebe
	flat := m.reshape(d.frames, tensor.Shape{B * T, d.FrameSize, d.FrameSize, 3})
	if m.err != nil {
		return m.err
	}
	var features *G.Node
	if features, err = d.fe.Fwd(flat); err != nil {
		return errors.WithMessage(err, "feature extractor")
	}
	if want := (tensor.Shape{B * T, d.Grid, d.Grid, d.Channels}); !features.Shape().Eq(want) {
		return errors.Errorf("feature extractor returned %v. Expected %v", features.Shape(), want)
	}

	// one row of features per time step
	features = m.reshape(features, tensor.Shape{B, T, P * d.Channels})
	features = m.transpose(features, 1, 0, 2)
	features = m.reshape(features, tensor.Shape{T, B * P * d.Channels})

	st := d.enc.zeroState()
	for t := 0; t < T; t++ {
		feature := m.reshape(m.row(features, t), tensor.Shape{B * P, d.Channels})
		if m.err != nil {
			return m.err
		}

		var maps [NumGroups]*G.Node
		if maps, err = d.att.fwd(st.h, feature); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("attention at step %d", t))
		}
		var pooled *G.Node
		if pooled, err = d.asm.fwd(maps, feature); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("assembling parts at step %d", t))
		}
		if st, err = d.enc.fwd(pooled, st); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("encoder at step %d", t))
		}

		logits := m.linear(st.h, d.wp, d.bp)
		probs := m.do(func() (*G.Node, error) { return G.SoftMax(logits) })
		if m.err != nil {
			return m.err
		}
		d.logits = append(d.logits, logits)
		d.probs = append(d.probs, probs)
		d.maps = append(d.maps, maps)
	}

	// Read to output which can be used for predictions and visualisation
	d.probValues = make([]G.Value, T)
	d.mapValues = make([][NumGroups]G.Value, T)
	for t := 0; t < T; t++ {
		G.Read(d.probs[t], &d.probValues[t])
		for i := range d.maps[t] {
			G.Read(d.maps[t][i], &d.mapValues[t][i])
		}
	}

	d.learnables = append(d.learnables, d.att.learnables()...)
	d.learnables = append(d.learnables, d.enc.learnables()...)
	d.learnables = append(d.learnables, d.wp, d.bp)
	d.weights = append(d.weights, d.att.weights()...)
	d.weights = append(d.weights, d.enc.weights()...)
	d.weights = append(d.weights, d.wp)
	if d.TrainBackbone {
		d.learnables = append(d.learnables, d.fe.Params()...)
		d.weights = append(d.weights, backboneWeights(d.fe)...)
		d.params = append(d.params, d.learnables...)
	} else {
		d.params = append(d.params, d.learnables...)
		d.params = append(d.params, d.fe.Params()...)
	}
	return nil
}

func (d *Model) bwd() (err error) {
	if d.FwdOnly {
		return nil
	}
	B, T, P := d.BatchSize, d.T, d.positions()
	for t := 0; t < T; t++ {
		d.labels = append(d.labels, G.NewMatrix(d.g, Float, G.WithShape(B, d.C), G.WithName(fmt.Sprintf("Labels_%d", t))))
		d.heatmaps = append(d.heatmaps, G.NewMatrix(d.g, Float, G.WithShape(B*P, Joints), G.WithName(fmt.Sprintf("Heatmaps_%d", t))))
		d.labelBufs = append(d.labelBufs, tensor.New(tensor.WithShape(B, d.C), tensor.Of(Float)))
		d.heatmapBufs = append(d.heatmapBufs, tensor.New(tensor.WithShape(B*P, Joints), tensor.Of(Float)))
	}

	lc := newLossComposer(d.Config)
	if d.loss, err = lc.fwd(d.logits, d.labels, d.maps, d.heatmaps, d.weights); err != nil {
		return err
	}
	G.Read(d.loss.objective, &d.objective)
	G.Read(d.loss.cls, &d.cls)
	G.Read(d.loss.pose, &d.pose)
	G.Read(d.loss.reg, &d.reg)
	d.stepValues = make([]G.Value, T)
	for t := range d.loss.step {
		G.Read(d.loss.step[t], &d.stepValues[t])
	}

	if _, err = G.Grad(d.loss.objective, d.learnables...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Batch is one forward/backward pass worth of sequences.
type Batch struct {
	Frames   *tensor.Dense // (B, T, FrameSize, FrameSize, 3) of Float
	Labels   *tensor.Dense // (B, T) of tensor.Int
	Heatmaps *tensor.Dense // (B, T, Grid, Grid, Joints) of Float
}

// Let binds a batch to the inputs of the graph. Labels and heatmaps are ignored by forward
// only models.
func (d *Model) Let(b Batch) error {
	B, T, P := d.BatchSize, d.T, d.positions()
	if err := checkInput("frames", b.Frames, Float, B, T, d.FrameSize, d.FrameSize, 3); err != nil {
		return err
	}
	if d.FwdOnly {
		return errors.WithStack(G.Let(d.frames, materialize(b.Frames)))
	}
	if err := checkInput("labels", b.Labels, tensor.Int, B, T); err != nil {
		return err
	}
	if err := checkInput("heatmaps", b.Heatmaps, Float, B, T, d.Grid, d.Grid, Joints); err != nil {
		return err
	}

	labels := materialize(b.Labels).Data().([]int)
	heatmaps := materialize(b.Heatmaps).Data().([]float32)
	size := P * Joints
	for t := 0; t < T; t++ {
		oneHot := d.labelBufs[t].Data().([]float32)
		for i := range oneHot {
			oneHot[i] = 0
		}
		hm := d.heatmapBufs[t].Data().([]float32)
		for s := 0; s < B; s++ {
			class := labels[s*T+t]
			if class < 0 || class >= d.C {
				return errors.Errorf("label %d of sequence %d at step %d is not in [0, %d)", class, s, t, d.C)
			}
			oneHot[s*d.C+class] = 1
			start := (s*T + t) * size
			copy(hm[s*size:(s+1)*size], heatmaps[start:start+size])
		}
	}

	if err := G.Let(d.frames, materialize(b.Frames)); err != nil {
		return errors.WithStack(err)
	}
	for t := 0; t < T; t++ {
		if err := G.Let(d.labels[t], d.labelBufs[t]); err != nil {
			return errors.WithStack(err)
		}
		if err := G.Let(d.heatmaps[t], d.heatmapBufs[t]); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Learnables are the parameters that are optimised.
func (d *Model) Learnables() G.Nodes { return d.learnables }

// Params are all the parameters of the model, including a frozen feature extractor's.
func (d *Model) Params() G.Nodes { return d.params }

// Objective is the scalar that is minimised.
func (d *Model) Objective() *G.Node { return d.loss.objective }

// Graph returns the expression graph of the model.
func (d *Model) Graph() *G.ExprGraph { return d.g }

func (d *Model) SetTraining() { d.fe.SetTraining() }

func (d *Model) SetTesting() { d.fe.SetTesting() }

// Losses are the values of the loss terms from the last run of a training graph.
type Losses struct {
	Objective      float32
	Classification float32
	Regression     float32
	Regularization float32
	Steps          []float32 // per step classification loss
}

// IsFinite reports whether none of the losses is NaN or infinite.
func (l Losses) IsFinite() bool {
	all := append([]float32{l.Objective, l.Classification, l.Regression, l.Regularization}, l.Steps...)
	for _, v := range all {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (d *Model) Losses() Losses {
	retVal := Losses{
		Objective:      scalarOf(d.objective),
		Classification: scalarOf(d.cls),
		Regression:     scalarOf(d.pose),
		Regularization: scalarOf(d.reg),
		Steps:          make([]float32, len(d.stepValues)),
	}
	for i, v := range d.stepValues {
		retVal.Steps[i] = scalarOf(v)
	}
	return retVal
}

// Probabilities returns the class probabilities of the last run, shaped (B, T, C).
func (d *Model) Probabilities() *tensor.Dense {
	B, T, C := d.BatchSize, d.T, d.C
	backing := make([]float32, B*T*C)
	for t, v := range d.probValues {
		if v == nil {
			continue
		}
		probs := v.Data().([]float32)
		for b := 0; b < B; b++ {
			copy(backing[(b*T+t)*C:(b*T+t+1)*C], probs[b*C:(b+1)*C])
		}
	}
	return tensor.New(tensor.WithShape(B, T, C), tensor.WithBacking(backing))
}

// AttentionMaps returns the attention maps of the last run, shaped
// (B, NumGroups, T, Grid, Grid, Joints).
func (d *Model) AttentionMaps() *tensor.Dense {
	B, T, P := d.BatchSize, d.T, d.positions()
	size := P * Joints
	backing := make([]float32, B*NumGroups*T*size)
	for t := range d.mapValues {
		for g, v := range d.mapValues[t] {
			if v == nil {
				continue
			}
			maps := v.Data().([]float32)
			for b := 0; b < B; b++ {
				start := ((b*NumGroups+g)*T + t) * size
				copy(backing[start:start+size], maps[b*size:(b+1)*size])
			}
		}
	}
	return tensor.New(tensor.WithShape(B, NumGroups, T, d.Grid, d.Grid, Joints), tensor.WithBacking(backing))
}

func (d *Model) Clone() (*Model, error) {
	d2 := New(d.Config, WithExtractor(d.newExtractor))
	if err := d2.Init(); err != nil {
		return nil, err
	}
	if err := copyParams(d2.Params(), d.Params()); err != nil {
		return nil, err
	}
	return d2, nil
}

func (d *Model) reset() {
	d.g = nil
	d.fe = nil
	d.frames = nil
	d.labels = nil
	d.heatmaps = nil
	d.logits = nil
	d.probs = nil
	d.maps = nil
	d.learnables = nil
	d.params = nil
	d.weights = nil
	d.loss = losses{}
	d.labelBufs = nil
	d.heatmapBufs = nil
}

func (d *Model) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, n := range d.Params() {
		v, ok := n.Value().(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("cannot encode %v: value is %T", n.Name(), n.Value())
		}
		if err = enc.Encode(v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return buf.Bytes(), nil
}

func (d *Model) GobDecode(p []byte) error {
	if d.newExtractor == nil {
		d.newExtractor = NewPoolExtractor
	}
	if err := d.Init(); err != nil {
		return err
	}

	buf := bytes.NewBuffer(p)
	dec := gob.NewDecoder(buf)
	for _, n := range d.Params() {
		var v tensor.Dense
		if err := dec.Decode(&v); err != nil {
			return errors.WithStack(err)
		}
		if err := copyValue(n, &v); err != nil {
			return err
		}
	}
	return nil
}

func copyParams(dst, src G.Nodes) error {
	if len(dst) != len(src) {
		return errors.Errorf("cannot copy %d params into %d params", len(src), len(dst))
	}
	for i, n := range src {
		if err := copyValue(dst[i], n.Value()); err != nil {
			return err
		}
	}
	return nil
}

func copyValue(dst *G.Node, v G.Value) error {
	if !dst.Shape().Eq(v.Shape()) {
		return errors.Errorf("cannot copy a %v value into %v shaped %v", v.Shape(), dst.Name(), dst.Shape())
	}
	src, ok := v.Data().([]float32)
	if !ok {
		return errors.Errorf("cannot copy %T data into %v", v.Data(), dst.Name())
	}
	copy(dst.Value().Data().([]float32), src)
	return nil
}

func checkInput(name string, t *tensor.Dense, dt tensor.Dtype, shape ...int) error {
	if t == nil {
		return errors.Errorf("%s: missing input", name)
	}
	if t.Dtype() != dt {
		return errors.Errorf("%s: expected %v. Got %v instead", name, dt, t.Dtype())
	}
	if !t.Shape().Eq(tensor.Shape(shape)) {
		return errors.Errorf("%s: expected shape %v. Got %v instead", name, tensor.Shape(shape), t.Shape())
	}
	return nil
}

func materialize(t *tensor.Dense) *tensor.Dense {
	if t.IsView() {
		return t.Materialize().(*tensor.Dense)
	}
	return t
}

func scalarOf(v G.Value) float32 {
	if v == nil {
		return 0
	}
	switch x := v.Data().(type) {
	case float32:
		return x
	case float64:
		return float32(x)
	}
	return math32.NaN()
}
