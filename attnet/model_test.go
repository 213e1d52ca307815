package att

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// smallConf keeps the default topology (7x7 grid, 18 joints, 5 groups) but shrinks the
// widths so that the graphs are quick to run.
func smallConf(t, c int) Config {
	conf := DefaultConf(t, c)
	conf.BatchSize = 2
	conf.FrameSize = 14
	conf.Channels = 8
	conf.AttDim = 4
	conf.LSTMDim = 6
	conf.LearningRate = 0.01
	return conf
}

// makeBatch returns n sequences with random frames and uniform heatmaps. labels are batch major.
func makeBatch(conf Config, n int, labels []int) Batch {
	frameShape := tensor.Shape{n, conf.T, conf.FrameSize, conf.FrameSize, 3}
	hmShape := tensor.Shape{n, conf.T, conf.Grid, conf.Grid, Joints}
	hm := make([]float32, hmShape.TotalSize())
	for i := range hm {
		hm[i] = 1 / float32(conf.positions())
	}
	return Batch{
		Frames:   tensor.New(tensor.WithShape(frameShape...), tensor.WithBacking(tensor.Random(Float, frameShape.TotalSize()))),
		Labels:   tensor.New(tensor.WithShape(n, conf.T), tensor.WithBacking(labels)),
		Heatmaps: tensor.New(tensor.WithShape(hmShape...), tensor.WithBacking(hm)),
	}
}

func snapshot(d *Model) [][]float32 {
	var retVal [][]float32
	for _, n := range d.Learnables() {
		retVal = append(retVal, append([]float32(nil), n.Value().Data().([]float32)...))
	}
	return retVal
}

func checkProbabilities(t *testing.T, probs *tensor.Dense, b, steps, c int) {
	assert.Equal(t, tensor.Shape{b, steps, c}, probs.Shape())
	data := probs.Data().([]float32)
	for i := 0; i < b*steps; i++ {
		var sum float32
		for _, p := range data[i*c : (i+1)*c] {
			assert.True(t, p >= 0 && p <= 1, "probability %v out of range", p)
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-4)
	}
}

func checkAttention(t *testing.T, maps *tensor.Dense, b, steps, positions int) {
	assert.Equal(t, tensor.Shape{b, NumGroups, steps, 7, 7, Joints}, maps.Shape())
	data := maps.Data().([]float32)
	size := positions * Joints
	for start := 0; start < len(data); start += size {
		for j := 0; j < Joints; j++ {
			var sum float32
			for p := 0; p < positions; p++ {
				sum += data[start+p*Joints+j]
			}
			assert.InDelta(t, 1, sum, 1e-4, "joint %d of map at %d", j, start)
		}
	}
}

func TestModel_EndToEnd(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(3, 4)
	trainer, objective, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()
	assert.NotNil(objective)
	assert.True(objective.IsScalar())

	d := trainer.Model()
	batch := makeBatch(conf, 2, []int{1, 2, 1, 0, 3, 2})
	before := snapshot(d)

	trainer.Reset()
	l, err := trainer.Accumulate(batch)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.True(l.IsFinite())
	assert.True(l.Objective > 0)
	assert.True(l.Classification > 0)
	assert.True(l.Regression >= 0)
	assert.True(l.Regularization > 0)
	assert.Len(l.Steps, 3)

	var steps float32
	for _, s := range l.Steps {
		steps += s
	}
	assert.InDelta(l.Classification, steps, 1e-3)
	assert.InDelta(l.Objective, l.Classification+l.Regression+l.Regularization, 1e-3)

	checkProbabilities(t, d.Probabilities(), 2, 3, 4)
	checkAttention(t, d.AttentionMaps(), 2, 3, 49)

	assert.Equal(before, snapshot(d), "accumulating must not change the parameters")
	assert.Equal(1, trainer.Accumulator().Steps())

	if err = trainer.Apply(); err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(before, snapshot(d), "applying must change the parameters")
	assert.Equal(0, trainer.Accumulator().Steps())
}

func TestModel_SingleStep(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(1, 3)
	trainer, _, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()

	trainer.Reset()
	l, err := trainer.Accumulate(makeBatch(conf, 2, []int{2, 0}))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.True(l.IsFinite())
	assert.Len(l.Steps, 1)
	assert.InDelta(l.Classification, l.Steps[0], 1e-4)
	checkProbabilities(t, trainer.Model().Probabilities(), 2, 1, 3)
	checkAttention(t, trainer.Model().AttentionMaps(), 2, 1, 49)
	assert.NoError(trainer.Apply())
}

func TestModel_ResetThenApply(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(2, 4)
	trainer, _, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()
	d := trainer.Model()
	batch := makeBatch(conf, 2, []int{0, 1, 2, 3})

	// fresh solver
	before := snapshot(d)
	if _, err = trainer.Accumulate(batch); err != nil {
		t.Fatalf("%+v", err)
	}
	trainer.Reset()
	assert.NoError(trainer.Apply())
	assert.Equal(before, snapshot(d))

	// after a real update the solver has momentum
	trainer.Reset()
	if _, err = trainer.Accumulate(batch); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.NoError(trainer.Apply())
	stepped := snapshot(d)
	assert.NotEqual(before, stepped)

	trainer.Reset()
	assert.NoError(trainer.Apply())
	assert.Equal(stepped, snapshot(d))
}

// peaked moves all of the heatmap mass of each (sequence, step, joint) onto one position.
func peaked(conf Config, b Batch) Batch {
	n := b.Heatmaps.Shape()[0]
	P := conf.positions()
	hm := b.Heatmaps.Data().([]float32)
	for i := range hm {
		hm[i] = 0
	}
	for s := 0; s < n*conf.T; s++ {
		for j := 0; j < Joints; j++ {
			p := (s*5 + j) % P
			hm[(s*P+p)*Joints+j] = 1
		}
	}
	return b
}

func sums(acc interface{ Sums() []*tensor.Dense }) [][]float32 {
	var retVal [][]float32
	for _, s := range acc.Sums() {
		retVal = append(retVal, append([]float32(nil), s.Data().([]float32)...))
	}
	return retVal
}

func TestModel_AccumulationIsAdditive(t *testing.T) {
	conf := smallConf(2, 4)
	trainer, _, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()
	b1 := makeBatch(conf, 2, []int{3, 1, 0, 0})
	b2 := peaked(conf, makeBatch(conf, 2, []int{2, 2, 1, 3}))

	trainer.Reset()
	if _, err = trainer.Accumulate(b1); err != nil {
		t.Fatalf("%+v", err)
	}
	g1 := sums(trainer.Accumulator())

	trainer.Reset()
	if _, err = trainer.Accumulate(b2); err != nil {
		t.Fatalf("%+v", err)
	}
	g2 := sums(trainer.Accumulator())
	assert.NotEqual(t, g1, g2, "the two batches must have different gradients")

	want := make([][]float32, len(g1))
	for i := range g1 {
		want[i] = make([]float32, len(g1[i]))
		for j := range g1[i] {
			want[i][j] = g1[i][j] + g2[i][j]
		}
	}

	trainer.Reset()
	for _, b := range []Batch{b1, b2} {
		if _, err = trainer.Accumulate(b); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	if diff := cmp.Diff(want, sums(trainer.Accumulator()), cmpopts.EquateApprox(1e-4, 1e-6)); diff != "" {
		t.Errorf("accumulating two batches should sum their gradients (-want +got):\n%s", diff)
	}
}

func TestModel_Let(t *testing.T) {
	conf := smallConf(2, 4)
	conf.FwdOnly = false
	d := New(conf)
	if err := d.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	good := makeBatch(conf, 2, []int{0, 1, 2, 3})
	if err := d.Let(good); err != nil {
		t.Fatalf("%+v", err)
	}

	tests := []struct {
		name  string
		batch Batch
	}{
		{"wrong batch size", makeBatch(conf, 3, []int{0, 1, 2, 3, 0, 1})},
		{"label out of range", makeBatch(conf, 2, []int{0, 1, 4, 3})},
		{"negative label", makeBatch(conf, 2, []int{0, -1, 2, 3})},
		{"missing labels", Batch{Frames: good.Frames, Heatmaps: good.Heatmaps}},
		{"float labels", Batch{Frames: good.Frames, Labels: tensor.New(tensor.WithShape(2, 2), tensor.Of(Float)), Heatmaps: good.Heatmaps}},
		{"wrong joint count", Batch{Frames: good.Frames, Labels: good.Labels, Heatmaps: tensor.New(tensor.WithShape(2, 2, 7, 7, 17), tensor.Of(Float))}},
	}
	for _, tc := range tests {
		if err := d.Let(tc.batch); err == nil {
			t.Errorf("%v: expected an error", tc.name)
		}
	}
}

func TestModel_TrainBackbone(t *testing.T) {
	conf := smallConf(1, 2)
	frozen := New(conf)
	if err := frozen.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	conf.TrainBackbone = true
	trained := New(conf)
	if err := trained.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, len(frozen.Params()), len(trained.Params()))
	assert.Equal(t, len(frozen.Learnables())+3, len(trained.Learnables()))
	assert.Equal(t, len(frozen.Learnables())+3, len(frozen.Params()))
}

func TestModel_RegularizationSkipsBiases(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(1, 2)
	conf.L2 = 0.5
	conf.TrainBackbone = true
	trainer, _, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()
	d := trainer.Model()

	// 3 per group in the attention, 2 per gate in the LSTM, the classifier and the filter
	assert.Len(d.weights, 3*NumGroups+2*gates+2)
	biases := G.Nodes{d.bp}
	for i := 0; i < NumGroups; i++ {
		biases = append(biases, d.att.bias[i], d.att.vb[i])
	}
	for i := 0; i < gates; i++ {
		biases = append(biases, d.enc.b[i])
	}
	for _, b := range biases {
		assert.False(d.weights.Contains(b), "%v is a bias", b.Name())
	}

	trainer.Reset()
	l, err := trainer.Accumulate(makeBatch(conf, 2, []int{0, 1}))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var want float64
	for _, w := range d.weights {
		for _, v := range w.Value().Data().([]float32) {
			want += 0.5 * conf.L2 * float64(v) * float64(v)
		}
	}
	assert.InDelta(want, float64(l.Regularization), 1e-3*want)
}

func TestTrain(t *testing.T) {
	conf := smallConf(2, 3)
	trainer, _, err := Build(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer trainer.Close()

	batch := makeBatch(conf, 4, []int{0, 1, 1, 2, 2, 0, 0, 0})
	costs, err := Train(trainer, batch, 2, 3)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Len(t, costs, 3)
	for _, c := range costs {
		assert.True(t, c > 0)
	}

	// the shuffle keeps the labels of a sequence together
	labels := batch.Labels.Data().([]int)
	seen := map[[2]int]int{}
	for i := 0; i < 4; i++ {
		seen[[2]int{labels[i*2], labels[i*2+1]}]++
	}
	assert.Equal(t, map[[2]int]int{{0, 1}: 1, {1, 2}: 1, {2, 0}: 1, {0, 0}: 1}, seen)

	if _, err = Train(trainer, batch, 3, 1); err == nil {
		t.Error("expected an error when the batch does not split into sub-batches")
	}
}

func TestInferencer(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(2, 4)
	d := New(conf)
	if err := d.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	inferer, err := Infer(d, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer inferer.Close()
	assert.True(inferer.Model().FwdOnly)
	assert.Nil(inferer.Model().Objective())

	one := makeBatch(conf, 1, []int{0, 0})
	probs, maps, err := inferer.Infer(one.Frames)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	checkProbabilities(t, probs, 1, 2, 4)
	checkAttention(t, maps, 1, 2, 49)
	assert.Equal("", inferer.ExecLog())

	full := makeBatch(conf, 2, []int{0, 0, 0, 0})
	if probs, _, err = inferer.Infer(full.Frames); err != nil {
		t.Fatalf("%+v", err)
	}
	checkProbabilities(t, probs, 2, 2, 4)

	tooMany := makeBatch(conf, 3, []int{0, 0, 0, 0, 0, 0})
	_, _, err = inferer.Infer(tooMany.Frames)
	assert.Error(err)
}

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(2, 4)
	d := New(conf)
	if err := d.Init(); err != nil {
		t.Fatalf("%+v", err)
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(d); err != nil {
		t.Fatalf("%+v", err)
	}

	d2 := New(conf)
	dec := gob.NewDecoder(&buf)
	if err := dec.Decode(d2); err != nil {
		t.Fatalf("%+v", err)
	}

	for i, n := range d.Params() {
		assert.Equal(n.Value().Data(), d2.Params()[i].Value().Data(), "param %v", n.Name())
	}
}

func TestClone(t *testing.T) {
	conf := smallConf(1, 2)
	d := New(conf)
	if err := d.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	d2, err := d.Clone()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, snapshot(d), snapshot(d2))

	w := d2.Learnables()[0].Value().Data().([]float32)
	w[0] += 1
	assert.NotEqual(t, snapshot(d), snapshot(d2), "clones should not share parameters")
}

func TestArchitectureDot(t *testing.T) {
	conf := smallConf(2, 4)
	d := New(conf)
	if err := d.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	dot := d.ArchitectureDot()
	for _, want := range []string{"digraph", "attention_Torso_0", "attention_Ankle_1", "lstm_1", "predictor_0", "loss"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected %q in\n%v", want, dot)
		}
	}
}
