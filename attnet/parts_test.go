package att

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func input(g *G.ExprGraph, name string, data []float32, shape ...int) *G.Node {
	return G.NewMatrix(g, Float, G.WithShape(shape...), G.WithName(name), G.WithValue(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))))
}

func run(t *testing.T, g *G.ExprGraph) {
	m := G.NewTapeMachine(g)
	defer m.Close()
	if err := m.RunAll(); err != nil {
		t.Fatalf("%+v", err)
	}
}

func TestGroups(t *testing.T) {
	assert := assert.New(t)
	want := [NumGroups][]int{
		Torso: {0, 1, 2, 4, 8, 11, 14, 15, 16, 17},
		Elbow: {3, 6},
		Wrist: {4, 7},
		Knee:  {9, 12},
		Ankle: {10, 13},
	}
	assert.Equal(want, Members)

	covered := make([]int, Joints)
	for g := Group(0); g < NumGroups; g++ {
		for _, j := range Members[g] {
			assert.True(j >= 0 && j < Joints, "%v has joint %d", g, j)
			covered[j]++
		}
		assert.NotEqual("Unknown Group", g.String())
	}
	assert.Equal(2, covered[4], "joint 4 is both torso and wrist")
	assert.Equal(0, covered[5], "joint 5 belongs to no group")
	assert.Equal("Unknown Group", Group(NumGroups).String())
}

func randomData(n int) []float32 {
	return tensor.Random(Float, n).([]float32)
}

func clone(a []float32) []float32 { return append([]float32(nil), a...) }

func TestAttention(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(1, 2)
	B, P := conf.BatchSize, conf.positions()
	g := G.NewGraph()
	att := newAttention(g, conf)

	// two steps of an unrolled graph that happen to see the same state and features
	hData, fData := randomData(B*conf.LSTMDim), randomData(B*P*conf.Channels)
	h0 := input(g, "h_0", clone(hData), B, conf.LSTMDim)
	h1 := input(g, "h_1", clone(hData), B, conf.LSTMDim)
	f0 := input(g, "feature_0", clone(fData), B*P, conf.Channels)
	f1 := input(g, "feature_1", clone(fData), B*P, conf.Channels)

	first, err := att.fwd(h0, f0)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	second, err := att.fwd(h1, f1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Len(att.learnables(), 5*NumGroups, "calling fwd twice must not create new parameters")

	var v1, v2 [NumGroups]G.Value
	for i := range first {
		assert.NotSame(first[i], second[i])
		G.Read(first[i], &v1[i])
		G.Read(second[i], &v2[i])
	}
	run(t, g)

	for i := 0; i < NumGroups; i++ {
		assert.Equal(tensor.Shape{B * P, Joints}, first[i].Shape())
		a := v1[i].Data().([]float32)
		if diff := cmp.Diff(a, v2[i].Data().([]float32), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("shared weights must give the same maps for %v (-first +second):\n%s", Group(i), diff)
		}

		for b := 0; b < B; b++ {
			for j := 0; j < Joints; j++ {
				var sum float32
				for p := 0; p < P; p++ {
					w := a[(b*P+p)*Joints+j]
					assert.True(w >= 0)
					sum += w
				}
				assert.InDelta(1, sum, 1e-4, "%v: batch %d joint %d", Group(i), b, j)
			}
		}
	}
}

func TestLSTM_SharedAcrossSteps(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf(2, 2)
	B, H := conf.BatchSize, conf.LSTMDim
	g := G.NewGraph()
	enc := newLSTM(g, conf)

	xData, hData, cData := randomData(B*conf.Channels), randomData(B*H), randomData(B*H)
	var outs [2]state
	for step := range outs {
		x := input(g, fmt.Sprintf("x_%d", step), clone(xData), B, conf.Channels)
		prev := state{
			h: input(g, fmt.Sprintf("h_%d", step), clone(hData), B, H),
			c: input(g, fmt.Sprintf("c_%d", step), clone(cData), B, H),
		}
		var err error
		if outs[step], err = enc.fwd(x, prev); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	assert.NotSame(outs[0].h, outs[1].h)
	assert.Len(enc.learnables(), 3*gates)

	var h0, h1, c0, c1 G.Value
	G.Read(outs[0].h, &h0)
	G.Read(outs[1].h, &h1)
	G.Read(outs[0].c, &c0)
	G.Read(outs[1].c, &c1)
	run(t, g)

	approx := cmpopts.EquateApprox(0, 1e-6)
	if diff := cmp.Diff(h0.Data().([]float32), h1.Data().([]float32), approx); diff != "" {
		t.Errorf("h differs between steps (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(c0.Data().([]float32), c1.Data().([]float32), approx); diff != "" {
		t.Errorf("c differs between steps (-first +second):\n%s", diff)
	}
}

func TestAssembler_Parts(t *testing.T) {
	conf := smallConf(1, 2)
	conf.BatchSize = 1
	conf.Channels = 2
	P := conf.positions()

	feature := make([]float32, P*conf.Channels)
	for i := range feature {
		feature[i] = float32(i%7) - 3
	}
	// joints outside a group get large weights so that any leak shows
	maps := make([]float32, P*Joints)
	for p := 0; p < P; p++ {
		for j := 0; j < Joints; j++ {
			maps[p*Joints+j] = 100
		}
		for _, j := range Members[Elbow] {
			maps[p*Joints+j] = float32(p) / 100
		}
	}

	g := G.NewGraph()
	var ms [NumGroups]*G.Node
	for i := range ms {
		ms[i] = input(g, fmt.Sprintf("map_%d", i), maps, P, Joints)
	}
	f := input(g, "feature", feature, P, conf.Channels)

	asm := newAssembler(conf)
	parts, err := asm.parts(ms, f)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var elbow G.Value
	G.Read(parts[Elbow], &elbow)
	run(t, g)

	want := make([]float32, len(feature))
	for p := 0; p < P; p++ {
		w := 2 * float32(p) / 100 // two elbow joints
		for c := 0; c < conf.Channels; c++ {
			want[p*conf.Channels+c] = w * feature[p*conf.Channels+c]
		}
	}
	if diff := cmp.Diff(want, elbow.Data().([]float32), cmpopts.EquateApprox(1e-5, 1e-6)); diff != "" {
		t.Errorf("elbow part (-want +got):\n%s", diff)
	}
}

func TestAssembler_Fwd(t *testing.T) {
	conf := smallConf(1, 2)
	conf.BatchSize = 2
	conf.Channels = 3
	B, P := conf.BatchSize, conf.positions()

	// uniform attention: every part is the feature scaled by the group size / P
	maps := make([]float32, B*P*Joints)
	for i := range maps {
		maps[i] = 1 / float32(P)
	}
	feature := make([]float32, B*P*conf.Channels)
	for i := range feature {
		feature[i] = 1
	}
	g := G.NewGraph()
	var ms [NumGroups]*G.Node
	for i := range ms {
		ms[i] = input(g, fmt.Sprintf("map_%d", i), maps, B*P, Joints)
	}
	f := input(g, "feature", feature, B*P, conf.Channels)

	asm := newAssembler(conf)
	pooled, err := asm.fwd(ms, f)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, tensor.Shape{B, conf.Channels}, pooled.Shape())
	var v G.Value
	G.Read(pooled, &v)
	run(t, g)

	// the torso has the most joints, so it wins the max everywhere
	w := float32(len(Members[Torso])) / float32(P)
	want := []float32{w, w, w, w, w, w}
	if diff := cmp.Diff(want, v.Data().([]float32), cmpopts.EquateApprox(1e-5, 1e-6)); diff != "" {
		t.Errorf("pooled (-want +got):\n%s", diff)
	}
}

func TestLoss_RegressionIsZeroOnGroundTruth(t *testing.T) {
	conf := smallConf(2, 2)
	B, P := conf.BatchSize, conf.positions()
	hm := make([]float32, B*P*Joints)
	for i := range hm {
		hm[i] = float32(i%P) / float32(P)
	}

	g := G.NewGraph()
	var maps [][NumGroups]*G.Node
	var heatmaps []*G.Node
	for step := 0; step < conf.T; step++ {
		heatmaps = append(heatmaps, input(g, fmt.Sprintf("heatmap_%d", step), append([]float32(nil), hm...), B*P, Joints))
		var ms [NumGroups]*G.Node
		for i := range ms {
			ms[i] = input(g, fmt.Sprintf("map_%d_%d", step, i), append([]float32(nil), hm...), B*P, Joints)
		}
		maps = append(maps, ms)
	}

	lc := newLossComposer(conf)
	loss, err := lc.regression(maps, heatmaps)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var v G.Value
	G.Read(loss, &v)
	run(t, g)
	assert.Equal(t, []float32{0, 0}, v.Data().([]float32))
}

func TestLoss_Classification(t *testing.T) {
	conf := smallConf(2, 2)

	// equal logits give log(C) per step
	g := G.NewGraph()
	var logits, labels []*G.Node
	for step := 0; step < conf.T; step++ {
		logits = append(logits, input(g, fmt.Sprintf("logits_%d", step), make([]float32, 4), 2, 2))
		labels = append(labels, input(g, fmt.Sprintf("labels_%d", step), []float32{0, 1, 1, 0}, 2, 2))
	}
	lc := newLossComposer(conf)
	perExample, perStep, err := lc.classification(logits, labels)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var v, s0 G.Value
	G.Read(perExample, &v)
	G.Read(perStep[0], &s0)
	run(t, g)

	ln2 := 0.6931472
	assert.InDeltaSlice(t, []float32{float32(2 * ln2), float32(2 * ln2)}, v.Data().([]float32), 1e-5)
	assert.InDelta(t, ln2, s0.Data().(float32), 1e-5)
}

func TestLoss_XentIsStable(t *testing.T) {
	g := G.NewGraph()
	logits := input(g, "logits", []float32{1000, 0, 0, 1000, 2, 1}, 3, 2)
	labels := input(g, "labels", []float32{1, 0, 1, 0, 0, 1}, 3, 2)
	var m maebe
	xent := m.xent(logits, labels)
	if m.err != nil {
		t.Fatalf("%+v", m.err)
	}
	var v G.Value
	G.Read(xent, &v)
	run(t, g)

	// the second row is a confident miss, the last row is log(1 + e)
	assert.InDeltaSlice(t, []float32{0, 1000, 1.3132617}, v.Data().([]float32), 1e-3)
}
