package att

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// attention generates one set of joint attention maps per body part group from the recurrent
// state and a frame's features.
//
// The projection of the features and of the hidden state into NumGroups*AttDim channels is
// stored as NumGroups column blocks of AttDim channels each, one per group. The final
// AttDim -> Joints projection (v, vb) is not shared between groups.
type attention struct {
	batch, positions int

	wc   [NumGroups]*G.Node // (Channels, AttDim), 1x1 convolution, no bias
	wh   [NumGroups]*G.Node // (LSTMDim, AttDim), no bias
	bias [NumGroups]*G.Node // (1, AttDim)
	v    [NumGroups]*G.Node // (AttDim, Joints), 1x1 convolution
	vb   [NumGroups]*G.Node // (1, Joints)

	spread *G.Node // (batch*positions, batch): repeats a row per batch element over its positions
}

func newAttention(g *G.ExprGraph, conf Config) *attention {
	retVal := &attention{
		batch:     conf.BatchSize,
		positions: conf.positions(),
		spread:    spreadMatrix(conf.BatchSize, conf.positions()),
	}
	for i := 0; i < NumGroups; i++ {
		grp := Group(i)
		retVal.wc[i] = G.NewMatrix(g, Float, G.WithShape(conf.Channels, conf.AttDim), G.WithName(fmt.Sprintf("att_pose_c_%v", grp)), G.WithInit(G.GlorotU(1.0)))
		retVal.wh[i] = G.NewMatrix(g, Float, G.WithShape(conf.LSTMDim, conf.AttDim), G.WithName(fmt.Sprintf("att_pose_h_%v", grp)), G.WithInit(G.GlorotU(1.0)))
		retVal.bias[i] = G.NewMatrix(g, Float, G.WithShape(1, conf.AttDim), G.WithName(fmt.Sprintf("att_bias_%v", grp)), G.WithInit(G.Zeroes()))
		retVal.v[i] = G.NewMatrix(g, Float, G.WithShape(conf.AttDim, Joints), G.WithName(fmt.Sprintf("att_map_bp_%v", grp)), G.WithInit(G.GlorotU(1.0)))
		retVal.vb[i] = G.NewMatrix(g, Float, G.WithShape(1, Joints), G.WithName(fmt.Sprintf("att_map_bp_b_%v", grp)), G.WithInit(G.Zeroes()))
	}
	return retVal
}

// fwd takes h (batch, LSTMDim) and a feature map (batch*positions, Channels) and returns one
// (batch*positions, Joints) attention map per group. Every column of a batch element sums to
// 1 over its positions.
func (a *attention) fwd(h, feature *G.Node) (retVal [NumGroups]*G.Node, err error) {
	var m maebe
	for i := 0; i < NumGroups; i++ {
		ac := m.mul(feature, a.wc[i])
		ah := m.mul(a.spread, m.mul(h, a.wh[i]))
		tmp := m.tanh(m.addRow(m.add(ac, ah), a.bias[i]))

		logits := m.linear(tmp, a.v[i], a.vb[i])
		retVal[i] = m.softmaxColumns(logits, a.batch, a.positions)
	}
	return retVal, m.err
}

func (a *attention) learnables() G.Nodes {
	retVal := make(G.Nodes, 0, 5*NumGroups)
	for i := 0; i < NumGroups; i++ {
		retVal = append(retVal, a.wc[i], a.wh[i], a.bias[i], a.v[i], a.vb[i])
	}
	return retVal
}

// weights are the learnables without the biases.
func (a *attention) weights() G.Nodes {
	retVal := make(G.Nodes, 0, 3*NumGroups)
	for i := 0; i < NumGroups; i++ {
		retVal = append(retVal, a.wc[i], a.wh[i], a.v[i])
	}
	return retVal
}

func spreadMatrix(batch, positions int) *G.Node {
	backing := make([]float32, batch*positions*batch)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			backing[(b*positions+p)*batch+b] = 1
		}
	}
	return G.NewConstant(tensor.New(tensor.WithShape(batch*positions, batch), tensor.WithBacking(backing)))
}

func poolMatrix(batch, positions int) *G.Node {
	backing := make([]float32, batch*batch*positions)
	w := 1 / float32(positions)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			backing[b*batch*positions+b*positions+p] = w
		}
	}
	return G.NewConstant(tensor.New(tensor.WithShape(batch, batch*positions), tensor.WithBacking(backing)))
}
