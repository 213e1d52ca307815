package att

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	gateI = iota // input
	gateF        // forget
	gateG        // candidate
	gateO        // output
	gates
)

var gateNames = [gates]string{"i", "f", "g", "o"}

// lstm is the recurrent cell. A single instance is applied at every time step.
type lstm struct {
	batch, hidden int

	wx [gates]*G.Node // (Channels, LSTMDim)
	wh [gates]*G.Node // (LSTMDim, LSTMDim)
	b  [gates]*G.Node // (1, LSTMDim)
}

// state is the (h, c) pair carried between time steps.
type state struct {
	h, c *G.Node
}

func newLSTM(g *G.ExprGraph, conf Config) *lstm {
	retVal := &lstm{
		batch:  conf.BatchSize,
		hidden: conf.LSTMDim,
	}
	for i := 0; i < gates; i++ {
		retVal.wx[i] = G.NewMatrix(g, Float, G.WithShape(conf.Channels, conf.LSTMDim), G.WithName(fmt.Sprintf("lstm_wx_%s", gateNames[i])), G.WithInit(G.GlorotU(1.0)))
		retVal.wh[i] = G.NewMatrix(g, Float, G.WithShape(conf.LSTMDim, conf.LSTMDim), G.WithName(fmt.Sprintf("lstm_wh_%s", gateNames[i])), G.WithInit(G.GlorotU(1.0)))
		initFn := G.Zeroes()
		if i == gateF {
			initFn = G.Ones()
		}
		retVal.b[i] = G.NewMatrix(g, Float, G.WithShape(1, conf.LSTMDim), G.WithName(fmt.Sprintf("lstm_b_%s", gateNames[i])), G.WithInit(initFn))
	}
	return retVal
}

// zeroState is the state at the start of every sequence.
func (l *lstm) zeroState() state {
	zeroes := func() *G.Node {
		return G.NewConstant(tensor.New(tensor.WithShape(l.batch, l.hidden), tensor.Of(Float)))
	}
	return state{h: zeroes(), c: zeroes()}
}

// fwd consumes x (batch, Channels) and the previous state and returns the next state. The
// step output is the new h.
func (l *lstm) fwd(x *G.Node, prev state) (state, error) {
	var m maebe
	var z [gates]*G.Node
	for i := 0; i < gates; i++ {
		z[i] = m.addRow(m.add(m.mul(x, l.wx[i]), m.mul(prev.h, l.wh[i])), l.b[i])
	}
	in := m.sigmoid(z[gateI])
	forget := m.sigmoid(z[gateF])
	candidate := m.tanh(z[gateG])
	out := m.sigmoid(z[gateO])

	c := m.add(m.hadamard(forget, prev.c), m.hadamard(in, candidate))
	h := m.hadamard(out, m.tanh(c))
	return state{h: h, c: c}, m.err
}

func (l *lstm) learnables() G.Nodes {
	retVal := make(G.Nodes, 0, 3*gates)
	for i := 0; i < gates; i++ {
		retVal = append(retVal, l.wx[i], l.wh[i], l.b[i])
	}
	return retVal
}

func (l *lstm) weights() G.Nodes {
	retVal := make(G.Nodes, 0, 2*gates)
	for i := 0; i < gates; i++ {
		retVal = append(retVal, l.wx[i], l.wh[i])
	}
	return retVal
}
