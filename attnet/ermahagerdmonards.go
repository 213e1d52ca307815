package att

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

type maebe struct {
	err error
}

type batchNormOp interface {
	SetTraining()
	SetTesting()
	Reset() error
}

// generic monad... may be useful
func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// conv is a stride 1 convolution on BCHW input with a square filter.
func (m *maebe) conv(input, filter *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	size := filter.Shape()[2]
	padding := findPadding(input.Shape()[2], input.Shape()[3], size, size)

	// assume well behaved images
	if retVal, m.err = nnops.Conv2d(input, filter, []int{size, size}, padding, []int{1, 1}, []int{1, 1}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) maxpool(input *G.Node, size int) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.MaxPool2D(input, tensor.Shape{size, size}, []int{0, 0}, []int{size, size}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) batchnorm(input *G.Node) (retVal, scale, bias *G.Node, retOp batchNormOp) {
	if m.err != nil {
		return nil, nil, nil, nil
	}
	if retVal, scale, bias, retOp, m.err = nnops.BatchNorm(input, nil, nil, 0.997, 1e-5); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) rectify(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.Rectify(input); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) reshape(input *G.Node, to tensor.Shape) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Reshape(input, to); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) transpose(input *G.Node, axes ...int) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Transpose(input, axes...); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// row selects row i of a matrix.
func (m *maebe) row(input *G.Node, i int) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Slice(input, G.S(i)); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) mul(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mul(a, b) })
}

func (m *maebe) add(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(a, b) })
}

func (m *maebe) hadamard(a, b *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.HadamardProd(a, b) })
}

// addRow adds a (1, n) row vector to every row of a matrix.
func (m *maebe) addRow(a, row *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.BroadcastAdd(a, row, nil, []byte{0}) })
}

// scaleRows multiplies every row of a by the matching entry of the (rows, 1) column.
func (m *maebe) scaleRows(a, col *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(a, col, nil, []byte{1}) })
}

func (m *maebe) tanh(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Tanh(a) })
}

func (m *maebe) sigmoid(a *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Sigmoid(a) })
}

// maximum is the elementwise max: (a + b + |a - b|) / 2.
func (m *maebe) maximum(a, b *G.Node) *G.Node {
	sum := m.add(a, b)
	diff := m.do(func() (*G.Node, error) { return G.Sub(a, b) })
	abs := m.do(func() (*G.Node, error) { return G.Abs(diff) })
	return m.hadamard(m.add(sum, abs), scalar(0.5))
}

// linear is xW + b with b broadcast over the rows of x.
func (m *maebe) linear(input, w, b *G.Node) *G.Node {
	xw := m.mul(input, w)
	return m.addRow(xw, b)
}

// softmaxColumns normalises each column of a (batch*positions, k) matrix over the positions
// of each batch element.
func (m *maebe) softmaxColumns(input *G.Node, batch, positions int) *G.Node {
	k := input.Shape()[1]
	bpk := m.reshape(input, tensor.Shape{batch, positions, k})
	bkp := m.transpose(bpk, 0, 2, 1)
	flat := m.reshape(bkp, tensor.Shape{batch * k, positions})
	sm := m.do(func() (*G.Node, error) { return G.SoftMax(flat) })
	bkp = m.reshape(sm, tensor.Shape{batch, k, positions})
	bpk = m.transpose(bkp, 0, 2, 1)
	return m.reshape(bpk, tensor.Shape{batch * positions, k})
}

// xent is the sparse softmax cross entropy of each row of logits against one-hot targets:
// logsumexp(x) - x[label], with the row max subtracted first. The result is a vector with one
// loss per row. It does not build a SoftMax node, so the softmax read as the output
// probabilities stays a separate node.
func (m *maebe) xent(logits, target *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	rows := logits.Shape()[0]
	peak := m.do(func() (*G.Node, error) { return G.Max(logits, 1) })
	peak = m.reshape(peak, tensor.Shape{rows, 1})
	shifted := m.do(func() (*G.Node, error) { return G.BroadcastSub(logits, peak, nil, []byte{1}) })
	exp := m.do(func() (*G.Node, error) { return G.Exp(shifted) })
	sum := m.do(func() (*G.Node, error) { return G.Sum(exp, 1) })
	lse := m.do(func() (*G.Node, error) { return G.Log(sum) })
	picked := m.hadamard(target, shifted)
	picked = m.do(func() (*G.Node, error) { return G.Sum(picked, 1) })
	return m.do(func() (*G.Node, error) { return G.Sub(lse, picked) })
}

// halfSquaredDistance is 0.5*||a - b||^2 per batch element. a and b are (batch*positions, k).
// The difference is taken as b - a so that a, which is read as an output, is never the
// input Sub may overwrite.
func (m *maebe) halfSquaredDistance(a, b *G.Node, batch int) *G.Node {
	diff := m.do(func() (*G.Node, error) { return G.Sub(b, a) })
	if m.err != nil {
		return nil
	}
	diff = m.reshape(diff, tensor.Shape{batch, diff.Shape().TotalSize() / batch})
	sq := m.do(func() (*G.Node, error) { return G.Square(diff) })
	summed := m.do(func() (*G.Node, error) { return G.Sum(sq, 1) })
	return m.hadamard(summed, scalar(0.5))
}

func scalar(v float64) *G.Node {
	switch Float {
	case G.Float32:
		return G.NewConstant(float32(v))
	case G.Float64:
		return G.NewConstant(v)
	}
	panic("Unsupported Float")
}

func findPadding(inputX, inputY, kernelX, kernelY int) []int {
	return []int{
		(inputX - 1 - inputX + kernelX) / 2,
		(inputY - 1 - inputY + kernelY) / 2,
	}
}
