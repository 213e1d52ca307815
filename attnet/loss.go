package att

import (
	G "gorgonia.org/gorgonia"
)

// lossComposer combines the classification loss, the attention regression loss and the L2
// regularization of the weights. Biases are not regularized.
type lossComposer struct {
	batch               int
	actionW, poseW, l2W float64
}

func newLossComposer(conf Config) *lossComposer {
	return &lossComposer{
		batch:   conf.BatchSize,
		actionW: conf.ActionWeight,
		poseW:   conf.PoseWeight,
		l2W:     conf.L2,
	}
}

// losses are the loss nodes built by the composer. All of them are scalars.
type losses struct {
	cls  *G.Node   // mean over the batch of the per example classification loss
	pose *G.Node   // mean over the batch of the per example regression loss
	reg  *G.Node   // L2 weighted regularization
	step []*G.Node // mean over the batch of each step's cross entropy

	objective *G.Node
}

// classification is the per example sum over time of the sparse cross entropy, and the per
// step losses.
func (l *lossComposer) classification(logits, labels []*G.Node) (perExample *G.Node, perStep []*G.Node, err error) {
	var m maebe
	for t := range logits {
		xent := m.xent(logits[t], labels[t])
		perStep = append(perStep, m.do(func() (*G.Node, error) { return G.Mean(xent) }))
		if perExample == nil {
			perExample = xent
			continue
		}
		perExample = m.add(perExample, xent)
	}
	return perExample, perStep, m.err
}

// regression is the per example sum over time and groups of 0.5*||A - P||^2.
func (l *lossComposer) regression(maps [][NumGroups]*G.Node, heatmaps []*G.Node) (perExample *G.Node, err error) {
	var m maebe
	for t := range maps {
		for _, a := range maps[t] {
			dist := m.halfSquaredDistance(a, heatmaps[t], l.batch)
			if perExample == nil {
				perExample = dist
				continue
			}
			perExample = m.add(perExample, dist)
		}
	}
	return perExample, m.err
}

// regularization is the L2 weighted sum of 0.5*||w||^2 over the weights.
func (l *lossComposer) regularization(weights G.Nodes) (*G.Node, error) {
	var m maebe
	var retVal *G.Node
	for _, w := range weights {
		sq := m.do(func() (*G.Node, error) { return G.Square(w) })
		penalty := m.do(func() (*G.Node, error) { return G.Sum(sq) })
		if retVal == nil {
			retVal = penalty
			continue
		}
		retVal = m.add(retVal, penalty)
	}
	if retVal == nil {
		return scalar(0), nil
	}
	retVal = m.hadamard(retVal, scalar(0.5*l.l2W))
	return retVal, m.err
}

func (l *lossComposer) fwd(logits, labels []*G.Node, maps [][NumGroups]*G.Node, heatmaps []*G.Node, weights G.Nodes) (retVal losses, err error) {
	var cls, pose *G.Node
	if cls, retVal.step, err = l.classification(logits, labels); err != nil {
		return
	}
	if pose, err = l.regression(maps, heatmaps); err != nil {
		return
	}
	if retVal.reg, err = l.regularization(weights); err != nil {
		return
	}

	var m maebe
	retVal.cls = m.do(func() (*G.Node, error) { return G.Mean(cls) })
	retVal.pose = m.do(func() (*G.Node, error) { return G.Mean(pose) })

	weighted := m.add(m.hadamard(cls, scalar(l.actionW)), m.hadamard(pose, scalar(l.poseW)))
	mean := m.do(func() (*G.Node, error) { return G.Mean(weighted) })
	retVal.objective = m.add(mean, retVal.reg)
	return retVal, m.err
}
