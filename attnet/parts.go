package att

import G "gorgonia.org/gorgonia"

// assembler builds the attention weighted body part features and pools them into a single
// vector per batch element.
type assembler struct {
	selectors [NumGroups]*G.Node // (Joints, 1)
	pool      *G.Node            // (batch, batch*positions)
}

func newAssembler(conf Config) *assembler {
	retVal := &assembler{
		pool: poolMatrix(conf.BatchSize, conf.positions()),
	}
	for i := range retVal.selectors {
		retVal.selectors[i] = Group(i).selector()
	}
	return retVal
}

// parts returns, for each group, the feature map weighted by the summed attention of the
// group's joints. Joints outside the group do not contribute.
func (a *assembler) parts(maps [NumGroups]*G.Node, feature *G.Node) (retVal [NumGroups]*G.Node, err error) {
	var m maebe
	for i := range maps {
		weights := m.mul(maps[i], a.selectors[i]) // (batch*positions, 1)
		retVal[i] = m.scaleRows(feature, weights)
	}
	return retVal, m.err
}

// fwd max pools the parts elementwise and then averages over the spatial positions, giving
// a (batch, Channels) matrix.
func (a *assembler) fwd(maps [NumGroups]*G.Node, feature *G.Node) (*G.Node, error) {
	parts, err := a.parts(maps, feature)
	if err != nil {
		return nil, err
	}
	var m maebe
	maxed := parts[0]
	for _, p := range parts[1:] {
		maxed = m.maximum(maxed, p)
	}
	retVal := m.mul(a.pool, maxed)
	return retVal, m.err
}
