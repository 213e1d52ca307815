package att

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// FeatureExtractor is the convolutional backbone that turns frames into spatial feature maps.
//
// Fwd takes frames shaped (N, FrameSize, FrameSize, 3) and returns (N, Grid, Grid, Channels).
// It is invoked once per graph, on all the frames of a batch.
type FeatureExtractor interface {
	Fwd(frames *G.Node) (*G.Node, error)

	// Params are the extractor's parameters. They only get optimised with Config.TrainBackbone.
	Params() G.Nodes

	// SetTraining and SetTesting switch phase sensitive layers.
	SetTraining()
	SetTesting()
}

// backboneWeights are the extractor's params that get L2 regularized. Extractors that have a
// Weights method choose them. Otherwise all the params are.
func backboneWeights(fe FeatureExtractor) G.Nodes {
	if w, ok := fe.(interface{ Weights() G.Nodes }); ok {
		return w.Weights()
	}
	return fe.Params()
}

// ExtractorFunc creates a fresh FeatureExtractor for a graph.
type ExtractorFunc func(conf Config) FeatureExtractor

// PoolExtractor is a small backbone: max pooling down to the feature grid, followed by a 1x1
// convolution, batch normalization and a rectifier.
type PoolExtractor struct {
	Config

	params G.Nodes
	ops    []batchNormOp
}

// NewPoolExtractor is the default ExtractorFunc.
func NewPoolExtractor(conf Config) FeatureExtractor {
	return &PoolExtractor{Config: conf}
}

func (p *PoolExtractor) Fwd(frames *G.Node) (*G.Node, error) {
	var m maebe
	n := frames.Shape()[0]

	// Gorgonia only supports convolutions and pooling on BCHW
	nchw := m.transpose(frames, 0, 3, 1, 2)
	pooled := m.maxpool(nchw, p.pooling())
	if m.err != nil {
		return nil, m.err
	}

	inChannels := pooled.Shape()[1]
	filter := G.NewTensor(frames.Graph(), Float, 4, G.WithShape(p.Channels, inChannels, 1, 1), G.WithName("Backbone_filter"), G.WithInit(G.GlorotU(1.0)))
	convolved := m.conv(pooled, filter)
	normalized, scale, bias, op := m.batchnorm(convolved)
	activated := m.rectify(normalized)
	nhwc := m.transpose(activated, 0, 2, 3, 1)
	retVal := m.reshape(nhwc, tensor.Shape{n, p.Grid, p.Grid, p.Channels})
	if m.err != nil {
		return nil, m.err
	}

	p.params = G.Nodes{filter, scale, bias}
	p.ops = append(p.ops, op)
	if p.Training {
		p.SetTraining()
	} else {
		p.SetTesting()
	}
	return retVal, nil
}

func (p *PoolExtractor) Params() G.Nodes { return p.params }

// Weights is the convolution filter. The batch norm scale and bias are not regularized.
func (p *PoolExtractor) Weights() G.Nodes { return p.params[:1] }

func (p *PoolExtractor) SetTraining() {
	for _, op := range p.ops {
		op.SetTraining()
	}
}

func (p *PoolExtractor) SetTesting() {
	for _, op := range p.ops {
		op.SetTesting()
	}
}
