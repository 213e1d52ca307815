package att

// Joints is the number of annotated joints per frame (CMU OpenPose layout).
const Joints = 18

// Config configures the neural network
type Config struct {
	T         int // sequence length
	C         int // number of action classes
	BatchSize int // sequences per forward/backward pass

	FrameSize int // frames are FrameSize x FrameSize x 3
	Grid      int // spatial resolution of the feature maps
	Channels  int // channel depth of the feature maps
	AttDim    int // channels per body part in the attention projection
	LSTMDim   int // dimensionality of the recurrent state

	LearningRate float64
	L2           float64 // L2 regularization
	ActionWeight float64 // weight of the classification term
	PoseWeight   float64 // weight of the attention regression term

	Training      bool // phase of the feature extractor
	TrainBackbone bool // also optimise the feature extractor's parameters
	FwdOnly       bool // is this a fwd only graph?
}

// DefaultConf returns the configuration used for Sub-JHMDB style training with sequences of
// length t over c classes.
func DefaultConf(t, c int) Config {
	return Config{
		T:         t,
		C:         c,
		BatchSize: 4,

		FrameSize: 224,
		Grid:      7,
		Channels:  2048,
		AttDim:    32,
		LSTMDim:   512,

		LearningRate: 1e-4,
		L2:           1e-4,
		ActionWeight: 1,
		PoseWeight:   1,

		Training: true,
	}
}

func (conf Config) IsValid() bool {
	return conf.T >= 1 &&
		conf.C >= 2 &&
		conf.BatchSize >= 1 &&
		conf.Grid >= 1 &&
		conf.FrameSize >= conf.Grid &&
		conf.FrameSize%conf.Grid == 0 &&
		conf.Channels >= 1 &&
		conf.AttDim >= 1 &&
		conf.LSTMDim >= 1 &&
		conf.LearningRate > 0 &&
		conf.L2 >= 0 &&
		conf.ActionWeight >= 0 &&
		conf.PoseWeight >= 0
}

// positions is the number of spatial positions of a feature map.
func (conf Config) positions() int { return conf.Grid * conf.Grid }

// pooling is the kernel size that reduces a frame to the feature grid.
func (conf Config) pooling() int { return conf.FrameSize / conf.Grid }
