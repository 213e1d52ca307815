package rpan

import (
	"io"

	att "github.com/gorgonia/rpan/attnet"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

type Config struct {
	Name    string
	NetConf att.Config

	SubBatches       int  // sub-batches accumulated per update
	AverageGradients bool // divide the accumulated gradients by SubBatches before an update
	HeatmapSigma     float32

	// extensions
	Logger        *logrus.Logger
	OutputEncoder OutputEncoder
	Extractor     att.ExtractorFunc
}

// DefaultConfig returns a configuration for sequences of length t over c classes.
func DefaultConfig(t, c int) Config {
	return Config{
		Name:         "rpan",
		NetConf:      att.DefaultConf(t, c),
		SubBatches:   1,
		HeatmapSigma: 1,
	}
}

func (c Config) IsValid() bool {
	return c.NetConf.IsValid() && c.SubBatches >= 1 && c.HeatmapSigma > 0
}

// Example is a single labelled video clip.
type Example struct {
	Frames   []float32 // T x FrameSize x FrameSize x 3
	Labels   []int     // T, one action label per frame
	Heatmaps []float32 // T x Grid x Grid x Joints
}

// Snapshot is what the network made of a single example.
type Snapshot struct {
	Name  string
	Epoch int

	Labels        []int
	Probabilities *tensor.Dense // (T, C)
	Attention     *tensor.Dense // (NumGroups, T, Grid, Grid, Joints)
}

// OutputEncoder encodes snapshots as whatever.
//
// An example OutputEncoder is the GifEncoder. Another example would be a logger.
type OutputEncoder interface {
	Encode(s Snapshot) error
	Flush() error
}

// Inferer is anything that can infer given an input.
type Inferer interface {
	Infer(frames *tensor.Dense) (probs, maps *tensor.Dense, err error)
	io.Closer
}

// ExecLogger is anything that can return the execution log.
type ExecLogger interface {
	ExecLog() string
}
