// Package rpan trains a recurrent pose attention network for action recognition in videos.
package rpan

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"time"

	att "github.com/gorgonia/rpan/attnet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// Learner is the top level structure and the entry point of the API.
// It is a wrapper around the network's trainer that feeds it examples, epoch after epoch.
type Learner struct {
	Statistics

	// config
	name             string
	nnConf           att.Config
	subBatches       int
	averageGradients bool
	extractor        att.ExtractorFunc

	trainer *att.Trainer
	epoch   int

	// io
	logger *logrus.Logger
	outEnc OutputEncoder
}

// New creates a Learner. It panics if the configuration is not valid.
func New(conf Config) *Learner {
	if !conf.IsValid() {
		panic("Config is not valid. Unable to proceed")
	}
	if conf.NetConf.FwdOnly {
		panic("NetConf is forward only. Unable to learn")
	}
	extractor := conf.Extractor
	if extractor == nil {
		extractor = att.NewPoolExtractor
	}
	trainer, _, err := att.Build(conf.NetConf, att.WithExtractor(extractor))
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}

	logger := conf.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Learner{
		Statistics:       makeStatistics(),
		name:             conf.Name,
		nnConf:           conf.NetConf,
		subBatches:       conf.SubBatches,
		averageGradients: conf.AverageGradients,
		extractor:        extractor,
		trainer:          trainer,
		logger:           logger,
		outEnc:           conf.OutputEncoder,
	}
}

// Model returns the network being trained.
func (l *Learner) Model() *att.Model { return l.trainer.Model() }

// Learn trains the network on the examples for the given number of epochs.
//
// Every update accumulates the gradients of SubBatches batches of BatchSize examples. Examples
// that do not fill a whole update are left out of the epoch. Updates whose losses are not
// finite are skipped.
func (l *Learner) Learn(examples []Example, epochs int) error {
	perUpdate := l.nnConf.BatchSize * l.subBatches
	if len(examples) < perUpdate {
		return errors.Errorf("need at least %d examples for an update. Got %d", perUpdate, len(examples))
	}
	for i, ex := range examples {
		if err := l.checkExample(ex); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("example %d", i))
		}
	}

	l.Model().SetTraining()
	for e := 0; e < epochs; e++ {
		shuffleExamples(examples)
		updates := len(examples) / perUpdate
		start := time.Now()
		for u := 0; u < updates; u++ {
			if err := l.update(examples[u*perUpdate : (u+1)*perUpdate]); err != nil {
				return errors.WithMessage(err, fmt.Sprintf("epoch %d update %d", l.epoch, u))
			}
		}
		summary := l.Summary(l.epoch)
		l.logger.WithFields(logrus.Fields{
			"name":      l.name,
			"epoch":     l.epoch,
			"updates":   updates,
			"objective": summary.Mean,
			"stddev":    summary.StdDev,
			"skipped":   l.Skipped,
			"elapsed":   time.Since(start),
		}).Info("epoch done")

		if l.outEnc != nil {
			if err := l.snapshot(examples[0]); err != nil {
				return err
			}
		}
		l.epoch++
	}
	return nil
}

func (l *Learner) update(examples []Example) error {
	bs := l.nnConf.BatchSize
	l.trainer.Reset()

	var total att.Losses
	for b := 0; b < l.subBatches; b++ {
		batch := l.prepareBatch(examples[b*bs : (b+1)*bs])
		losses, err := l.trainer.Accumulate(batch)
		if err != nil {
			return err
		}
		if !losses.IsFinite() {
			l.Skipped++
			l.logger.WithFields(logrus.Fields{
				"epoch":     l.epoch,
				"subBatch":  b,
				"objective": losses.Objective,
			}).Warn("non finite loss. Skipping update")
			l.trainer.Reset()
			return nil
		}
		total.Objective += losses.Objective
		total.Classification += losses.Classification
		total.Regression += losses.Regression
		total.Regularization += losses.Regularization
	}
	if l.averageGradients {
		l.trainer.ScaleAccumulated(1 / float32(l.subBatches))
	}
	if err := l.trainer.Apply(); err != nil {
		return err
	}

	n := float32(l.subBatches)
	total.Objective /= n
	total.Classification /= n
	total.Regression /= n
	total.Regularization /= n
	l.Statistics.update(l.epoch, total)
	l.logger.WithFields(logrus.Fields{
		"epoch":          l.epoch,
		"objective":      total.Objective,
		"classification": total.Classification,
		"regression":     total.Regression,
	}).Debug("update")
	return nil
}

func (l *Learner) checkExample(ex Example) error {
	c := l.nnConf
	if want := c.T * c.FrameSize * c.FrameSize * 3; len(ex.Frames) != want {
		return errors.Errorf("expected %d frame values. Got %d", want, len(ex.Frames))
	}
	if len(ex.Labels) != c.T {
		return errors.Errorf("expected %d labels. Got %d", c.T, len(ex.Labels))
	}
	for _, label := range ex.Labels {
		if label < 0 || label >= c.C {
			return errors.Errorf("label %d is not in [0, %d)", label, c.C)
		}
	}
	if want := c.T * c.Grid * c.Grid * att.Joints; len(ex.Heatmaps) != want {
		return errors.Errorf("expected %d heatmap values. Got %d", want, len(ex.Heatmaps))
	}
	return nil
}

// prepareBatch stacks the examples into a batch.
func (l *Learner) prepareBatch(examples []Example) att.Batch {
	c := l.nnConf
	n := len(examples)
	var frames, heatmaps []float32
	var labels []int
	for _, ex := range examples {
		frames = append(frames, ex.Frames...)
		labels = append(labels, ex.Labels...)
		heatmaps = append(heatmaps, ex.Heatmaps...)
	}
	return att.Batch{
		Frames:   tensor.New(tensor.WithBacking(frames), tensor.WithShape(n, c.T, c.FrameSize, c.FrameSize, 3)),
		Labels:   tensor.New(tensor.WithBacking(labels), tensor.WithShape(n, c.T)),
		Heatmaps: tensor.New(tensor.WithBacking(heatmaps), tensor.WithShape(n, c.T, c.Grid, c.Grid, att.Joints)),
	}
}

// snapshot runs an example through an inference copy of the network and hands the result to
// the output encoder.
func (l *Learner) snapshot(ex Example) error {
	inf, err := att.Infer(l.Model(), false)
	if err != nil {
		return err
	}
	defer inf.Close()

	c := l.nnConf
	frames := tensor.New(tensor.WithBacking(ex.Frames), tensor.WithShape(1, c.T, c.FrameSize, c.FrameSize, 3))
	probs, maps, err := inf.Infer(frames)
	if err != nil {
		return err
	}
	if err = probs.Reshape(c.T, c.C); err != nil {
		return errors.WithStack(err)
	}
	if err = maps.Reshape(att.NumGroups, c.T, c.Grid, c.Grid, att.Joints); err != nil {
		return errors.WithStack(err)
	}
	return l.outEnc.Encode(Snapshot{
		Name:          l.name,
		Epoch:         l.epoch,
		Labels:        ex.Labels,
		Probabilities: probs,
		Attention:     maps,
	})
}

// Save learning into filename
func (l *Learner) Save(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := gob.NewEncoder(f)
	return enc.Encode(l.Model())
}

// Load the network from a filename. The Learner continues training the loaded network.
func (l *Learner) Load(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	d := att.New(l.nnConf, att.WithExtractor(l.extractor))
	dec := gob.NewDecoder(f)
	if err = dec.Decode(d); err != nil {
		return errors.WithStack(err)
	}
	trainer, err := att.NewTrainer(d)
	if err != nil {
		return err
	}
	if err = l.trainer.Close(); err != nil {
		trainer.Close()
		return err
	}
	l.trainer = trainer
	return nil
}

// Close releases the resources held by the Learner and flushes the output encoder.
func (l *Learner) Close() error {
	var allErrs manyErr
	if l.outEnc != nil {
		if err := l.outEnc.Flush(); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	if err := l.trainer.Close(); err != nil {
		allErrs = append(allErrs, err)
	}
	if len(allErrs) > 0 {
		return allErrs
	}
	return nil
}

func shuffleExamples(examples []Example) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range examples {
		j := r.Intn(i + 1)
		examples[i], examples[j] = examples[j], examples[i]
	}
}
