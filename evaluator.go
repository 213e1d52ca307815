package rpan

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"

	att "github.com/gorgonia/rpan/attnet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

var numCPU = runtime.NumCPU()

// Evaluation is the accuracy of the network on a set of examples.
type Evaluation struct {
	Examples int

	// FrameAccuracy is the fraction of frames whose most probable class is the label.
	FrameAccuracy float32

	// ClipAccuracy is the fraction of examples whose most probable class, after averaging
	// the probabilities over time, is the example's most frequent label.
	ClipAccuracy float32
}

// evaluator is a pool of inferencers that evaluates batches concurrently.
type evaluator struct {
	sync.Mutex
	conf     att.Config
	inferer  chan Inferer
	inferers []Inferer
}

func newEvaluator(d *att.Model, n int) (*evaluator, error) {
	retVal := &evaluator{
		conf:    d.Config,
		inferer: make(chan Inferer, n),
	}
	for i := 0; i < n; i++ {
		inf, err := att.Infer(d, false)
		if err != nil {
			retVal.Close()
			return nil, err
		}
		retVal.inferers = append(retVal.inferers, inf)
		retVal.inferer <- inf
	}
	return retVal, nil
}

// infer runs a batch of at most BatchSize examples and returns the class probabilities,
// shaped (n, T, C).
func (e *evaluator) infer(examples []Example) (*tensor.Dense, error) {
	c := e.conf
	var frames []float32
	for _, ex := range examples {
		frames = append(frames, ex.Frames...)
	}
	input := tensor.New(tensor.WithBacking(frames), tensor.WithShape(len(examples), c.T, c.FrameSize, c.FrameSize, 3))

	inf := <-e.inferer
	defer func() { e.inferer <- inf }()
	probs, _, err := inf.Infer(input)
	if err != nil {
		if el, ok := inf.(ExecLogger); ok {
			return nil, errors.WithMessage(err, el.ExecLog())
		}
		return nil, err
	}
	return probs, nil
}

func (e *evaluator) Close() error {
	close(e.inferer)
	var allErrs manyErr
	for _, inferer := range e.inferers {
		if err := inferer.Close(); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	if len(allErrs) > 0 {
		return allErrs
	}
	return nil
}

// Evaluate measures the accuracy of the network on the examples. Batches are run
// concurrently on a pool of inference copies of the network.
//
// The copies run the backbone in the testing phase, but only the parameters are copied into
// them: gorgonia keeps the batch norm running statistics private to the training graph's op.
// The copies normalize with their own statistics, which are never updated. The accuracy is
// therefore skewed for backbones that batch normalize, and is best compared between
// evaluations of the same configuration, not against training phase numbers.
func (l *Learner) Evaluate(examples []Example) (Evaluation, error) {
	for i, ex := range examples {
		if err := l.checkExample(ex); err != nil {
			return Evaluation{}, errors.WithMessage(err, fmt.Sprintf("example %d", i))
		}
	}
	bs := l.nnConf.BatchSize
	batches := (len(examples) + bs - 1) / bs
	workers := numCPU
	if batches < workers {
		workers = batches
	}
	if workers == 0 {
		return Evaluation{}, nil
	}

	e, err := newEvaluator(l.Model(), workers)
	if err != nil {
		return Evaluation{}, err
	}
	defer e.Close()

	var frames, clips int
	var wg sync.WaitGroup
	var errs manyErr
	for b := 0; b < batches; b++ {
		start := b * bs
		end := start + bs
		if end > len(examples) {
			end = len(examples)
		}
		wg.Add(1)
		go func(batch []Example) {
			defer wg.Done()
			probs, err := e.infer(batch)
			e.Lock()
			defer e.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			f, c := score(batch, probs, l.nnConf.T, l.nnConf.C)
			frames += f
			clips += c
		}(examples[start:end])
	}
	wg.Wait()
	if len(errs) > 0 {
		return Evaluation{}, errs
	}

	retVal := Evaluation{
		Examples:      len(examples),
		FrameAccuracy: float32(frames) / float32(len(examples)*l.nnConf.T),
		ClipAccuracy:  float32(clips) / float32(len(examples)),
	}
	l.logger.WithFields(logrus.Fields{
		"name":     l.name,
		"examples": retVal.Examples,
		"frames":   retVal.FrameAccuracy,
		"clips":    retVal.ClipAccuracy,
	}).Info("evaluated")
	return retVal, nil
}

// score counts the correctly classified frames and clips of a batch.
func score(examples []Example, probs *tensor.Dense, t, c int) (frames, clips int) {
	data := probs.Data().([]float32)
	mean := make([]float32, c)
	votes := make([]float32, c)
	for i, ex := range examples {
		for k := range mean {
			mean[k] = 0
			votes[k] = 0
		}
		for s := 0; s < t; s++ {
			p := data[(i*t+s)*c : (i*t+s+1)*c]
			if vecf32.Argmax(p) == ex.Labels[s] {
				frames++
			}
			vecf32.Add(mean, p)
			votes[ex.Labels[s]]++
		}
		if vecf32.Argmax(mean) == vecf32.Argmax(votes) {
			clips++
		}
	}
	return
}

type manyErr []error

func (err manyErr) Error() string {
	var buf bytes.Buffer
	for _, e := range err {
		fmt.Fprintln(&buf, e.Error())
	}
	return buf.String()
}
