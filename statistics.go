package rpan

import (
	"encoding/csv"
	"os"
	"strconv"

	att "github.com/gorgonia/rpan/attnet"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Statistics records the losses of every update.
type Statistics struct {
	Epoch          []int
	Objective      []float64
	Classification []float64
	Regression     []float64
	Regularization []float64
	Skipped        int // updates dropped because of a non finite loss
}

func makeStatistics() Statistics {
	return Statistics{
		Epoch:          make([]int, 0, 64),
		Objective:      make([]float64, 0, 64),
		Classification: make([]float64, 0, 64),
		Regression:     make([]float64, 0, 64),
		Regularization: make([]float64, 0, 64),
	}
}

func (s *Statistics) update(epoch int, l att.Losses) {
	s.Epoch = append(s.Epoch, epoch)
	s.Objective = append(s.Objective, float64(l.Objective))
	s.Classification = append(s.Classification, float64(l.Classification))
	s.Regression = append(s.Regression, float64(l.Regression))
	s.Regularization = append(s.Regularization, float64(l.Regularization))
}

// Summary describes a series of losses.
type Summary struct {
	Mean, StdDev float64
	Min, Max     float64
	Last         float64
}

// Summary summarizes the objective of the updates of an epoch. A negative epoch summarizes
// all the updates.
func (s *Statistics) Summary(epoch int) Summary {
	var xs []float64
	for i, e := range s.Epoch {
		if epoch < 0 || e == epoch {
			xs = append(xs, s.Objective[i])
		}
	}
	if len(xs) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	return Summary{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
		Last:   xs[len(xs)-1],
	}
}

func (s *Statistics) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "objective", "classification", "regression", "regularization"}); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 32) }
	records := make([][]string, 0, len(s.Epoch))
	for i, epoch := range s.Epoch {
		records = append(records, []string{
			strconv.Itoa(epoch),
			format(s.Objective[i]),
			format(s.Classification[i]),
			format(s.Regression[i]),
			format(s.Regularization[i]),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
