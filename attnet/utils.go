package att

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type slicer struct {
	v   tensor.View
	err error
}

func (s *slicer) Slice(a *tensor.Dense, slices ...tensor.Slice) *tensor.Dense {
	if s.err != nil {
		return nil
	}
	if s.v, s.err = a.Slice(slices...); s.err != nil {
		s.err = errors.Wrapf(s.err, "Slicer failed") // get a stack trace
		return nil
	}
	return s.v.(*tensor.Dense)
}

// SliceBatch slices the outermost dimension of a, keeping it even when it is a single element.
func (s *slicer) SliceBatch(a *tensor.Dense, start, end int) *tensor.Dense {
	v := s.Slice(a, sli(start, end))
	if s.err != nil || end-start > 1 {
		return v
	}
	shp := a.Shape().Clone()
	shp[0] = 1
	v = materialize(v)
	if s.err = v.Reshape(shp...); s.err != nil {
		s.err = errors.Wrapf(s.err, "Slicer failed")
		return nil
	}
	return v
}

type rs struct {
	start, end, step int
}

func (s rs) Start() int { return s.start }
func (s rs) End() int   { return s.end }
func (s rs) Step() int  { return s.step }

// sli creates a ranged slice. It takes an optional step param.
func sli(start, end int, opts ...int) rs {
	step := 1
	if len(opts) > 0 {
		step = opts[0]
	}
	return rs{
		start: start,
		end:   end,
		step:  step,
	}
}
