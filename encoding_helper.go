package rpan

import (
	"github.com/chewxy/math32"
	att "github.com/gorgonia/rpan/attnet"
	"github.com/pkg/errors"
	"gorgonia.org/vecf32"
)

// Joint is a body joint of a frame, in normalized coordinates: (0, 0) is the top left corner of
// the frame and (1, 1) the bottom right one.
type Joint struct {
	X, Y    float32
	Visible bool
}

// EncodeHeatmap encodes the att.Joints joints of a frame as a (grid, grid, att.Joints) heatmap.
// Every joint is a gaussian centred on its position with a standard deviation of sigma grid
// cells, normalized to sum to 1 over the grid. Joints that are not visible are spread
// uniformly.
func EncodeHeatmap(joints []Joint, grid int, sigma float32, prealloc []float32) ([]float32, error) {
	if len(joints) != att.Joints {
		return nil, errors.Errorf("Expected %d joints. Got %d instead", att.Joints, len(joints))
	}
	if grid < 1 || sigma <= 0 {
		return nil, errors.Errorf("Cannot encode heatmaps on a grid of %d with sigma %v", grid, sigma)
	}
	positions := grid * grid
	if len(prealloc) != positions*att.Joints {
		prealloc = make([]float32, positions*att.Joints)
	}

	plane := make([]float32, positions)
	for j, joint := range joints {
		encodeJoint(joint, grid, sigma, plane)
		for p, v := range plane {
			prealloc[p*att.Joints+j] = v
		}
	}
	return prealloc, nil
}

// EncodeHeatmaps encodes the joints of a sequence of frames, one slice of joints per frame.
func EncodeHeatmaps(frames [][]Joint, grid int, sigma float32) ([]float32, error) {
	size := grid * grid * att.Joints
	retVal := make([]float32, len(frames)*size)
	for i, joints := range frames {
		if _, err := EncodeHeatmap(joints, grid, sigma, retVal[i*size:(i+1)*size]); err != nil {
			return nil, errors.WithMessagef(err, "frame %d", i)
		}
	}
	return retVal, nil
}

func encodeJoint(joint Joint, grid int, sigma float32, plane []float32) {
	uniform := 1 / float32(len(plane))
	if !joint.Visible {
		for i := range plane {
			plane[i] = uniform
		}
		return
	}

	cx := joint.X * float32(grid)
	cy := joint.Y * float32(grid)
	denom := 2 * sigma * sigma
	it := MakeIterator(plane, grid, grid)
	for y := range it {
		dy := float32(y) + 0.5 - cy
		for x := range it[y] {
			dx := float32(x) + 0.5 - cx
			it[y][x] = math32.Exp(-(dx*dx + dy*dy) / denom)
		}
	}
	ReturnIterator(grid, grid, it)

	sum := vecf32.Sum(plane)
	if sum == 0 || math32.IsInf(sum, 0) || math32.IsNaN(sum) {
		// too far outside the frame
		for i := range plane {
			plane[i] = uniform
		}
		return
	}
	vecf32.Scale(plane, 1/sum)
}
