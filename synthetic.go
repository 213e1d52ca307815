package rpan

import (
	"math/rand"

	"github.com/chewxy/math32"
	att "github.com/gorgonia/rpan/attnet"
)

// Synthetic generates n examples of a toy action recognition task. Each class is a skeleton
// that moves in its own direction across the frame; the frames show the joints as bright
// dots and the heatmaps are encoded from the joint positions with the given sigma.
//
// Some joints are randomly hidden, which exercises the encoding of invisible joints.
func Synthetic(conf att.Config, n int, sigma float32, r *rand.Rand) ([]Example, error) {
	retVal := make([]Example, 0, n)
	for i := 0; i < n; i++ {
		class := r.Intn(conf.C)
		angle := 2 * math32.Pi * float32(class) / float32(conf.C)
		vx, vy := 0.05*math32.Cos(angle), 0.05*math32.Sin(angle)

		base := make([]Joint, att.Joints)
		for j := range base {
			base[j] = Joint{
				X:       0.3 + 0.4*r.Float32(),
				Y:       0.3 + 0.4*r.Float32(),
				Visible: r.Float32() > 0.1,
			}
		}

		ex := Example{
			Frames: make([]float32, conf.T*conf.FrameSize*conf.FrameSize*3),
			Labels: make([]int, conf.T),
		}
		poses := make([][]Joint, conf.T)
		frameSize := conf.FrameSize * conf.FrameSize * 3
		for t := 0; t < conf.T; t++ {
			pose := make([]Joint, att.Joints)
			for j, joint := range base {
				joint.X += vx * float32(t)
				joint.Y += vy * float32(t)
				pose[j] = joint
			}
			poses[t] = pose
			ex.Labels[t] = class
			drawPose(pose, conf.FrameSize, ex.Frames[t*frameSize:(t+1)*frameSize])
		}

		var err error
		if ex.Heatmaps, err = EncodeHeatmaps(poses, conf.Grid, sigma); err != nil {
			return nil, err
		}
		retVal = append(retVal, ex)
	}
	return retVal, nil
}

// drawPose draws the visible joints of a pose as white dots on a black HWC frame.
func drawPose(pose []Joint, size int, frame []float32) {
	for _, joint := range pose {
		if !joint.Visible {
			continue
		}
		x := int(joint.X * float32(size))
		y := int(joint.Y * float32(size))
		if x < 0 || y < 0 || x >= size || y >= size {
			continue
		}
		start := (y*size + x) * 3
		for c := 0; c < 3; c++ {
			frame[start+c] = 1
		}
	}
}
