package att

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Group is an anatomical group of joints.
type Group int

const (
	Torso Group = iota
	Elbow
	Wrist
	Knee
	Ankle

	NumGroups = 5
)

func (g Group) String() string {
	switch g {
	case Torso:
		return "Torso"
	case Elbow:
		return "Elbow"
	case Wrist:
		return "Wrist"
	case Knee:
		return "Knee"
	case Ankle:
		return "Ankle"
	}
	return "Unknown Group"
}

// Members lists the joint indices (CMU OpenPose) that belong to each group.
// A joint may belong to more than one group: 4 is both Torso and Wrist.
var Members = [NumGroups][]int{
	Torso: {0, 1, 2, 4, 8, 11, 14, 15, 16, 17},
	Elbow: {3, 6},
	Wrist: {4, 7},
	Knee:  {9, 12},
	Ankle: {10, 13},
}

// selector returns a (Joints, 1) constant with ones at the rows of the group's joints.
func (g Group) selector() *G.Node {
	backing := make([]float32, Joints)
	for _, j := range Members[g] {
		backing[j] = 1
	}
	return G.NewConstant(tensor.New(tensor.WithShape(Joints, 1), tensor.WithBacking(backing)))
}
