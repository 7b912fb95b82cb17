package annotation

import (
	"math"

	"ctprep/internal/models"
	"ctprep/pkg/volume"
)

// OutOfGridPolicy selects how the mapper treats annotation points whose
// voxel coordinates land outside the grid.
type OutOfGridPolicy int

const (
	// ClampToGrid moves an out-of-grid coordinate to the nearest voxel
	// inside the grid. This is the default: annotations sitting just
	// past the scan edge usually mark structures that extend into it.
	ClampToGrid OutOfGridPolicy = iota

	// DropPoint discards out-of-grid points entirely.
	DropPoint
)

// Mapper converts annotation points from physical coordinates into
// integer voxel indices inside one volume's grid. It never fails on
// out-of-grid input; the policy decides between clamping and dropping.
type Mapper struct {
	transform *volume.Transform
	shape     [3]int
	policy    OutOfGridPolicy
}

// NewMapper builds a mapper for the given volume.
func NewMapper(v *models.Volume, policy OutOfGridPolicy) (*Mapper, error) {
	t, err := volume.NewTransformFor(v)
	if err != nil {
		return nil, err
	}
	return &Mapper{transform: t, shape: v.Shape(), policy: policy}, nil
}

// MapPoints maps physical annotation points to voxel-index triples.
// The result may be shorter than the input under DropPoint.
func (m *Mapper) MapPoints(points []models.AnnotationPoint) [][3]int {
	coords := make([][3]int, 0, len(points))
	for _, p := range points {
		fx, fy, fz := m.transform.VoxelFromWorld(p.X, p.Y, p.Z)
		c := [3]int{
			int(math.Round(fx)),
			int(math.Round(fy)),
			int(math.Round(fz)),
		}

		inside := true
		for axis := 0; axis < 3; axis++ {
			if c[axis] < 0 || c[axis] >= m.shape[axis] {
				inside = false
				break
			}
		}

		if !inside {
			if m.policy == DropPoint {
				continue
			}
			for axis := 0; axis < 3; axis++ {
				if c[axis] < 0 {
					c[axis] = 0
				}
				if c[axis] >= m.shape[axis] {
					c[axis] = m.shape[axis] - 1
				}
			}
		}
		coords = append(coords, c)
	}
	return coords
}
