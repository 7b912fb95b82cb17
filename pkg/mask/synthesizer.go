// Package mask builds binary segmentation masks by intersecting an
// intensity-threshold mask with cubes dilated around annotated voxels.
// Thresholding alone also captures bone and contrast agent anywhere in
// the scan; the annotation cubes restrict it to the annotated region.
package mask

import (
	"fmt"

	"ctprep/internal/models"
)

// DefaultThresholdHU is the intensity cutoff for the threshold mask,
// in Hounsfield units. 130 HU is the conventional calcification
// threshold for CT.
const DefaultThresholdHU = 130

// Synthesizer builds masks for one volume at a time.
type Synthesizer struct {
	// ThresholdHU is the intensity cutoff for the threshold mask.
	ThresholdHU float64

	// ClearBorders removes threshold-mask components touching the
	// border of each axial slice before the intersection, discarding
	// table and edge artifacts that exceed the threshold.
	ClearBorders bool
}

// NewSynthesizer returns a Synthesizer with the default HU threshold
// and border clearing enabled.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{
		ThresholdHU:  DefaultThresholdHU,
		ClearBorders: true,
	}
}

// Synthesize builds the binary mask for a volume: the elementwise AND
// of the intensity-threshold mask and cubes of side cubeSide centered
// at each annotated voxel. With no annotation points the result is the
// all-false mask of the volume's shape. The computation is pure; two
// runs over the same input produce identical masks.
func (s *Synthesizer) Synthesize(v *models.Volume, coords [][3]int, cubeSide int) (*models.Mask, error) {
	if cubeSide < 1 {
		return nil, fmt.Errorf("cube side must be at least 1, got %d", cubeSide)
	}

	th := s.thresholdMask(v)
	if s.ClearBorders {
		clearSliceBorders(th)
	}

	ann := annotationMask(v.Shape(), coords, cubeSide)

	out := models.NewMask(v.Width, v.Height, v.Depth)
	for i := range out.Data {
		out.Data[i] = th.Data[i] & ann.Data[i]
	}
	return out, nil
}

// thresholdMask marks every voxel at or above the HU threshold.
func (s *Synthesizer) thresholdMask(v *models.Volume) *models.Mask {
	m := models.NewMask(v.Width, v.Height, v.Depth)
	for i, hu := range v.Data {
		if hu >= s.ThresholdHU {
			m.Data[i] = 1
		}
	}
	return m
}

// annotationMask marks a cube of side cubeSide around each coordinate,
// OR'd across points. Cubes near the grid edge are clipped, never
// wrapped or dropped.
func annotationMask(shape [3]int, coords [][3]int, cubeSide int) *models.Mask {
	m := models.NewMask(shape[0], shape[1], shape[2])
	for _, c := range coords {
		var lo, hi [3]int
		for axis := 0; axis < 3; axis++ {
			lo[axis] = c[axis] - (cubeSide-1)/2
			hi[axis] = lo[axis] + cubeSide - 1
			if lo[axis] < 0 {
				lo[axis] = 0
			}
			if hi[axis] >= shape[axis] {
				hi[axis] = shape[axis] - 1
			}
		}
		for z := lo[2]; z <= hi[2]; z++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for x := lo[0]; x <= hi[0]; x++ {
					m.Set(x, y, z)
				}
			}
		}
	}
	return m
}

// clearSliceBorders removes, per axial slice, every 4-connected
// component of set voxels that touches the slice border. Scanning
// order is fixed, so the result is deterministic for a given input.
func clearSliceBorders(m *models.Mask) {
	w, h := m.Width, m.Height
	stack := make([]int, 0, w*h)

	for z := 0; z < m.Depth; z++ {
		base := z * w * h
		stack = stack[:0]

		// Seed from set border pixels of this slice.
		for x := 0; x < w; x++ {
			stack = pushIfSet(m, stack, base, x, 0, w)
			stack = pushIfSet(m, stack, base, x, h-1, w)
		}
		for y := 1; y < h-1; y++ {
			stack = pushIfSet(m, stack, base, 0, y, w)
			stack = pushIfSet(m, stack, base, w-1, y, w)
		}

		// Flood the connected artifact, clearing as we go.
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w

			if x > 0 {
				stack = pushIfSet(m, stack, base, x-1, y, w)
			}
			if x < w-1 {
				stack = pushIfSet(m, stack, base, x+1, y, w)
			}
			if y > 0 {
				stack = pushIfSet(m, stack, base, x, y-1, w)
			}
			if y < h-1 {
				stack = pushIfSet(m, stack, base, x, y+1, w)
			}
		}
	}
}

// pushIfSet clears pixel (x, y) of the slice at base and pushes it for
// neighbor expansion, if it was set.
func pushIfSet(m *models.Mask, stack []int, base, x, y, w int) []int {
	idx := base + y*w + x
	if m.Data[idx] == 0 {
		return stack
	}
	m.Data[idx] = 0
	return append(stack, y*w+x)
}
