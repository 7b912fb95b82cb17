// Package crop computes a tight 3D bounding box from a volume's
// mean-intensity profiles and applies it to scan and mask jointly,
// optionally bracketed by a reversible rescale to an isotropic grid so
// the crop geometry is comparable across scans with different voxel
// spacing.
package crop

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"ctprep/internal/models"
	"ctprep/pkg/volume"
)

// ErrShapeMismatch reports that volume and mask disagreed on shape at
// crop time. Cropping never truncates to the smaller shape.
var ErrShapeMismatch = errors.New("volume and mask shapes differ")

// ErrInvertedBox reports a bounding box with min > max on some axis.
var ErrInvertedBox = errors.New("inverted bounding box")

// ComputeBBox derives the bounding box of informative intensity. For
// each axis it builds a 1D profile, the mean intensity of the plane at
// each index, and bounds the axis by the first and last index whose
// profile exceeds cutoff = mean(profile) * factor. An axis where
// nothing exceeds the cutoff falls open to its full extent, so the box
// is never empty or inverted.
func ComputeBBox(v *models.Volume, factor float64) models.BoundingBox3D {
	var box models.BoundingBox3D
	for axis := 0; axis < 3; axis++ {
		profile := axisProfile(v, axis)
		cutoff := stat.Mean(profile, nil) * factor

		lo, hi := -1, -1
		for i, p := range profile {
			if p > cutoff {
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		if lo < 0 {
			lo, hi = 0, len(profile)-1
		}
		box.Min[axis], box.Max[axis] = lo, hi
	}
	return box
}

// axisProfile returns the mean intensity of each plane perpendicular
// to the given axis.
func axisProfile(v *models.Volume, axis int) []float64 {
	shape := v.Shape()
	n := shape[axis]
	profile := make([]float64, n)
	planeSize := v.NumVoxels() / n

	for i := 0; i < n; i++ {
		sum := 0.0
		switch axis {
		case 0:
			for z := 0; z < v.Depth; z++ {
				for y := 0; y < v.Height; y++ {
					sum += v.At(i, y, z)
				}
			}
		case 1:
			for z := 0; z < v.Depth; z++ {
				for x := 0; x < v.Width; x++ {
					sum += v.At(x, i, z)
				}
			}
		default:
			for y := 0; y < v.Height; y++ {
				for x := 0; x < v.Width; x++ {
					sum += v.At(x, y, i)
				}
			}
		}
		profile[i] = sum / float64(planeSize)
	}
	return profile
}

// ApplyCrop slices volume and mask to the bounding box in one shared
// index space. It fails rather than truncate when the two shapes
// disagree, and rejects inverted or out-of-grid boxes before slicing.
func ApplyCrop(v *models.Volume, m *models.Mask, box models.BoundingBox3D) (*models.Volume, *models.Mask, error) {
	if v.Shape() != m.Shape() {
		return nil, nil, fmt.Errorf("%w: volume %v, mask %v", ErrShapeMismatch, v.Shape(), m.Shape())
	}
	shape := v.Shape()
	for axis := 0; axis < 3; axis++ {
		if box.Min[axis] > box.Max[axis] {
			return nil, nil, fmt.Errorf("%w: axis %d has min %d > max %d",
				ErrInvertedBox, axis, box.Min[axis], box.Max[axis])
		}
		if box.Min[axis] < 0 || box.Max[axis] >= shape[axis] {
			return nil, nil, fmt.Errorf("bounding box [%d, %d] exceeds axis %d extent %d",
				box.Min[axis], box.Max[axis], axis, shape[axis])
		}
	}

	w, h, d := box.Size(0), box.Size(1), box.Size(2)
	cv := &models.Volume{
		Data:    make([]float64, w*h*d),
		Width:   w,
		Height:  h,
		Depth:   d,
		Spacing: v.Spacing,
		Affine:  v.Affine,
	}
	cm := models.NewMask(w, h, d)

	idx := 0
	for z := box.Min[2]; z <= box.Max[2]; z++ {
		for y := box.Min[1]; y <= box.Max[1]; y++ {
			for x := box.Min[0]; x <= box.Max[0]; x++ {
				cv.Data[idx] = v.At(x, y, z)
				if m.At(x, y, z) {
					cm.Data[idx] = 1
				}
				idx++
			}
		}
	}
	return cv, cm, nil
}

// CropWithRescale runs the full step-2 transform for one case: rescale
// volume and mask up to an isotropic grid, compute and apply the crop
// there, then rescale both back down with the exact per-axis inverse
// factors. Output volume and mask always share their shape.
func CropWithRescale(v *models.Volume, m *models.Mask, factor float64) (*models.Volume, *models.Mask, error) {
	if v.Shape() != m.Shape() {
		return nil, nil, fmt.Errorf("%w: volume %v, mask %v", ErrShapeMismatch, v.Shape(), m.Shape())
	}

	r, err := volume.NewResampler(v)
	if err != nil {
		return nil, nil, err
	}

	upV := r.Up(v)
	upM := r.UpMask(m)

	box := ComputeBBox(upV, factor)
	cv, cm, err := ApplyCrop(upV, upM, box)
	if err != nil {
		return nil, nil, err
	}

	return r.Down(cv), r.DownMask(cm), nil
}
