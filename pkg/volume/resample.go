package volume

import (
	"fmt"
	"math"

	"ctprep/internal/models"
)

// Resampler rescales a volume up to an isotropic voxel grid and back.
// It records the per-axis scale factors and the source extents at
// construction so that the downscale after cropping uses the exact
// inverse of the upscale, keeping scan and mask shape bookkeeping in
// sync across the crop.
type Resampler struct {
	factors  [3]float64
	srcShape [3]int
	upShape  [3]int
	iso      float64
	spacing  [3]float64
}

// NewResampler derives the isotropic target grid for a volume. The
// target spacing is the finest spacing among the three axes, so
// upscaling never discards resolution.
func NewResampler(v *models.Volume) (*Resampler, error) {
	iso := math.Inf(1)
	for axis := 0; axis < 3; axis++ {
		s := math.Abs(v.Spacing[axis])
		if s <= 0 {
			return nil, fmt.Errorf("axis %d has non-positive spacing %g", axis, v.Spacing[axis])
		}
		if s < iso {
			iso = s
		}
	}

	r := &Resampler{
		srcShape: v.Shape(),
		iso:      iso,
		spacing:  v.Spacing,
	}
	for axis := 0; axis < 3; axis++ {
		r.factors[axis] = math.Abs(v.Spacing[axis]) / iso
		n := int(math.Round(float64(r.srcShape[axis]) * r.factors[axis]))
		if n < 1 {
			n = 1
		}
		r.upShape[axis] = n
	}
	return r, nil
}

// Factors returns the per-axis upscale factors.
func (r *Resampler) Factors() [3]float64 {
	return r.factors
}

// Up resamples the volume onto the isotropic grid using trilinear
// interpolation.
func (r *Resampler) Up(v *models.Volume) *models.Volume {
	out := &models.Volume{
		Data:    make([]float64, r.upShape[0]*r.upShape[1]*r.upShape[2]),
		Width:   r.upShape[0],
		Height:  r.upShape[1],
		Depth:   r.upShape[2],
		Spacing: [3]float64{r.iso, r.iso, r.iso},
		Affine:  v.Affine,
	}
	r.resampleInto(out.Data, out.Shape(), v.Shape(), func(x, y, z int) float64 {
		return v.At(x, y, z)
	}, false)
	return out
}

// UpMask resamples the mask onto the isotropic grid with
// nearest-neighbor sampling so values stay strictly 0/1.
func (r *Resampler) UpMask(m *models.Mask) *models.Mask {
	out := models.NewMask(r.upShape[0], r.upShape[1], r.upShape[2])
	dst := make([]float64, len(out.Data))
	r.resampleInto(dst, out.Shape(), m.Shape(), func(x, y, z int) float64 {
		if m.At(x, y, z) {
			return 1
		}
		return 0
	}, true)
	for i, v := range dst {
		if v != 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// Down resamples a (possibly cropped) isotropic volume back to the
// original per-axis spacing. An axis whose extent is unchanged from the
// upscaled grid is restored to its recorded source extent exactly; a
// cropped axis is scaled by the recorded inverse factor.
func (r *Resampler) Down(v *models.Volume) *models.Volume {
	shape := r.downShape(v.Shape())
	out := &models.Volume{
		Data:    make([]float64, shape[0]*shape[1]*shape[2]),
		Width:   shape[0],
		Height:  shape[1],
		Depth:   shape[2],
		Spacing: r.spacing,
		Affine:  v.Affine,
	}
	r.resampleInto(out.Data, shape, v.Shape(), func(x, y, z int) float64 {
		return v.At(x, y, z)
	}, false)
	return out
}

// DownMask is the mask counterpart of Down, using nearest-neighbor
// sampling.
func (r *Resampler) DownMask(m *models.Mask) *models.Mask {
	shape := r.downShape(m.Shape())
	out := models.NewMask(shape[0], shape[1], shape[2])
	dst := make([]float64, len(out.Data))
	r.resampleInto(dst, shape, m.Shape(), func(x, y, z int) float64 {
		if m.At(x, y, z) {
			return 1
		}
		return 0
	}, true)
	for i, v := range dst {
		if v != 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// downShape computes the target extents for the downscale. Matching the
// recorded source extent on uncropped axes makes up-then-down an exact
// shape round trip.
func (r *Resampler) downShape(cur [3]int) [3]int {
	var shape [3]int
	for axis := 0; axis < 3; axis++ {
		if cur[axis] == r.upShape[axis] {
			shape[axis] = r.srcShape[axis]
			continue
		}
		n := int(math.Round(float64(cur[axis]) / r.factors[axis]))
		if n < 1 {
			n = 1
		}
		shape[axis] = n
	}
	return shape
}

// resampleInto fills dst (laid out x-fastest with dstShape extents) by
// sampling src through at(). Coordinates are mapped by aligning voxel
// centers of the two grids. When nearest is true the sample is the
// nearest source voxel; otherwise it is trilinearly interpolated.
func (r *Resampler) resampleInto(dst []float64, dstShape, srcShape [3]int, at func(x, y, z int) float64, nearest bool) {
	scale := [3]float64{}
	for axis := 0; axis < 3; axis++ {
		scale[axis] = float64(srcShape[axis]) / float64(dstShape[axis])
	}

	idx := 0
	for z := 0; z < dstShape[2]; z++ {
		fz := (float64(z)+0.5)*scale[2] - 0.5
		for y := 0; y < dstShape[1]; y++ {
			fy := (float64(y)+0.5)*scale[1] - 0.5
			for x := 0; x < dstShape[0]; x++ {
				fx := (float64(x)+0.5)*scale[0] - 0.5
				if nearest {
					dst[idx] = at(
						clampIndex(int(math.Round(fx)), srcShape[0]),
						clampIndex(int(math.Round(fy)), srcShape[1]),
						clampIndex(int(math.Round(fz)), srcShape[2]),
					)
				} else {
					dst[idx] = trilinear(at, srcShape, fx, fy, fz)
				}
				idx++
			}
		}
	}
}

// trilinear samples at() at a continuous coordinate, clamping at the
// grid edge.
func trilinear(at func(x, y, z int) float64, shape [3]int, fx, fy, fz float64) float64 {
	x0 := clampIndex(int(math.Floor(fx)), shape[0])
	y0 := clampIndex(int(math.Floor(fy)), shape[1])
	z0 := clampIndex(int(math.Floor(fz)), shape[2])
	x1 := clampIndex(x0+1, shape[0])
	y1 := clampIndex(y0+1, shape[1])
	z1 := clampIndex(z0+1, shape[2])

	tx := clampUnit(fx - float64(x0))
	ty := clampUnit(fy - float64(y0))
	tz := clampUnit(fz - float64(z0))

	c00 := at(x0, y0, z0)*(1-tx) + at(x1, y0, z0)*tx
	c10 := at(x0, y1, z0)*(1-tx) + at(x1, y1, z0)*tx
	c01 := at(x0, y0, z1)*(1-tx) + at(x1, y0, z1)*tx
	c11 := at(x0, y1, z1)*(1-tx) + at(x1, y1, z1)*tx

	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return c0*(1-tz) + c1*tz
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clampUnit(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
