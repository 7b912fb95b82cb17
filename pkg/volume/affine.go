// Package volume provides coordinate-space operations on CT volumes:
// the affine mapping between physical scanner coordinates and voxel
// indices, and reversible resampling onto an isotropic grid.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"ctprep/internal/models"
)

// Transform maps physical scanner coordinates (mm) into continuous
// voxel-index coordinates by inverting a volume's affine.
type Transform struct {
	inv *mat.Dense
}

// NewTransform builds a Transform from the given 4x4 affine. It fails
// if the affine is singular, which indicates a corrupt header.
func NewTransform(affine [4][4]float64) (*Transform, error) {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.Set(i, j, affine[i][j])
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("affine is not invertible: %w", err)
	}
	return &Transform{inv: &inv}, nil
}

// VoxelFromWorld maps a physical coordinate to continuous voxel-index
// coordinates. Callers round and bounds-check the result.
func (t *Transform) VoxelFromWorld(x, y, z float64) (float64, float64, float64) {
	p := mat.NewVecDense(4, []float64{x, y, z, 1})
	var v mat.VecDense
	v.MulVec(t.inv, p)
	return v.AtVec(0), v.AtVec(1), v.AtVec(2)
}

// AffineFromSpacing returns a diagonal affine that scales voxel indices
// by the given per-axis spacing. Used when a scan header carries no
// explicit orientation matrix.
func AffineFromSpacing(spacing [3]float64) [4][4]float64 {
	return [4][4]float64{
		{spacing[0], 0, 0, 0},
		{0, spacing[1], 0, 0},
		{0, 0, spacing[2], 0},
		{0, 0, 0, 1},
	}
}

// NewTransformFor is a convenience wrapper building the world-to-voxel
// transform for a loaded volume.
func NewTransformFor(v *models.Volume) (*Transform, error) {
	return NewTransform(v.Affine)
}
