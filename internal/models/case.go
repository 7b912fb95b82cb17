package models

// Volume represents a 3D CT scan on a fixed voxel grid
type Volume struct {
	// Data is the voxel intensity data (Hounsfield units) as a 1D array
	// in row-major order with x varying fastest
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels (X, Y, Z)
	Width, Height, Depth int

	// Spacing is the physical size of each voxel in mm, per axis
	Spacing [3]float64

	// Affine maps homogeneous voxel indices to physical scanner
	// coordinates in mm
	Affine [4][4]float64
}

// Shape returns the grid dimensions as an (X, Y, Z) triple.
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Idx returns the flat index of voxel (x, y, z).
func (v *Volume) Idx(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the intensity at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Idx(x, y, z)]
}

// NumVoxels returns the total number of voxels in the grid.
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// Mask is a binary segmentation volume. It always shares its grid shape
// with the Volume it was derived from: the two are only ever cropped
// together.
type Mask struct {
	// Data holds 0/1 voxel values with the same layout as Volume.Data
	Data []uint8

	// Width, Height, Depth are the grid dimensions in voxels (X, Y, Z)
	Width, Height, Depth int
}

// NewMask returns an all-false mask with the given dimensions.
func NewMask(width, height, depth int) *Mask {
	return &Mask{
		Data:   make([]uint8, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Shape returns the grid dimensions as an (X, Y, Z) triple.
func (m *Mask) Shape() [3]int {
	return [3]int{m.Width, m.Height, m.Depth}
}

// Idx returns the flat index of voxel (x, y, z).
func (m *Mask) Idx(x, y, z int) int {
	return z*m.Width*m.Height + y*m.Width + x
}

// At reports whether voxel (x, y, z) is set.
func (m *Mask) At(x, y, z int) bool {
	return m.Data[m.Idx(x, y, z)] != 0
}

// Set marks voxel (x, y, z) as true.
func (m *Mask) Set(x, y, z int) {
	m.Data[m.Idx(x, y, z)] = 1
}

// AnnotationPoint is a single annotated location in physical scanner
// coordinates, with its category label.
type AnnotationPoint struct {
	// Label is the annotation category
	Label string

	// X, Y, Z is the annotated position in mm
	X, Y, Z float64
}

// PatientCase groups one scan with its derived mask and annotations for
// the duration of one case's processing.
type PatientCase struct {
	// ID identifies the case, derived from the scan filename
	ID string

	// Volume is the CT scan
	Volume *Volume

	// Mask is the binary segmentation mask, populated in step 1
	Mask *Mask

	// Points are the parsed annotation points for this scan
	Points []AnnotationPoint
}

// BoundingBox3D holds inclusive per-axis voxel bounds used to crop a
// Volume and its Mask jointly.
type BoundingBox3D struct {
	// Min and Max are inclusive bounds indexed by axis (0=X, 1=Y, 2=Z)
	Min, Max [3]int
}

// Size returns the extent of the box along the given axis, in voxels.
func (b BoundingBox3D) Size(axis int) int {
	return b.Max[axis] - b.Min[axis] + 1
}
