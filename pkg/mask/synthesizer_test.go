package mask

import (
	"bytes"
	"testing"

	"ctprep/internal/models"
)

// uniformVolume builds a volume filled with a single intensity.
func uniformVolume(w, h, d int, hu float64) *models.Volume {
	v := &models.Volume{
		Data:   make([]float64, w*h*d),
		Width:  w,
		Height: h,
		Depth:  d,
	}
	for i := range v.Data {
		v.Data[i] = hu
	}
	return v
}

// TestCubeMarkerExtent verifies that a cube of side 3 centered at
// (5, 5, 5) in a 20x20x20 grid sets exactly the voxels in [4,6] on
// every axis. The volume is uniformly above threshold and border
// clearing is off, so the result equals the annotation mask.
func TestCubeMarkerExtent(t *testing.T) {
	v := uniformVolume(20, 20, 20, 200)
	s := &Synthesizer{ThresholdHU: 130}

	m, err := s.Synthesize(v, [][3]int{{5, 5, 5}}, 3)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	for z := 0; z < 20; z++ {
		for y := 0; y < 20; y++ {
			for x := 0; x < 20; x++ {
				want := x >= 4 && x <= 6 && y >= 4 && y <= 6 && z >= 4 && z <= 6
				if m.At(x, y, z) != want {
					t.Fatalf("Voxel (%d, %d, %d): expected %v, got %v", x, y, z, want, m.At(x, y, z))
				}
			}
		}
	}
}

// TestEmptyAnnotations verifies that no annotation points yield an
// all-false mask of the volume's shape, regardless of threshold.
func TestEmptyAnnotations(t *testing.T) {
	v := uniformVolume(8, 8, 8, 500)
	s := NewSynthesizer()

	m, err := s.Synthesize(v, nil, 5)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}
	if m.Shape() != v.Shape() {
		t.Errorf("Expected shape %v, got %v", v.Shape(), m.Shape())
	}
	for i, val := range m.Data {
		if val != 0 {
			t.Fatalf("Expected all-false mask, found set voxel at %d", i)
		}
	}
}

// TestThresholdApplied verifies that voxels below the HU threshold
// stay unset even inside an annotation cube.
func TestThresholdApplied(t *testing.T) {
	v := uniformVolume(10, 10, 10, 0)
	v.Data[v.Idx(5, 5, 5)] = 300
	v.Data[v.Idx(6, 5, 5)] = 100 // below threshold

	s := &Synthesizer{ThresholdHU: 130}
	m, err := s.Synthesize(v, [][3]int{{5, 5, 5}}, 3)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	if !m.At(5, 5, 5) {
		t.Error("Expected voxel (5, 5, 5) set: above threshold and inside cube")
	}
	if m.At(6, 5, 5) {
		t.Error("Expected voxel (6, 5, 5) unset: below threshold")
	}
}

// TestCubeClippedAtEdge verifies that a cube near the grid boundary is
// clipped rather than wrapping or failing.
func TestCubeClippedAtEdge(t *testing.T) {
	v := uniformVolume(10, 10, 10, 200)
	s := &Synthesizer{ThresholdHU: 130}

	m, err := s.Synthesize(v, [][3]int{{0, 0, 9}}, 3)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	count := 0
	for _, val := range m.Data {
		if val != 0 {
			count++
		}
	}
	// Cube [−1,1]x[−1,1]x[8,10] clips to [0,1]x[0,1]x[8,9].
	if count != 8 {
		t.Errorf("Expected 8 set voxels after clipping, got %d", count)
	}
	if !m.At(0, 0, 9) || !m.At(1, 1, 8) {
		t.Error("Expected clipped cube corners to be set")
	}
}

// TestSynthesizeIdempotent verifies that identical inputs produce a
// bit-identical mask across runs.
func TestSynthesizeIdempotent(t *testing.T) {
	v := uniformVolume(12, 12, 6, 0)
	for z := 1; z < 5; z++ {
		for y := 3; y < 9; y++ {
			for x := 3; x < 9; x++ {
				v.Data[v.Idx(x, y, z)] = 400
			}
		}
	}
	s := NewSynthesizer()
	coords := [][3]int{{5, 5, 2}, {7, 7, 3}}

	m1, err := s.Synthesize(v, coords, 4)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}
	m2, err := s.Synthesize(v, coords, 4)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	if !bytes.Equal(m1.Data, m2.Data) {
		t.Error("Expected bit-identical masks for identical inputs")
	}
}

// TestBorderClearing verifies that threshold components touching an
// axial slice border are removed while interior structures survive.
func TestBorderClearing(t *testing.T) {
	v := uniformVolume(12, 12, 3, 0)
	// Edge artifact on slice z=1, touching the x=0 border.
	for x := 0; x < 4; x++ {
		v.Data[v.Idx(x, 6, 1)] = 800
	}
	// Interior structure on the same slice.
	v.Data[v.Idx(6, 6, 1)] = 300

	s := &Synthesizer{ThresholdHU: 130, ClearBorders: true}
	// One cube covering both regions.
	m, err := s.Synthesize(v, [][3]int{{4, 6, 1}}, 9)
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	if m.At(2, 6, 1) {
		t.Error("Expected border-connected artifact to be cleared")
	}
	if !m.At(6, 6, 1) {
		t.Error("Expected interior structure to survive border clearing")
	}
}

// TestInvalidCubeSide verifies that a non-positive cube side is
// rejected.
func TestInvalidCubeSide(t *testing.T) {
	v := uniformVolume(4, 4, 4, 200)
	s := NewSynthesizer()

	if _, err := s.Synthesize(v, [][3]int{{1, 1, 1}}, 0); err == nil {
		t.Error("Expected error for cube side 0, got nil")
	}
}
