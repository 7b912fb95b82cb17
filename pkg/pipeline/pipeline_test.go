package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"ctprep/internal/models"
	"ctprep/pkg/config"
	"ctprep/pkg/nifti"
	"ctprep/pkg/npy"
	"ctprep/pkg/volume"
)

// writeCase writes one synthetic scan/annotation pair into dir. The
// scan is a 12x12x6 volume with 2 mm slices and a bright block at
// voxels [4,8)x[4,8)x[2,4); the annotation points at the block center
// in physical coordinates.
func writeCase(t *testing.T, dir, name string) {
	t.Helper()

	spacing := [3]float64{1, 1, 2}
	v := &models.Volume{
		Data:    make([]float64, 12*12*6),
		Width:   12,
		Height:  12,
		Depth:   6,
		Spacing: spacing,
		Affine:  volume.AffineFromSpacing(spacing),
	}
	for z := 2; z < 4; z++ {
		for y := 4; y < 8; y++ {
			for x := 4; x < 8; x++ {
				v.Data[v.Idx(x, y, z)] = 300
			}
		}
	}
	if err := nifti.Save(filepath.Join(dir, name+".nii.gz"), v); err != nil {
		t.Fatalf("Failed to write scan: %v", err)
	}

	// Block center voxel (6, 6, 2) in mm: (6, 6, 4).
	record := fmt.Sprintf(`{
		"patient_id": %q,
		"annotations": [{"label": "lesion", "position": [6, 6, 4]}]
	}`, name)
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(record), 0644); err != nil {
		t.Fatalf("Failed to write annotation: %v", err)
	}
}

func testConfig(inputDir, outputDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dataset.InputDir = inputDir
	cfg.Dataset.OutputDir = outputDir
	cfg.Mask.CubeSide = 6
	return cfg
}

// TestDiscover verifies pairing and the rejection of records without
// localization data.
func TestDiscover(t *testing.T) {
	inputDir := t.TempDir()
	writeCase(t, inputDir, "case01")
	bad := `{"patient_id": "case02", "annotations": [{"label": "x"}]}`
	if err := os.WriteFile(filepath.Join(inputDir, "case02.json"), []byte(bad), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	p, err := New(testConfig(inputDir, t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	pairs, err := p.Discover()
	if err != nil {
		t.Fatalf("Failed to discover: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].ID() != "case01" {
		t.Errorf("Expected case ID case01, got %q", pairs[0].ID())
	}
}

// TestDiscoverSkipsUnparseable verifies that a syntactically broken
// annotation file costs one case, not the whole discovery.
func TestDiscoverSkipsUnparseable(t *testing.T) {
	inputDir := t.TempDir()
	writeCase(t, inputDir, "case01")
	if err := os.WriteFile(filepath.Join(inputDir, "case02.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	p, err := New(testConfig(inputDir, t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	pairs, err := p.Discover()
	if err != nil {
		t.Fatalf("Expected discovery to continue past the broken record, got %v", err)
	}
	if len(pairs) != 1 || pairs[0].ID() != "case01" {
		t.Errorf("Expected only case01 to be paired, got %v", pairs)
	}
}

// TestBatchContinuesPastCorruptScan verifies that a scan with a
// corrupt header is skipped at discovery while the rest of the batch
// completes.
func TestBatchContinuesPastCorruptScan(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeCase(t, inputDir, "case01")

	record := `{"patient_id": "case02", "annotations": [{"label": "x", "position": [1, 1, 1]}]}`
	if err := os.WriteFile(filepath.Join(inputDir, "case02.json"), []byte(record), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, "case02.nii"), make([]byte, 400), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	p, err := New(testConfig(inputDir, outputDir))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := p.Run([]int{1}); err != nil {
		t.Fatalf("Expected batch to continue past the corrupt scan, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "masks", "case01.npy")); err != nil {
		t.Errorf("Expected case01 mask despite the corrupt sibling: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "masks", "case02.npy")); !os.IsNotExist(err) {
		t.Error("Expected no mask output for the corrupt case")
	}
}

// TestSelectScanByDepth verifies that the deepest scan below the depth
// limit is chosen when a record has several scans.
func TestSelectScanByDepth(t *testing.T) {
	inputDir := t.TempDir()
	writeCase(t, inputDir, "case01")

	// A second, deeper scan sharing the stem.
	deep := &models.Volume{
		Data:    make([]float64, 12*12*20),
		Width:   12,
		Height:  12,
		Depth:   20,
		Spacing: [3]float64{1, 1, 1},
		Affine:  volume.AffineFromSpacing([3]float64{1, 1, 1}),
	}
	if err := nifti.Save(filepath.Join(inputDir, "case01_followup.nii.gz"), deep); err != nil {
		t.Fatalf("Failed to write scan: %v", err)
	}

	p, err := New(testConfig(inputDir, t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	pairs, err := p.Discover()
	if err != nil {
		t.Fatalf("Failed to discover: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].ID() != "case01_followup" {
		t.Errorf("Expected the deeper scan to be selected, got %q", pairs[0].ID())
	}
}

// TestStepOneBuildsMask verifies that step 1 persists a mask matching
// the scan's shape with the annotated block set.
func TestStepOneBuildsMask(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeCase(t, inputDir, "case01")

	p, err := New(testConfig(inputDir, outputDir))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := p.Run([]int{1}); err != nil {
		t.Fatalf("Step 1 failed: %v", err)
	}

	maskPath := filepath.Join(outputDir, "masks", "case01.npy")
	data, shape, err := npy.LoadUint8(maskPath)
	if err != nil {
		t.Fatalf("Failed to load stored mask: %v", err)
	}
	if shape != [3]int{12, 12, 6} {
		t.Errorf("Expected mask shape (12, 12, 6), got %v", shape)
	}

	set := 0
	for _, val := range data {
		if val != 0 {
			set++
		}
	}
	if set == 0 {
		t.Error("Expected the annotated block to be set in the stored mask")
	}
}

// TestStepTwoCropsJointly verifies that step 2 reads back the stored
// mask, crops scan and mask to identical shapes no larger than the
// original, and persists both.
func TestStepTwoCropsJointly(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeCase(t, inputDir, "case01")

	p, err := New(testConfig(inputDir, outputDir))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := p.Run([]int{1, 2}); err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}

	_, scanShape, err := npy.LoadFloat64(filepath.Join(outputDir, "scans", "case01.npy"))
	if err != nil {
		t.Fatalf("Failed to load cropped scan: %v", err)
	}
	_, maskShape, err := npy.LoadUint8(filepath.Join(outputDir, "masks", "case01.npy"))
	if err != nil {
		t.Fatalf("Failed to load cropped mask: %v", err)
	}

	if scanShape != maskShape {
		t.Errorf("Scan and mask shapes diverged: %v vs %v", scanShape, maskShape)
	}
	original := [3]int{12, 12, 6}
	for axis := 0; axis < 3; axis++ {
		if scanShape[axis] > original[axis] {
			t.Errorf("Axis %d grew past the original extent: %d > %d",
				axis, scanShape[axis], original[axis])
		}
	}
}

// TestStepTwoWithoutStepOne verifies that a missing stored mask skips
// the case without failing the batch and leaves no partial output.
func TestStepTwoWithoutStepOne(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeCase(t, inputDir, "case01")

	p, err := New(testConfig(inputDir, outputDir))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := p.Run([]int{2}); err != nil {
		t.Fatalf("Expected batch to continue past the failing case, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(outputDir, "scans", "case01.npy")); !os.IsNotExist(err) {
		t.Error("Expected no scan output for the skipped case")
	}
}

// TestRunWithWorkers exercises the fan-out path over several cases.
func TestRunWithWorkers(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	for i := 1; i <= 3; i++ {
		writeCase(t, inputDir, fmt.Sprintf("case%02d", i))
	}

	cfg := testConfig(inputDir, outputDir)
	cfg.Processing.Workers = 2
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if err := p.Run([]int{1, 2}); err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("case%02d.npy", i)
		if _, err := os.Stat(filepath.Join(outputDir, "scans", name)); err != nil {
			t.Errorf("Missing cropped scan for %s: %v", name, err)
		}
	}
}

// TestUnknownPolicyRejected verifies config validation at
// construction.
func TestUnknownPolicyRejected(t *testing.T) {
	cfg := testConfig(t.TempDir(), t.TempDir())
	cfg.Mask.OutOfGridPolicy = "wrap"

	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown out-of-grid policy, got nil")
	}
}
