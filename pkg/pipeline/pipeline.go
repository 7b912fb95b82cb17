// Package pipeline orchestrates dataset preparation: it discovers
// scan/annotation pairs, synthesizes and stores masks (step 1), and
// crops scan and mask jointly around the informative region (step 2).
// The two steps are independently runnable; step 2 reads the masks
// step 1 persisted, so they can run as separate processes at separate
// times.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"ctprep/internal/models"
	"ctprep/pkg/annotation"
	"ctprep/pkg/config"
	"ctprep/pkg/crop"
	"ctprep/pkg/mask"
	"ctprep/pkg/nifti"
	"ctprep/pkg/npy"
)

// Pair couples one annotation record with its selected scan.
type Pair struct {
	// JSONPath is the annotation record
	JSONPath string

	// ScanPath is the NIfTI scan chosen for the record
	ScanPath string
}

// ID returns the case identifier, the scan filename without its
// NIfTI extension.
func (p Pair) ID() string {
	return scanStem(p.ScanPath)
}

// Pipeline runs the preparation steps over one dataset. All paths and
// tuning parameters are fixed at construction; the pipeline holds no
// other state between cases.
type Pipeline struct {
	cfg    *config.Config
	policy annotation.OutOfGridPolicy
}

// New builds a pipeline from the given configuration.
func New(cfg *config.Config) (*Pipeline, error) {
	if cfg.Dataset.InputDir == "" {
		return nil, fmt.Errorf("input directory is required")
	}
	if cfg.Dataset.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	policy := annotation.ClampToGrid
	switch cfg.Mask.OutOfGridPolicy {
	case "", "clamp":
	case "drop":
		policy = annotation.DropPoint
	default:
		return nil, fmt.Errorf("unknown out-of-grid policy %q (want clamp or drop)", cfg.Mask.OutOfGridPolicy)
	}

	return &Pipeline{cfg: cfg, policy: policy}, nil
}

// Discover pairs each usable annotation record in the input directory
// with one scan. A record is usable when it parses and carries
// localization data. Among scans sharing the record's stem, the
// deepest one below the configured depth limit wins; with no such
// scan the first candidate is kept.
func (p *Pipeline) Discover() ([]Pair, error) {
	entries, err := os.ReadDir(p.cfg.Dataset.InputDir)
	if err != nil {
		return nil, fmt.Errorf("reading input directory: %w", err)
	}

	var jsonPaths, scanPaths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(p.cfg.Dataset.InputDir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), ".json"):
			jsonPaths = append(jsonPaths, path)
		case strings.HasSuffix(e.Name(), ".nii"), strings.HasSuffix(e.Name(), ".nii.gz"):
			scanPaths = append(scanPaths, path)
		}
	}

	var pairs []Pair
	for _, jsonPath := range jsonPaths {
		// A record that cannot be parsed or carries no localization
		// data costs one case, not the batch.
		if _, err := annotation.ParseFile(jsonPath); err != nil {
			fmt.Printf("Skipping %s: %v\n", filepath.Base(jsonPath), err)
			continue
		}

		scanPath, err := p.selectScan(jsonPath, scanPaths)
		if err != nil {
			fmt.Printf("Skipping %s: %v\n", filepath.Base(jsonPath), err)
			continue
		}
		pairs = append(pairs, Pair{JSONPath: jsonPath, ScanPath: scanPath})
	}
	return pairs, nil
}

// selectScan picks one scan for an annotation record. A record is
// sometimes associated with several scans of different depth; the
// deepest one below MaxDepth is preferred.
func (p *Pipeline) selectScan(jsonPath string, scanPaths []string) (string, error) {
	stem := strings.TrimSuffix(jsonPath, ".json")
	var candidates []string
	for _, s := range scanPaths {
		if strings.HasPrefix(s, stem) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no scan matches stem %s", filepath.Base(stem))
	}

	best := candidates[0]
	bestDepth := 1
	for _, s := range candidates {
		shape, err := nifti.ReadShape(s)
		if err != nil {
			return "", err
		}
		if bestDepth < shape[2] && shape[2] < p.cfg.Dataset.MaxDepth {
			bestDepth = shape[2]
			best = s
		}
	}
	return best, nil
}

// PrepareOutputDirs creates the scans/ and masks/ output directories.
func (p *Pipeline) PrepareOutputDirs() error {
	for _, sub := range []string{"scans", "masks"} {
		if err := os.MkdirAll(filepath.Join(p.cfg.Dataset.OutputDir, sub), 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	return nil
}

// ScanOutputPath returns where the cropped scan for a pair is stored.
func (p *Pipeline) ScanOutputPath(pair Pair) string {
	return filepath.Join(p.cfg.Dataset.OutputDir, "scans", pair.ID()+".npy")
}

// MaskOutputPath returns where the mask for a pair is stored. This is
// the on-disk contract between steps 1 and 2.
func (p *Pipeline) MaskOutputPath(pair Pair) string {
	return filepath.Join(p.cfg.Dataset.OutputDir, "masks", pair.ID()+".npy")
}

// BuildMasks runs step 1: for every pair, synthesize the binary mask
// from the HU threshold and the annotation cubes, and persist it. A
// failing case is reported and skipped; the batch continues.
func (p *Pipeline) BuildMasks(pairs []Pair) error {
	fmt.Println("STEP 1: Creating masks...")
	return p.forEachCase(pairs, p.buildMask)
}

func (p *Pipeline) buildMask(pair Pair) error {
	pc, err := p.loadCase(pair, false)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] loaded scan %dx%dx%d (%s)\n", pc.ID,
		pc.Volume.Width, pc.Volume.Height, pc.Volume.Depth,
		humanize.Bytes(uint64(len(pc.Volume.Data)*8)))

	mapper, err := annotation.NewMapper(pc.Volume, p.policy)
	if err != nil {
		return err
	}
	coords := mapper.MapPoints(pc.Points)

	synth := &mask.Synthesizer{
		ThresholdHU:  p.cfg.Mask.ThresholdHU,
		ClearBorders: p.cfg.Mask.ClearBorders,
	}
	pc.Mask, err = synth.Synthesize(pc.Volume, coords, p.cfg.Mask.CubeSide)
	if err != nil {
		return err
	}

	return npy.SaveUint8(p.MaskOutputPath(pair), pc.Mask.Data, pc.Mask.Shape())
}

// loadCase assembles the PatientCase for one pair: the scan, its
// annotation points, and (when withMask is set) the mask persisted by
// step 1.
func (p *Pipeline) loadCase(pair Pair, withMask bool) (*models.PatientCase, error) {
	vol, err := nifti.Load(pair.ScanPath)
	if err != nil {
		return nil, err
	}

	points, err := annotation.ParseFile(pair.JSONPath)
	if err != nil {
		return nil, err
	}

	pc := &models.PatientCase{ID: pair.ID(), Volume: vol, Points: points}
	if withMask {
		data, shape, err := npy.LoadUint8(p.MaskOutputPath(pair))
		if err != nil {
			return nil, fmt.Errorf("reading stored mask (did step 1 run?): %w", err)
		}
		pc.Mask = &models.Mask{Data: data, Width: shape[0], Height: shape[1], Depth: shape[2]}
	}
	return pc, nil
}

// CropAll runs step 2: for every pair, read back the stored mask,
// rescale scan and mask up to an isotropic grid, crop both to the
// informative region, rescale back down, and persist both. Outputs are
// written only after both arrays cropped to matching shape, so a
// failed case leaves no partial result.
func (p *Pipeline) CropAll(pairs []Pair) error {
	fmt.Println("STEP 2: Cropping scans & masks...")
	return p.forEachCase(pairs, p.cropCase)
}

func (p *Pipeline) cropCase(pair Pair) error {
	pc, err := p.loadCase(pair, true)
	if err != nil {
		return err
	}

	cv, cm, err := crop.CropWithRescale(pc.Volume, pc.Mask, p.cfg.Crop.Factor)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] cropped %v -> %v\n", pc.ID, pc.Volume.Shape(), cv.Shape())
	pc.Volume, pc.Mask = cv, cm

	if err := npy.SaveFloat64(p.ScanOutputPath(pair), pc.Volume.Data, pc.Volume.Shape()); err != nil {
		return err
	}
	return npy.SaveUint8(p.MaskOutputPath(pair), pc.Mask.Data, pc.Mask.Shape())
}

// Run executes the selected steps in order. Re-running a step
// re-derives and overwrites its outputs.
func (p *Pipeline) Run(steps []int) error {
	if err := p.PrepareOutputDirs(); err != nil {
		return err
	}

	pairs, err := p.Discover()
	if err != nil {
		return err
	}
	fmt.Printf("Discovered %d scan/annotation pairs\n", len(pairs))

	for _, step := range steps {
		switch step {
		case 1:
			if err := p.BuildMasks(pairs); err != nil {
				return err
			}
		case 2:
			if err := p.CropAll(pairs); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown step %d", step)
		}
	}
	return nil
}

// forEachCase applies fn to every pair, fanning out across workers
// when configured. Cases are independent, so a failure is logged with
// its case ID and the rest of the batch continues.
func (p *Pipeline) forEachCase(pairs []Pair, fn func(Pair) error) error {
	workers := p.cfg.Processing.Workers
	if workers <= 1 {
		for _, pair := range pairs {
			if err := fn(pair); err != nil {
				fmt.Printf("[%s] skipped: %v\n", pair.ID(), err)
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			if err := fn(pair); err != nil {
				fmt.Printf("[%s] skipped: %v\n", pair.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// scanStem strips the NIfTI extension from a scan filename.
func scanStem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}
