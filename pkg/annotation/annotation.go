// Package annotation parses JSON annotation records and maps their
// physical coordinates into a volume's voxel-index space.
package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"ctprep/internal/models"
)

// ErrNoLocalization marks a record that carries class annotations but
// no usable 3D positions. Discovery drops such records; they never
// reach the mask synthesis step.
var ErrNoLocalization = errors.New("annotation record has no localization data")

// record mirrors the subset of the annotation JSON the pipeline needs.
type record struct {
	PatientID   string `json:"patient_id"`
	Study       string `json:"study"`
	Annotations []struct {
		Label    string    `json:"label"`
		Position []float64 `json:"position"`
	} `json:"annotations"`
}

// ParseFile reads an annotation record and returns its localized
// points in physical coordinates. Entries without a 3-element position
// are skipped; if none remain the record is rejected with
// ErrNoLocalization.
func ParseFile(path string) ([]models.AnnotationPoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("annotation %s: %w", path, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("annotation %s: %w", path, err)
	}

	var points []models.AnnotationPoint
	for _, a := range rec.Annotations {
		if len(a.Position) != 3 {
			continue
		}
		points = append(points, models.AnnotationPoint{
			Label: a.Label,
			X:     a.Position[0],
			Y:     a.Position[1],
			Z:     a.Position[2],
		})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("annotation %s: %w", path, ErrNoLocalization)
	}
	return points, nil
}
