// Package nifti loads single-file NIfTI-1 CT scans (.nii and .nii.gz)
// into volumes with their affine and voxel spacing, and writes float64
// volumes back out for fixtures and intermediate inspection.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ctprep/internal/models"
	"ctprep/pkg/volume"
)

const headerSize = 348

// NIfTI-1 datatype codes
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
)

// header is the fixed 348-byte NIfTI-1 header layout.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a NIfTI-1 scan into a Volume. Intensities are scaled by
// the header's scl_slope/scl_inter so the result is in Hounsfield
// units. Only little-endian single-file scans are supported.
func Load(path string) (*models.Volume, error) {
	raw, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("nifti load %s: %w", path, err)
	}

	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("nifti load %s: %w", path, err)
	}

	shape, spacing := gridFromHeader(hdr)
	nvox := shape[0] * shape[1] * shape[2]

	offset := int(hdr.VoxOffset)
	if offset < headerSize || offset > len(raw) {
		return nil, fmt.Errorf("nifti load %s: bad voxel offset %d", path, offset)
	}

	size, err := voxelBytes(hdr.Datatype)
	if err != nil {
		return nil, fmt.Errorf("nifti load %s: %w", path, err)
	}
	if need := int64(nvox) * int64(size); int64(len(raw)-offset) < need {
		return nil, fmt.Errorf("nifti load %s: voxel data truncated: need %d bytes for %v, have %d",
			path, need, shape, len(raw)-offset)
	}

	data, err := decodeVoxels(raw[offset:], hdr.Datatype, nvox)
	if err != nil {
		return nil, fmt.Errorf("nifti load %s: %w", path, err)
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &models.Volume{
		Data:    data,
		Width:   shape[0],
		Height:  shape[1],
		Depth:   shape[2],
		Spacing: spacing,
		Affine:  affineFromHeader(hdr, spacing),
	}, nil
}

// ReadShape reads only the header and returns the (X, Y, Z) grid shape.
// Used during discovery to pick a scan by depth without loading voxels.
func ReadShape(path string) ([3]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return [3]int{}, fmt.Errorf("nifti header %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return [3]int{}, fmt.Errorf("nifti header %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return [3]int{}, fmt.Errorf("nifti header %s: %w", path, err)
	}
	hdr, err := parseHeader(raw)
	if err != nil {
		return [3]int{}, fmt.Errorf("nifti header %s: %w", path, err)
	}
	shape, _ := gridFromHeader(hdr)
	return shape, nil
}

// Save writes a volume as a single-file float64 NIfTI-1 scan. A ".gz"
// suffix selects gzip compression.
func Save(path string, v *models.Volume) error {
	var hdr header
	hdr.SizeofHdr = headerSize
	hdr.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}
	hdr.Datatype = typeFloat64
	hdr.Bitpix = 64
	hdr.Pixdim = [8]float32{1,
		float32(v.Spacing[0]), float32(v.Spacing[1]), float32(v.Spacing[2]),
		0, 0, 0, 0}
	hdr.VoxOffset = headerSize + 4 // header + empty extension flag
	hdr.SclSlope = 1
	hdr.SformCode = 1
	hdr.SrowX = srow(v.Affine[0])
	hdr.SrowY = srow(v.Affine[1])
	hdr.SrowZ = srow(v.Affine[2])
	hdr.Magic = [4]byte{'n', '+', '1', 0}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nifti save: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("nifti save %s: %w", path, err)
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("nifti save %s: %w", path, err)
	}
	if err := binary.Write(w, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("nifti save %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("nifti save %s: %w", path, err)
		}
	}
	return f.Close()
}

func srow(row [4]float64) [4]float32 {
	return [4]float32{float32(row[0]), float32(row[1]), float32(row[2]), float32(row[3])}
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

func parseHeader(raw []byte) (*header, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file too short for NIfTI-1 header (%d bytes)", len(raw))
	}
	hdr := new(header)
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if hdr.SizeofHdr != headerSize {
		return nil, fmt.Errorf("unsupported header size %d (big-endian scans are not supported)", hdr.SizeofHdr)
	}
	magic := hdr.Magic
	if magic != [4]byte{'n', '+', '1', 0} {
		if magic == [4]byte{'n', 'i', '1', 0} {
			return nil, fmt.Errorf("two-file (.hdr/.img) scans are not supported")
		}
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}
	if hdr.Dim[0] < 3 {
		return nil, fmt.Errorf("expected a 3D scan, got %d dimensions", hdr.Dim[0])
	}
	for axis := 1; axis <= 3; axis++ {
		if hdr.Dim[axis] <= 0 {
			return nil, fmt.Errorf("corrupt header: non-positive extent %d on dimension %d", hdr.Dim[axis], axis)
		}
	}
	return hdr, nil
}

// voxelBytes returns the on-disk size of one voxel for a datatype.
func voxelBytes(datatype int16) (int, error) {
	switch datatype {
	case typeUint8:
		return 1, nil
	case typeInt16:
		return 2, nil
	case typeInt32, typeFloat32:
		return 4, nil
	case typeFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported datatype %d", datatype)
	}
}

func gridFromHeader(hdr *header) ([3]int, [3]float64) {
	shape := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	var spacing [3]float64
	for axis := 0; axis < 3; axis++ {
		s := math.Abs(float64(hdr.Pixdim[axis+1]))
		if s == 0 {
			s = 1
		}
		spacing[axis] = s
	}
	return shape, spacing
}

func affineFromHeader(hdr *header, spacing [3]float64) [4][4]float64 {
	if hdr.SformCode <= 0 {
		return volume.AffineFromSpacing(spacing)
	}
	var a [4][4]float64
	rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
	for i, row := range rows {
		for j := 0; j < 4; j++ {
			a[i][j] = float64(row[j])
		}
	}
	a[3] = [4]float64{0, 0, 0, 1}
	return a
}

func decodeVoxels(raw []byte, datatype int16, nvox int) ([]float64, error) {
	data := make([]float64, nvox)
	r := bytes.NewReader(raw)
	switch datatype {
	case typeUint8:
		buf := make([]uint8, nvox)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeInt16:
		buf := make([]int16, nvox)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeInt32:
		buf := make([]int32, nvox)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeFloat32:
		buf := make([]float32, nvox)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeFloat64:
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}
	return data, nil
}
