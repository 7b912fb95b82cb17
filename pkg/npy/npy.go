// Package npy reads and writes numpy ".npy" files for the array shapes
// this pipeline uses: 3D float64 scans and 3D uint8 masks. Files with a
// ".gz" suffix are compressed transparently. The on-disk arrays use
// Fortran order, matching the x-fastest layout of the in-memory data.
package npy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const magic = "\x93NUMPY"

// SaveFloat64 writes a 3D float64 array with the given (X, Y, Z) shape.
func SaveFloat64(path string, data []float64, shape [3]int) error {
	if len(data) != shape[0]*shape[1]*shape[2] {
		return fmt.Errorf("npy save %s: data length %d does not match shape %v", path, len(data), shape)
	}
	return save(path, "<f8", shape, func(w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, data)
	})
}

// SaveUint8 writes a 3D uint8 array with the given (X, Y, Z) shape.
func SaveUint8(path string, data []uint8, shape [3]int) error {
	if len(data) != shape[0]*shape[1]*shape[2] {
		return fmt.Errorf("npy save %s: data length %d does not match shape %v", path, len(data), shape)
	}
	return save(path, "|u1", shape, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadFloat64 reads a 3D float64 array and its (X, Y, Z) shape.
func LoadFloat64(path string) ([]float64, [3]int, error) {
	descr, shape, r, closeAll, err := open(path)
	if err != nil {
		return nil, [3]int{}, err
	}
	defer closeAll()

	if descr != "<f8" {
		return nil, [3]int{}, fmt.Errorf("npy load %s: expected dtype <f8, got %q", path, descr)
	}
	data := make([]float64, shape[0]*shape[1]*shape[2])
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, [3]int{}, fmt.Errorf("npy load %s: %w", path, err)
	}
	return data, shape, nil
}

// LoadUint8 reads a 3D uint8 array and its (X, Y, Z) shape.
func LoadUint8(path string) ([]uint8, [3]int, error) {
	descr, shape, r, closeAll, err := open(path)
	if err != nil {
		return nil, [3]int{}, err
	}
	defer closeAll()

	if descr != "|u1" {
		return nil, [3]int{}, fmt.Errorf("npy load %s: expected dtype |u1, got %q", path, descr)
	}
	data := make([]uint8, shape[0]*shape[1]*shape[2])
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, [3]int{}, fmt.Errorf("npy load %s: %w", path, err)
	}
	return data, shape, nil
}

func save(path, descr string, shape [3]int, writeData func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("npy save: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := writeHeader(w, descr, shape); err != nil {
		return fmt.Errorf("npy save %s: %w", path, err)
	}
	if err := writeData(w); err != nil {
		return fmt.Errorf("npy save %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("npy save %s: %w", path, err)
		}
	}
	return f.Close()
}

func writeHeader(w io.Writer, descr string, shape [3]int) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': True, 'shape': (%d, %d, %d), }",
		descr, shape[0], shape[1], shape[2])

	// Pad so the full header (magic + version + length + dict + '\n')
	// is a multiple of 64 bytes, as the format requires.
	base := len(magic) + 2 + 2
	total := base + len(dict) + 1
	pad := (64 - total%64) % 64
	dict = dict + strings.Repeat(" ", pad) + "\n"

	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(dict))); err != nil {
		return err
	}
	_, err := io.WriteString(w, dict)
	return err
}

// open reads and parses the header, returning the dtype descriptor, the
// (X, Y, Z) shape and a reader positioned at the start of the data.
func open(path string) (string, [3]int, io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load: %w", err)
	}
	closeAll := func() { f.Close() }

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: %w", path, err)
		}
		r = gz
		closeAll = func() {
			gz.Close()
			f.Close()
		}
	}

	head := make([]byte, len(magic)+2+2)
	if _, err := io.ReadFull(r, head); err != nil {
		closeAll()
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: %w", path, err)
	}
	if !bytes.Equal(head[:len(magic)], []byte(magic)) {
		closeAll()
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: bad magic", path)
	}
	if head[len(magic)] != 1 {
		closeAll()
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: unsupported version %d.%d", path, head[len(magic)], head[len(magic)+1])
	}
	headerLen := binary.LittleEndian.Uint16(head[len(magic)+2:])

	dict := make([]byte, headerLen)
	if _, err := io.ReadFull(r, dict); err != nil {
		closeAll()
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: %w", path, err)
	}

	descr, fortran, shape, err := parseHeader(string(dict))
	if err != nil {
		closeAll()
		return "", [3]int{}, nil, nil, fmt.Errorf("npy load %s: %w", path, err)
	}
	if !fortran {
		// C-order files list the slowest axis first; flip to (X, Y, Z).
		shape[0], shape[2] = shape[2], shape[0]
	}
	return descr, shape, r, closeAll, nil
}

func parseHeader(dict string) (string, bool, [3]int, error) {
	descr, err := extractQuoted(dict, "'descr':")
	if err != nil {
		return "", false, [3]int{}, err
	}

	fortran := strings.Contains(dict, "'fortran_order': True")
	if !fortran && !strings.Contains(dict, "'fortran_order': False") {
		return "", false, [3]int{}, fmt.Errorf("header missing fortran_order: %q", dict)
	}

	start := strings.Index(dict, "(")
	end := strings.Index(dict, ")")
	if start < 0 || end < start {
		return "", false, [3]int{}, fmt.Errorf("header missing shape: %q", dict)
	}
	parts := strings.Split(dict[start+1:end], ",")
	var dims []int
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", false, [3]int{}, fmt.Errorf("bad shape entry %q", p)
		}
		dims = append(dims, n)
	}
	if len(dims) != 3 {
		return "", false, [3]int{}, fmt.Errorf("expected 3 dimensions, got %d", len(dims))
	}
	return descr, fortran, [3]int{dims[0], dims[1], dims[2]}, nil
}

func extractQuoted(dict, key string) (string, error) {
	i := strings.Index(dict, key)
	if i < 0 {
		return "", fmt.Errorf("header missing %s: %q", key, dict)
	}
	rest := dict[i+len(key):]
	start := strings.Index(rest, "'")
	if start < 0 {
		return "", fmt.Errorf("header missing value for %s", key)
	}
	end := strings.Index(rest[start+1:], "'")
	if end < 0 {
		return "", fmt.Errorf("header missing value for %s", key)
	}
	return rest[start+1 : start+1+end], nil
}
