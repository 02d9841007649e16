package sphere

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gibbstrack/internal/models"
)

// ErrResourceLoad is matched by every ResourceLoadError via errors.Is.
var ErrResourceLoad = errors.New("sphere lookup table could not be loaded")

// ResourceLoadError reports a missing or corrupt lookup table file.
type ResourceLoadError struct {
	Path string
	Err  error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("loading sphere lookup table %q: %v", e.Path, e.Err)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrResourceLoad) true for any ResourceLoadError.
func (e *ResourceLoadError) Is(target error) bool { return target == ErrResourceLoad }

const (
	lutMagic   = "SLUT"
	lutVersion = 1

	// Upper bounds guard against absurd allocations from corrupt headers
	maxResolution = 4096
	maxVertices   = 1 << 20
)

// lutHeader is the fixed-size header of the binary lookup table.
type lutHeader struct {
	Magic       [4]byte
	Version     uint32
	Resolution  uint32
	NumVertices uint32
}

// Save writes the lookup table in its little-endian binary format.
func (s *Interpolator) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating lookup table directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating lookup table file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	header := lutHeader{
		Version:     lutVersion,
		Resolution:  uint32(s.resolution),
		NumVertices: uint32(len(s.vertices)),
	}
	copy(header.Magic[:], lutMagic)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("error writing lookup table header: %w", err)
	}

	for _, v := range s.vertices {
		xyz := [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
		if err := binary.Write(w, binary.LittleEndian, xyz); err != nil {
			return fmt.Errorf("error writing tessellation vertex: %w", err)
		}
	}

	cells := len(s.indices) / 3
	for c := 0; c < cells; c++ {
		idx := [3]uint32{s.indices[3*c], s.indices[3*c+1], s.indices[3*c+2]}
		wts := [3]float32{float32(s.weights[3*c]), float32(s.weights[3*c+1]), float32(s.weights[3*c+2])}
		if err := binary.Write(w, binary.LittleEndian, idx); err != nil {
			return fmt.Errorf("error writing lookup cell: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, wts); err != nil {
			return fmt.Errorf("error writing lookup cell: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing lookup table: %w", err)
	}
	return nil
}

// Load reads a lookup table written by Save. Any failure, including a
// missing file, is returned as a *ResourceLoadError.
func Load(path string) (*Interpolator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResourceLoadError{Path: path, Err: err}
	}
	s, err := decode(data)
	if err != nil {
		return nil, &ResourceLoadError{Path: path, Err: err}
	}
	return s, nil
}

func decode(data []byte) (*Interpolator, error) {
	r := bytes.NewReader(data)

	var header lutHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("truncated header: %w", err)
	}
	if string(header.Magic[:]) != lutMagic {
		return nil, fmt.Errorf("bad magic %q", header.Magic[:])
	}
	if header.Version != lutVersion {
		return nil, fmt.Errorf("unsupported version %d", header.Version)
	}
	if header.Resolution == 0 || header.Resolution > maxResolution {
		return nil, fmt.Errorf("invalid resolution %d", header.Resolution)
	}
	if header.NumVertices < 3 || header.NumVertices > maxVertices {
		return nil, fmt.Errorf("invalid vertex count %d", header.NumVertices)
	}

	res := int(header.Resolution)
	nv := int(header.NumVertices)
	cells := 6 * res * res

	// 12 bytes per vertex, 24 bytes per cell
	if want := 12*nv + 24*cells; r.Len() != want {
		return nil, fmt.Errorf("payload is %d bytes, expected %d", r.Len(), want)
	}

	s := &Interpolator{
		vertices:   make([]models.Vector3, nv),
		resolution: res,
		indices:    make([]uint32, 3*cells),
		weights:    make([]float64, 3*cells),
	}

	for i := 0; i < nv; i++ {
		var xyz [3]float32
		if err := binary.Read(r, binary.LittleEndian, &xyz); err != nil {
			return nil, fmt.Errorf("reading vertex %d: %w", i, err)
		}
		v := models.Vec(float64(xyz[0]), float64(xyz[1]), float64(xyz[2]))
		if math.Abs(v.Norm()-1) > 1e-3 {
			return nil, fmt.Errorf("vertex %d is not a unit vector", i)
		}
		s.vertices[i] = v
	}

	for c := 0; c < cells; c++ {
		var idx [3]uint32
		var wts [3]float32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, fmt.Errorf("reading cell %d: %w", c, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &wts); err != nil {
			return nil, fmt.Errorf("reading cell %d: %w", c, err)
		}
		for k := 0; k < 3; k++ {
			if int(idx[k]) >= nv {
				return nil, fmt.Errorf("cell %d references vertex %d of %d", c, idx[k], nv)
			}
			w := float64(wts[k])
			if w < 0 || w > 1+1e-5 || math.IsNaN(w) {
				return nil, fmt.Errorf("cell %d has invalid weight %f", c, w)
			}
			s.indices[3*c+k] = idx[k]
			s.weights[3*c+k] = w
		}
	}

	return s, nil
}
