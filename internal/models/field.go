package models

import (
	"fmt"
	"math"
)

// OrientationField holds one orientation distribution function (ODF) per voxel,
// sampled over a fixed set of unit directions. The field is read-only for the
// lifetime of a tracking run and may be shared between goroutines.
type OrientationField struct {
	// Data holds the ODF coefficients as a flat array. Voxels are stored in
	// x-fastest order and each voxel occupies NumDirections consecutive values.
	Data []float64

	// Width, Height, Depth are the dimensions of the field in voxels
	Width, Height, Depth int

	// NumDirections is the number of sample directions per voxel. It must
	// match the vertex count of the sphere interpolator used to read the field.
	NumDirections int

	// Spacing is the physical size of each voxel in mm
	Spacing Vector3
}

// NewOrientationField allocates a zero-valued field.
func NewOrientationField(width, height, depth, numDirections int, spacing Vector3) *OrientationField {
	return &OrientationField{
		Data:          make([]float64, width*height*depth*numDirections),
		Width:         width,
		Height:        height,
		Depth:         depth,
		NumDirections: numDirections,
		Spacing:       spacing,
	}
}

// Validate checks that the dimensions, spacing and data length agree.
func (f *OrientationField) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Depth <= 0 {
		return fmt.Errorf("invalid field dimensions %dx%dx%d", f.Width, f.Height, f.Depth)
	}
	if f.NumDirections <= 0 {
		return fmt.Errorf("field has no sample directions")
	}
	if f.Spacing.X <= 0 || f.Spacing.Y <= 0 || f.Spacing.Z <= 0 {
		return fmt.Errorf("invalid voxel spacing %+v", f.Spacing)
	}
	if want := f.NumVoxels() * f.NumDirections; len(f.Data) != want {
		return fmt.Errorf("field data has %d values, expected %d", len(f.Data), want)
	}
	return nil
}

// NumVoxels returns Width*Height*Depth.
func (f *OrientationField) NumVoxels() int {
	return f.Width * f.Height * f.Depth
}

// Contains reports whether the voxel index lies inside the field.
func (f *OrientationField) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < f.Width && y < f.Height && z < f.Depth
}

// VoxelIndex returns the linear index of voxel (x, y, z).
func (f *OrientationField) VoxelIndex(x, y, z int) int {
	return x + f.Width*(y+f.Height*z)
}

// ODF returns the coefficient vector of a voxel. The returned slice aliases the
// field data and must not be modified by readers.
func (f *OrientationField) ODF(x, y, z int) []float64 {
	start := f.VoxelIndex(x, y, z) * f.NumDirections
	return f.Data[start : start+f.NumDirections]
}

// ODFAt returns the coefficient vector for a linear voxel index.
func (f *OrientationField) ODFAt(voxel int) []float64 {
	start := voxel * f.NumDirections
	return f.Data[start : start+f.NumDirections]
}

// SetODF copies values into the voxel's coefficient vector.
func (f *OrientationField) SetODF(x, y, z int, values []float64) {
	copy(f.ODF(x, y, z), values)
}

// Extent returns the physical size of the field in mm.
func (f *OrientationField) Extent() Vector3 {
	return Vector3{
		X: float64(f.Width) * f.Spacing.X,
		Y: float64(f.Height) * f.Spacing.Y,
		Z: float64(f.Depth) * f.Spacing.Z,
	}
}

// MinSpacing returns the smallest voxel edge length.
func (f *OrientationField) MinSpacing() float64 {
	return math.Min(f.Spacing.X, math.Min(f.Spacing.Y, f.Spacing.Z))
}

// VoxelOf returns the voxel containing a world position.
func (f *OrientationField) VoxelOf(pos Vector3) (x, y, z int, ok bool) {
	if pos.X < 0 || pos.Y < 0 || pos.Z < 0 {
		return 0, 0, 0, false
	}
	x = int(pos.X / f.Spacing.X)
	y = int(pos.Y / f.Spacing.Y)
	z = int(pos.Z / f.Spacing.Z)
	return x, y, z, f.Contains(x, y, z)
}

// VoxelOrigin returns the world position of the voxel's lower corner.
func (f *OrientationField) VoxelOrigin(x, y, z int) Vector3 {
	return Vector3{
		X: float64(x) * f.Spacing.X,
		Y: float64(y) * f.Spacing.Y,
		Z: float64(z) * f.Spacing.Z,
	}
}

// VoxelCenter returns the world position of the voxel's center.
func (f *OrientationField) VoxelCenter(x, y, z int) Vector3 {
	return f.VoxelOrigin(x, y, z).Add(f.Spacing.Scale(0.5))
}

// Mask flags voxels that may hold particles. A nil *Mask is valid and treats
// every voxel as active.
type Mask struct {
	// Data holds one flag per voxel in x-fastest order
	Data []bool

	// Width, Height, Depth are the dimensions of the mask in voxels
	Width, Height, Depth int
}

// NewMask allocates a mask with every voxel set to fill.
func NewMask(width, height, depth int, fill bool) *Mask {
	m := &Mask{
		Data:   make([]bool, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	if fill {
		for i := range m.Data {
			m.Data[i] = true
		}
	}
	return m
}

// Active reports whether voxel (x, y, z) is active. Out-of-range voxels are
// inactive.
func (m *Mask) Active(x, y, z int) bool {
	if m == nil {
		return true
	}
	if x < 0 || y < 0 || z < 0 || x >= m.Width || y >= m.Height || z >= m.Depth {
		return false
	}
	return m.Data[x+m.Width*(y+m.Height*z)]
}

// Set changes the flag of a voxel.
func (m *Mask) Set(x, y, z int, active bool) {
	m.Data[x+m.Width*(y+m.Height*z)] = active
}

// CountActive returns the number of active voxels.
func (m *Mask) CountActive() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// MatchesField reports whether the mask grid equals the field grid.
func (m *Mask) MatchesField(f *OrientationField) bool {
	if m == nil {
		return true
	}
	return m.Width == f.Width && m.Height == f.Height && m.Depth == f.Depth &&
		len(m.Data) == f.NumVoxels()
}
