// Package phantom generates synthetic orientation fields with known fiber
// geometry. They stand in for reconstructed diffusion data in tests and in
// the command-line demo.
package phantom

import (
	"math"

	"gibbstrack/internal/models"
)

// DefaultSharpness is the lobe concentration used when Options.Sharpness is 0.
const DefaultSharpness = 8.0

// Options describe a cubic phantom.
type Options struct {
	// Size is the number of voxels along each axis
	Size int

	// Spacing is the voxel edge length in mm (default 1)
	Spacing float64

	// Directions are the ODF sample directions, normally the sphere
	// interpolator's tessellation vertices
	Directions []models.Vector3

	// Axis is the bundle direction of StraightBundle (default x)
	Axis models.Vector3

	// Sharpness is the lobe concentration kappa
	Sharpness float64

	// Radius of the spherical mask in voxels. 0 disables the mask.
	Radius float64
}

func (o Options) withDefaults() Options {
	if o.Spacing <= 0 {
		o.Spacing = 1
	}
	if o.Sharpness <= 0 {
		o.Sharpness = DefaultSharpness
	}
	if n, ok := o.Axis.Normalize(); ok {
		o.Axis = n
	} else {
		o.Axis = models.Vec(1, 0, 0)
	}
	return o
}

// LobeODF samples exp(-kappa*(1-(d.axis)^2)) at every direction: an
// antipodally symmetric lobe peaking at 1 along the axis.
func LobeODF(directions []models.Vector3, axis models.Vector3, kappa float64) []float64 {
	odf := make([]float64, len(directions))
	for i, d := range directions {
		c := d.Dot(axis)
		odf[i] = math.Exp(-kappa * (1 - c*c))
	}
	return odf
}

// StraightBundle returns a field with the same single-lobe ODF in every voxel
// and, if Radius > 0, a spherical mask centered in the volume.
func StraightBundle(opts Options) (*models.OrientationField, *models.Mask) {
	opts = opts.withDefaults()
	field := models.NewOrientationField(opts.Size, opts.Size, opts.Size, len(opts.Directions),
		models.Vec(opts.Spacing, opts.Spacing, opts.Spacing))

	odf := LobeODF(opts.Directions, opts.Axis, opts.Sharpness)
	fill(field, func(x, y, z int) []float64 { return odf })

	return field, sphereMaskFor(opts)
}

// Crossing returns two orthogonal bundles along x and y. Voxels in the
// central slab along z carry both lobes; the rest carry the x bundle in the
// lower half of y and the y bundle in the upper half.
func Crossing(opts Options) (*models.OrientationField, *models.Mask) {
	opts = opts.withDefaults()
	field := models.NewOrientationField(opts.Size, opts.Size, opts.Size, len(opts.Directions),
		models.Vec(opts.Spacing, opts.Spacing, opts.Spacing))

	lobeX := LobeODF(opts.Directions, models.Vec(1, 0, 0), opts.Sharpness)
	lobeY := LobeODF(opts.Directions, models.Vec(0, 1, 0), opts.Sharpness)
	both := make([]float64, len(lobeX))
	for i := range both {
		both[i] = 0.5 * (lobeX[i] + lobeY[i])
	}

	lo, hi := opts.Size/3, 2*opts.Size/3
	fill(field, func(x, y, z int) []float64 {
		switch {
		case z >= lo && z < hi:
			return both
		case y < opts.Size/2:
			return lobeX
		default:
			return lobeY
		}
	})

	return field, sphereMaskFor(opts)
}

func fill(field *models.OrientationField, odfAt func(x, y, z int) []float64) {
	for z := 0; z < field.Depth; z++ {
		for y := 0; y < field.Height; y++ {
			for x := 0; x < field.Width; x++ {
				field.SetODF(x, y, z, odfAt(x, y, z))
			}
		}
	}
}

func sphereMaskFor(opts Options) *models.Mask {
	if opts.Radius <= 0 {
		return nil
	}
	return SphereMask(opts.Size, opts.Size, opts.Size, opts.Radius)
}

// SphereMask activates voxels whose centers lie within radius voxels of the
// volume center.
func SphereMask(width, height, depth int, radius float64) *models.Mask {
	m := models.NewMask(width, height, depth, false)
	cx, cy, cz := float64(width)/2, float64(height)/2, float64(depth)/2
	r2 := radius * radius
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				dx := float64(x) + 0.5 - cx
				dy := float64(y) + 0.5 - cy
				dz := float64(z) + 0.5 - cz
				if dx*dx+dy*dy+dz*dz <= r2 {
					m.Set(x, y, z, true)
				}
			}
		}
	}
	return m
}

// EmptyMask returns a mask matching the field with every voxel inactive.
func EmptyMask(field *models.OrientationField) *models.Mask {
	return models.NewMask(field.Width, field.Height, field.Depth, false)
}
