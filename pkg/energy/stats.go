package energy

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"gibbstrack/internal/models"
)

// FieldStats caches per-voxel summary values of the orientation field.
type FieldStats struct {
	// Peak is the largest ODF coefficient of each voxel
	Peak []float64

	// Mean is the average ODF coefficient of each voxel
	Mean []float64
}

// ComputeFieldStats summarizes every voxel of the field. Z-slices are
// processed in parallel.
func ComputeFieldStats(field *models.OrientationField) *FieldStats {
	n := field.NumVoxels()
	fs := &FieldStats{
		Peak: make([]float64, n),
		Mean: make([]float64, n),
	}
	if field.NumDirections == 0 {
		return fs
	}

	slice := field.Width * field.Height
	var wg sync.WaitGroup
	for z := 0; z < field.Depth; z++ {
		wg.Add(1)
		go func(z int) {
			defer wg.Done()
			for v := z * slice; v < (z+1)*slice; v++ {
				odf := field.ODFAt(v)
				fs.Peak[v] = floats.Max(odf)
				fs.Mean[v] = stat.Mean(odf, nil)
			}
		}(z)
	}
	wg.Wait()

	return fs
}

// Contrast returns peak minus mean for a voxel.
func (fs *FieldStats) Contrast(voxel int) float64 {
	return fs.Peak[voxel] - fs.Mean[voxel]
}

// weightDivisor scales the mean peak contrast down to one particle's share.
const weightDivisor = 6

// EstimateParticleWeight derives the particle weight from the field. Each
// active voxel gets a sharpness (peak-mean)/peak. For thresholds from 1.00 down
// to 0.66 of the maximum sharpness, the mean contrast of the voxels at least
// that sharp is computed; the weight is the average over thresholds divided
// by six. ok is false when no active voxel carries any signal.
func EstimateParticleWeight(field *models.OrientationField, mask *models.Mask, fs *FieldStats) (weight float64, ok bool) {
	type voxelSample struct {
		sharpness float64
		contrast  float64
	}

	samples := make([]voxelSample, 0)
	maxSharpness := 0.0
	for z := 0; z < field.Depth; z++ {
		for y := 0; y < field.Height; y++ {
			for x := 0; x < field.Width; x++ {
				if !mask.Active(x, y, z) {
					continue
				}
				v := field.VoxelIndex(x, y, z)
				peak := fs.Peak[v]
				contrast := fs.Contrast(v)
				if peak <= 0 || contrast <= 0 {
					continue
				}
				s := voxelSample{sharpness: contrast / peak, contrast: contrast}
				samples = append(samples, s)
				maxSharpness = max(maxSharpness, s.sharpness)
			}
		}
	}
	if len(samples) == 0 {
		return 0, false
	}

	const thresholds = 18 // 1.00, 0.98, ..., 0.66
	means := make([]float64, thresholds)
	found := make([]bool, thresholds)

	var wg sync.WaitGroup
	for i := 0; i < thresholds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			limit := (1-0.02*float64(i))*maxSharpness - 1e-12
			selected := make([]float64, 0, len(samples))
			for _, s := range samples {
				if s.sharpness >= limit {
					selected = append(selected, s.contrast)
				}
			}
			if len(selected) > 0 {
				means[i] = stat.Mean(selected, nil)
				found[i] = true
			}
		}(i)
	}
	wg.Wait()

	used := make([]float64, 0, thresholds)
	for i, m := range means {
		if found[i] {
			used = append(used, m)
		}
	}
	if len(used) == 0 {
		return 0, false
	}
	return stat.Mean(used, nil) / weightDivisor, true
}
