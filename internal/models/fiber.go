package models

// Fiber is an ordered chain of particle centers extracted from the particle
// graph. Fibers are snapshots: a new slice is produced on every build.
type Fiber struct {
	// Points holds the particle centers in chain order
	Points []Vector3

	// Length is the summed Euclidean length of the polyline in mm
	Length float64
}

// PolylineLength sums the segment lengths of an ordered point list.
func PolylineLength(points []Vector3) float64 {
	length := 0.0
	for i := 1; i < len(points); i++ {
		length += points[i].Distance(points[i-1])
	}
	return length
}
