package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vector3 is a point or direction in 3D world space (millimetres). It shares
// its layout with r3.Vec so values convert freely in both directions.
type Vector3 r3.Vec

// Vec is a short constructor used throughout the tracker and its tests.
func Vec(x, y, z float64) Vector3 {
	return Vector3{X: x, Y: y, Z: z}
}

// R3 returns v as a gonum vector.
func (v Vector3) R3() r3.Vec { return r3.Vec(v) }

func (v Vector3) Add(o Vector3) Vector3 { return Vector3(r3.Add(r3.Vec(v), r3.Vec(o))) }

func (v Vector3) Sub(o Vector3) Vector3 { return Vector3(r3.Sub(r3.Vec(v), r3.Vec(o))) }

func (v Vector3) Scale(s float64) Vector3 { return Vector3(r3.Scale(s, r3.Vec(v))) }

func (v Vector3) Dot(o Vector3) float64 { return r3.Dot(r3.Vec(v), r3.Vec(o)) }

func (v Vector3) Cross(o Vector3) Vector3 { return Vector3(r3.Cross(r3.Vec(v), r3.Vec(o))) }

func (v Vector3) SquaredNorm() float64 { return r3.Norm2(r3.Vec(v)) }

func (v Vector3) Norm() float64 { return r3.Norm(r3.Vec(v)) }

// Distance returns the Euclidean distance between two points.
func (v Vector3) Distance(o Vector3) float64 {
	return v.Sub(o).Norm()
}

// SquaredDistance avoids the square root for neighbourhood tests.
func (v Vector3) SquaredDistance(o Vector3) float64 {
	return v.Sub(o).SquaredNorm()
}

// Normalize returns the unit vector along v. r3.Unit yields NaNs for the
// zero vector; here the input is returned unchanged with ok=false instead.
func (v Vector3) Normalize() (Vector3, bool) {
	n := v.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return v, false
	}
	return Vector3(r3.Unit(r3.Vec(v))), true
}

// Midpoint returns the point halfway between v and o.
func (v Vector3) Midpoint(o Vector3) Vector3 {
	return v.Add(o).Scale(0.5)
}
