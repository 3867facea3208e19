package common

import (
	"cmp"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	// Epsilon used when comparing double precision map coordinates.
	Epsilon = 1e-10
)

// / Clamps the value to the specified range.
// / @param[in]		value			The value to clamp.
// / @param[in]		minInclusive	The minimum permitted return value.
// / @param[in]		maxInclusive	The maximum permitted return value.
// / @return The value, clamped to the specified range.
func Clamp[T cmp.Ordered](value, minInclusive, maxInclusive T) T {
	if value < minInclusive {
		return minInclusive
	}
	if value > maxInclusive {
		return maxInclusive
	}
	return value
}

// Equiv reports whether a and b are equal within Epsilon.
func Equiv(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// EquivE reports whether a and b are equal within epsilon e.
func EquivE(a, b, e float64) bool {
	return math.Abs(a-b) <= e
}

func Deg2Rad(v float64) float64 { return v * math.Pi / 180.0 }
func Rad2Deg(v float64) float64 { return v * 180.0 / math.Pi }

// / Returns the square of the distance between two points.
func VdistSqr(v1, v2 Vec3d) float64 {
	d := v2.Sub(v1)
	return d.Dot(d)
}

// Vnormalize returns v scaled to unit length, or v unchanged when it has no length.
func Vnormalize(v Vec3d) Vec3d {
	l := v.Len()
	if l == 0 {
		return v
	}
	return v.Mul(1.0 / l)
}

// ToVec3f narrows a double precision vector for vertex buffers.
func ToVec3f(v Vec3d) Vec3 {
	return Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}

// TransformPoint applies the affine matrix m to point p.
func TransformPoint(m mgl64.Mat4, p Vec3d) Vec3d {
	return m.Mul4x1(p.Vec4(1)).Vec3()
}
