package geo

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Bounds is an axis-aligned box in SRS units.
type Bounds struct {
	XMin, YMin, XMax, YMax float64
}

func (b Bounds) Valid() bool {
	return b.XMax > b.XMin && b.YMax > b.YMin
}

func (b Bounds) Width() float64  { return b.XMax - b.XMin }
func (b Bounds) Height() float64 { return b.YMax - b.YMin }

// GeoPoint is a location in a given SRS.
type GeoPoint struct {
	SRS     SRS
	X, Y, Z float64
}

func NewGeoPoint(srs SRS, x, y, z float64) GeoPoint {
	return GeoPoint{SRS: srs, X: x, Y: y, Z: z}
}

func (p GeoPoint) Valid() bool { return p.SRS.Valid() }

func (p GeoPoint) Vec() mgl64.Vec3 { return mgl64.Vec3{p.X, p.Y, p.Z} }

func (p GeoPoint) Transform(to SRS) GeoPoint {
	if !p.Valid() || !to.Valid() {
		return GeoPoint{}
	}
	v := p.SRS.Transform(p.Vec(), to)
	return GeoPoint{SRS: to, X: v.X(), Y: v.Y(), Z: v.Z()}
}

func (p GeoPoint) ToWorld() mgl64.Vec3 {
	return p.SRS.ToWorld(p.Vec())
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("%s(%g, %g, %g)", p.SRS, p.X, p.Y, p.Z)
}

// GeoCircle is a bounding circle centered on a map location.
type GeoCircle struct {
	Center GeoPoint
	Radius float64
}

func (c GeoCircle) Valid() bool { return c.Center.Valid() && c.Radius >= 0 }

// GeoExtent is a georeferenced rectangle.
type GeoExtent struct {
	srs                    SRS
	xmin, ymin, xmax, ymax float64
}

var InvalidExtent = GeoExtent{}

func NewGeoExtent(srs SRS, xmin, ymin, xmax, ymax float64) GeoExtent {
	return GeoExtent{srs: srs, xmin: xmin, ymin: ymin, xmax: xmax, ymax: ymax}
}

func (e GeoExtent) Valid() bool {
	return e.srs.Valid() && e.xmax >= e.xmin && e.ymax >= e.ymin
}

func (e GeoExtent) SRS() SRS        { return e.srs }
func (e GeoExtent) XMin() float64   { return e.xmin }
func (e GeoExtent) YMin() float64   { return e.ymin }
func (e GeoExtent) XMax() float64   { return e.xmax }
func (e GeoExtent) YMax() float64   { return e.ymax }
func (e GeoExtent) West() float64   { return e.xmin }
func (e GeoExtent) South() float64  { return e.ymin }
func (e GeoExtent) East() float64   { return e.xmax }
func (e GeoExtent) North() float64  { return e.ymax }
func (e GeoExtent) Width() float64  { return e.xmax - e.xmin }
func (e GeoExtent) Height() float64 { return e.ymax - e.ymin }
func (e GeoExtent) Bounds() Bounds  { return Bounds{e.xmin, e.ymin, e.xmax, e.ymax} }
func (e GeoExtent) Centroid() GeoPoint {
	return GeoPoint{SRS: e.srs, X: (e.xmin + e.xmax) * 0.5, Y: (e.ymin + e.ymax) * 0.5}
}

// Contains reports whether (x, y) in the extent's SRS lies inside, edges included.
func (e GeoExtent) Contains(x, y float64) bool {
	if !e.Valid() {
		return false
	}
	const eps = 1e-9
	return x >= e.xmin-eps && x <= e.xmax+eps && y >= e.ymin-eps && y <= e.ymax+eps
}

// Intersects reports whether two extents overlap. Touching edges do not count.
func (e GeoExtent) Intersects(o GeoExtent) bool {
	if !e.Valid() || !o.Valid() {
		return false
	}
	if !o.srs.Equivalent(e.srs) {
		o = o.Transform(e.srs)
		if !o.Valid() {
			return false
		}
	}
	return !(e.xmin >= o.xmax || e.xmax <= o.xmin || e.ymin >= o.ymax || e.ymax <= o.ymin)
}

// Transform reprojects the extent by transforming its corners.
func (e GeoExtent) Transform(to SRS) GeoExtent {
	if !e.Valid() || !to.Valid() {
		return InvalidExtent
	}
	if e.srs.Equivalent(to) {
		return e
	}
	sw := e.srs.Transform(mgl64.Vec3{e.xmin, e.ymin, 0}, to)
	ne := e.srs.Transform(mgl64.Vec3{e.xmax, e.ymax, 0}, to)
	return NewGeoExtent(to,
		math.Min(sw.X(), ne.X()), math.Min(sw.Y(), ne.Y()),
		math.Max(sw.X(), ne.X()), math.Max(sw.Y(), ne.Y()))
}

// ComputeBoundingGeoCircle returns a circle enclosing the extent. Geographic
// extents are measured in world space; projected ones from the extent size.
func (e GeoExtent) ComputeBoundingGeoCircle() GeoCircle {
	if !e.Valid() {
		return GeoCircle{Radius: -1}
	}
	centroid := e.Centroid()
	if e.srs.IsProjected() {
		ext := math.Max(e.Width(), e.Height())
		return GeoCircle{Center: centroid, Radius: 0.5 * ext * 1.414121356237}
	}
	center := e.srs.ToWorld(mgl64.Vec3{centroid.X, centroid.Y, 0})
	var r2 float64
	for _, c := range [4][2]float64{{e.xmin, e.ymin}, {e.xmax, e.ymin}, {e.xmax, e.ymax}, {e.xmin, e.ymax}} {
		w := e.srs.ToWorld(mgl64.Vec3{c[0], c[1], 0})
		d := w.Sub(center)
		r2 = math.Max(r2, d.Dot(d))
	}
	return GeoCircle{Center: centroid, Radius: math.Sqrt(r2)}
}

func (e GeoExtent) String() string {
	if !e.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%s[%g, %g, %g, %g]", e.srs, e.xmin, e.ymin, e.xmax, e.ymax)
}
