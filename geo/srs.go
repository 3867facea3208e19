// Package geo holds the spatial reference, extent and tiling primitives the
// terrain engine is keyed on.
package geo

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
)

// Ellipsoid is an oblate spheroid used for geodetic <-> geocentric conversion.
type Ellipsoid struct {
	re, rp float64
	ecc2   float64
}

var WGS84Ellipsoid = NewEllipsoid(6378137.0, 6356752.314245179)

func NewEllipsoid(re, rp float64) Ellipsoid {
	if !common.SoftAssert(re > 0 && rp > 0, "ellipsoid radii must be positive") {
		return Ellipsoid{}
	}
	f := (re - rp) / re
	return Ellipsoid{re: re, rp: rp, ecc2: 2.0*f - f*f}
}

func (e Ellipsoid) SemiMajorAxis() float64 { return e.re }
func (e Ellipsoid) SemiMinorAxis() float64 { return e.rp }

// GeodeticToGeocentric converts (lon deg, lat deg, height m) to ECEF meters.
func (e Ellipsoid) GeodeticToGeocentric(lla mgl64.Vec3) mgl64.Vec3 {
	lat := common.Deg2Rad(lla.Y())
	lon := common.Deg2Rad(lla.X())
	h := lla.Z()
	sinLat, cosLat := math.Sincos(lat)
	n := e.re / math.Sqrt(1.0-e.ecc2*sinLat*sinLat)
	return mgl64.Vec3{
		(n + h) * cosLat * math.Cos(lon),
		(n + h) * cosLat * math.Sin(lon),
		(n*(1-e.ecc2) + h) * sinLat,
	}
}

// GeocentricToGeodetic converts ECEF meters to (lon deg, lat deg, height m).
func (e Ellipsoid) GeocentricToGeodetic(xyz mgl64.Vec3) mgl64.Vec3 {
	x, y, z := xyz.X(), xyz.Y(), xyz.Z()
	p := math.Sqrt(x*x + y*y)
	lon := math.Atan2(y, x)
	theta := math.Atan2(z*e.re, p*e.rp)
	ep2 := (e.re*e.re - e.rp*e.rp) / (e.rp * e.rp)
	sinT, cosT := math.Sincos(theta)
	lat := math.Atan2(z+ep2*e.rp*sinT*sinT*sinT, p-e.ecc2*e.re*cosT*cosT*cosT)
	sinLat, cosLat := math.Sincos(lat)
	n := e.re / math.Sqrt(1.0-e.ecc2*sinLat*sinLat)
	var h float64
	if math.Abs(cosLat) < 1e-12 {
		h = math.Abs(z) - e.rp
	} else {
		h = p/cosLat - n
	}
	out := mgl64.Vec3{common.Rad2Deg(lon), common.Rad2Deg(lat), h}
	for i := range out {
		if math.IsNaN(out[i]) {
			out[i] = 0
		}
	}
	return out
}

// GeocentricToLocalToWorld returns the east-north-up frame at an ECEF point.
func (e Ellipsoid) GeocentricToLocalToWorld(xyz mgl64.Vec3) mgl64.Mat4 {
	lla := e.GeocentricToGeodetic(xyz)
	lat := common.Deg2Rad(lla.Y())
	lon := common.Deg2Rad(lla.X())
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	up := mgl64.Vec3{cosLat * cosLon, cosLat * sinLon, sinLat}
	east := mgl64.Vec3{-sinLon, cosLon, 0}
	north := up.Cross(east)
	return mgl64.Mat4{
		east[0], east[1], east[2], 0,
		north[0], north[1], north[2], 0,
		up[0], up[1], up[2], 0,
		xyz[0], xyz[1], xyz[2], 1,
	}
}

// MetersPerDegreeAtEquator is the arc length of one degree on the semi-major axis.
func (e Ellipsoid) MetersPerDegreeAtEquator() float64 {
	return e.re * 2.0 * math.Pi / 360.0
}

type srsKind uint8

const (
	srsInvalid srsKind = iota
	srsGeographic
	srsMercator
	srsEquirectangular
)

// SRS is a horizontal spatial reference. Only the systems a virtual globe
// tiles natively are supported.
type SRS struct {
	name      string
	kind      srsKind
	ellipsoid Ellipsoid
}

var (
	SRSWGS84             = SRS{name: "wgs84", kind: srsGeographic, ellipsoid: WGS84Ellipsoid}
	SRSSphericalMercator = SRS{name: "spherical-mercator", kind: srsMercator, ellipsoid: WGS84Ellipsoid}
	SRSPlateCarree       = SRS{name: "plate-carree", kind: srsEquirectangular, ellipsoid: WGS84Ellipsoid}
)

func (s SRS) Valid() bool          { return s.kind != srsInvalid }
func (s SRS) Name() string         { return s.name }
func (s SRS) IsGeographic() bool   { return s.kind == srsGeographic }
func (s SRS) IsProjected() bool    { return s.kind == srsMercator || s.kind == srsEquirectangular }
func (s SRS) Ellipsoid() Ellipsoid { return s.ellipsoid }
func (s SRS) Equivalent(o SRS) bool {
	return s.kind == o.kind && s.ellipsoid == o.ellipsoid
}
func (s SRS) String() string {
	if !s.Valid() {
		return "invalid"
	}
	return s.name
}

// Bounds is the full valid area of the SRS in its own units.
func (s SRS) Bounds() Bounds {
	switch s.kind {
	case srsGeographic:
		return Bounds{-180, -90, 180, 90}
	case srsMercator:
		return Bounds{-mercMax, -mercMax, mercMax, mercMax}
	case srsEquirectangular:
		ex := s.ellipsoid.MetersPerDegreeAtEquator()
		return Bounds{-180 * ex, -90 * ex, 180 * ex, 90 * ex}
	}
	return Bounds{}
}

// MetersPerUnit converts a horizontal distance in this SRS to meters.
func (s SRS) MetersPerUnit() float64 {
	if s.IsGeographic() {
		return s.ellipsoid.MetersPerDegreeAtEquator()
	}
	return 1.0
}

// MetersToUnits converts a horizontal distance in meters to SRS units at
// the reference latitude, in degrees.
func (s SRS) MetersToUnits(meters, refLat float64) float64 {
	if s.IsGeographic() {
		c := math.Cos(common.Deg2Rad(common.Clamp(refLat, -89.9, 89.9)))
		return meters / (s.ellipsoid.MetersPerDegreeAtEquator() * c)
	}
	return meters / s.MetersPerUnit()
}

// UnitsToMeters is the inverse of MetersToUnits.
func (s SRS) UnitsToMeters(d, refLat float64) float64 {
	if s.IsGeographic() {
		c := math.Cos(common.Deg2Rad(common.Clamp(refLat, -89.9, 89.9)))
		return d * s.ellipsoid.MetersPerDegreeAtEquator() * c
	}
	return d * s.MetersPerUnit()
}

const mercMax = 20037508.34278925

// ToGeographic converts a point in this SRS to (lon, lat, z) degrees.
func (s SRS) ToGeographic(p mgl64.Vec3) mgl64.Vec3 {
	switch s.kind {
	case srsMercator:
		r := s.ellipsoid.re
		lon := common.Rad2Deg(p.X() / r)
		lat := common.Rad2Deg(2*math.Atan(math.Exp(p.Y()/r)) - math.Pi/2)
		return mgl64.Vec3{lon, lat, p.Z()}
	case srsEquirectangular:
		m := s.ellipsoid.MetersPerDegreeAtEquator()
		return mgl64.Vec3{p.X() / m, p.Y() / m, p.Z()}
	}
	return p
}

// FromGeographic converts (lon, lat, z) degrees into this SRS.
func (s SRS) FromGeographic(p mgl64.Vec3) mgl64.Vec3 {
	switch s.kind {
	case srsMercator:
		r := s.ellipsoid.re
		lat := common.Clamp(p.Y(), -85.0511287798066, 85.0511287798066)
		x := common.Deg2Rad(p.X()) * r
		y := math.Log(math.Tan(math.Pi/4+common.Deg2Rad(lat)/2)) * r
		return mgl64.Vec3{x, y, p.Z()}
	case srsEquirectangular:
		m := s.ellipsoid.MetersPerDegreeAtEquator()
		return mgl64.Vec3{p.X() * m, p.Y() * m, p.Z()}
	}
	return p
}

// Transform converts p from this SRS into to.
func (s SRS) Transform(p mgl64.Vec3, to SRS) mgl64.Vec3 {
	if s.Equivalent(to) {
		return p
	}
	return to.FromGeographic(s.ToGeographic(p))
}

// ToWorld maps a point in this SRS to geocentric world coordinates.
func (s SRS) ToWorld(p mgl64.Vec3) mgl64.Vec3 {
	return s.ellipsoid.GeodeticToGeocentric(s.ToGeographic(p))
}
