package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
)

// Sphere is a bounding sphere. The zero Sphere is empty.
type Sphere struct {
	Center mgl64.Vec3
	Radius float64
	set    bool
}

func NewSphere(center mgl64.Vec3, radius float64) Sphere {
	return Sphere{Center: center, Radius: radius, set: true}
}

func (s Sphere) Valid() bool { return s.set && s.Radius >= 0 }

// ExpandBy grows the sphere to contain p.
func (s *Sphere) ExpandBy(p mgl64.Vec3) {
	if !s.Valid() {
		*s = NewSphere(p, 0)
		return
	}
	d := p.Sub(s.Center)
	l := d.Len()
	if l <= s.Radius {
		return
	}
	// move the center halfway towards p
	nr := (s.Radius + l) * 0.5
	s.Center = s.Center.Add(d.Mul((nr - s.Radius) / l))
	s.Radius = nr
}

// ExpandBySphere grows the sphere to contain o.
func (s *Sphere) ExpandBySphere(o Sphere) {
	if !o.Valid() {
		return
	}
	if !s.Valid() {
		*s = o
		return
	}
	d := o.Center.Sub(s.Center)
	l := d.Len()
	if l+o.Radius <= s.Radius {
		return
	}
	if l+s.Radius <= o.Radius {
		*s = o
		return
	}
	nr := (l + s.Radius + o.Radius) * 0.5
	if l > 0 {
		s.Center = s.Center.Add(d.Mul((nr - s.Radius) / l))
	}
	s.Radius = nr
}

// Contains reports whether p lies inside or on the sphere.
func (s Sphere) Contains(p mgl64.Vec3) bool {
	return s.Valid() && common.VdistSqr(s.Center, p) <= s.Radius*s.Radius*(1+1e-12)
}

// Transform maps the sphere through m, scaling the radius by the largest
// axis scale of m.
func (s Sphere) Transform(m mgl64.Mat4) Sphere {
	if !s.Valid() {
		return s
	}
	c := common.TransformPoint(m, s.Center)
	sx := m.Col(0).Vec3().Len()
	sy := m.Col(1).Vec3().Len()
	sz := m.Col(2).Vec3().Len()
	return NewSphere(c, s.Radius*math.Max(sx, math.Max(sy, sz)))
}
