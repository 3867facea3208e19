package scene

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/rw"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

type leaf struct {
	bound Sphere
	id    uint32
}

func (l *leaf) Render(rv RecordTraversal) { rv.Record(l) }
func (l *leaf) ComputeBound() Sphere      { return l.bound }
func (l *leaf) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(TagPayload)
	w.WriteUInt32(l.id)
}

func TestSphereExpand(t *testing.T) {
	var s Sphere
	assertTrue(t, !s.Valid(), "zero sphere is empty")
	pts := []mgl64.Vec3{{0, 0, 0}, {10, 0, 0}, {0, 10, 0}, {-5, -5, 3}}
	for _, p := range pts {
		s.ExpandBy(p)
	}
	for _, p := range pts {
		assertTrue(t, s.Contains(p), "sphere must contain every expanded point")
	}

	a := NewSphere(mgl64.Vec3{0, 0, 0}, 1)
	a.ExpandBySphere(NewSphere(mgl64.Vec3{10, 0, 0}, 2))
	assertTrue(t, math.Abs(a.Radius-6.5) < 1e-9, "merged radius")
	assertTrue(t, a.Contains(mgl64.Vec3{12, 0, 0}) && a.Contains(mgl64.Vec3{-1, 0, 0}), "merged sphere covers both")
}

func TestSphereTransform(t *testing.T) {
	s := NewSphere(mgl64.Vec3{1, 0, 0}, 2)
	m := mgl64.Translate3D(5, 0, 0).Mul4(mgl64.Scale3D(3, 1, 1))
	o := s.Transform(m)
	assertTrue(t, o.Center.ApproxEqual(mgl64.Vec3{8, 0, 0}), "center transformed")
	assertTrue(t, math.Abs(o.Radius-6) < 1e-9, "radius scaled by the largest axis")
}

func TestGroupRenderAndSerialize(t *testing.T) {
	a := &leaf{bound: NewSphere(mgl64.Vec3{0, 0, 0}, 1), id: 1}
	b := &leaf{bound: NewSphere(mgl64.Vec3{4, 0, 0}, 1), id: 2}
	g := NewGroup(a, &Transform{Matrix: mgl64.Ident4(), Child: b})

	v := NewView(mgl64.Vec3{0, 0, 100}, 1080)
	v.Advance(v.Time())
	g.Render(v)
	assertTrue(t, len(v.Drawn()) == 2, "both leaves drawn")
	bound := g.ComputeBound()
	assertTrue(t, bound.Contains(mgl64.Vec3{5, 0, 0}) && bound.Contains(mgl64.Vec3{-1, 0, 0}), "group bound")

	w := rw.NewWriter()
	g.Serialize(w)
	r := rw.NewReader(w.GetWriteBytes())
	assertTrue(t, r.ReadUInt8() == TagGroup && r.ReadUInt32() == 2, "group header")
	assertTrue(t, r.ReadUInt8() == TagPayload && r.ReadUInt32() == 1, "first child")
	assertTrue(t, r.ReadUInt8() == TagTransform, "transform tag")
	m := make([]float64, 16)
	r.ReadFloat64s(m)
	assertTrue(t, m[0] == 1 && m[15] == 1, "transform matrix")
	assertTrue(t, r.ReadBool() && r.ReadUInt8() == TagPayload && r.ReadUInt32() == 2, "transform child")
	assertTrue(t, r.Err() == nil && r.Size() == 0, "stream fully consumed")
}

func TestViewCulling(t *testing.T) {
	v := NewView(mgl64.Vec3{0, 0, 0}, 800)
	s := NewSphere(mgl64.Vec3{3, 4, 0}, 1)
	assertTrue(t, v.LODDistance(s) == 5, "distance to center")
	v.Cull = func(Sphere) bool { return true }
	assertTrue(t, v.LODDistance(s) < 0, "culled bound is negative")
	assertTrue(t, v.LODDistance(Sphere{}) < 0, "empty bound is negative")
}
