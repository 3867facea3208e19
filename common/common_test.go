package common

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func TestArenaSaltedRefs(t *testing.T) {
	a := NewArena[string]()
	r1 := a.Insert("a")
	assertTrue(t, r1 != 0, "refs are never zero")
	v, ok := a.Get(r1)
	assertTrue(t, ok && v == "a", "resolve live ref")

	assertTrue(t, a.Remove(r1), "remove live ref")
	_, ok = a.Get(r1)
	assertTrue(t, !ok, "removed ref is stale")
	assertTrue(t, !a.Remove(r1), "double remove fails")

	r2 := a.Insert("b")
	_, it1 := decodeRef(r1)
	_, it2 := decodeRef(r2)
	assertTrue(t, it1 == it2 && r1 != r2, "slot reuse changes the salt")
	_, ok = a.Get(r1)
	assertTrue(t, !ok, "old ref does not resolve to the new value")
	assertTrue(t, a.Len() == 1, "one live value")
	_, ok = a.Get(0)
	assertTrue(t, !ok, "null ref")
}

func TestMathHelpers(t *testing.T) {
	assertTrue(t, Clamp(5, 0, 3) == 3 && Clamp(-1, 0, 3) == 0 && Clamp(2, 0, 3) == 2, "clamp")
	assertTrue(t, EquivE(Rad2Deg(Deg2Rad(45)), 45, 1e-12), "degrees round trip")
	assertTrue(t, VdistSqr(mgl64.Vec3{1, 1, 1}, mgl64.Vec3{2, 3, 3}) == 9, "squared distance")
	assertTrue(t, ToVec3f(mgl64.Vec3{1, 2, 3}) == Vec3{1, 2, 3}, "narrow")
	assertTrue(t, Equiv(0.1+0.2, 0.3), "equiv")
	v := Vnormalize(mgl64.Vec3{3, 0, 4})
	assertTrue(t, EquivE(v.Len(), 1, 1e-12), "normalize")
	assertTrue(t, Vnormalize(mgl64.Vec3{}) == mgl64.Vec3{}, "zero vector unchanged")
	p := TransformPoint(mgl64.Translate3D(1, 2, 3), mgl64.Vec3{1, 1, 1})
	assertTrue(t, p == mgl64.Vec3{2, 3, 4}, "transform point")
}

func TestSoftAssert(t *testing.T) {
	assertTrue(t, SoftAssert(true, "fine"), "true passes")
	assertTrue(t, !SoftAssert(false, "broken"), "false is reported")
	defer func() {
		assertTrue(t, recover() != nil, "AssertTrue panics")
	}()
	AssertTrue(false, "boom")
}
