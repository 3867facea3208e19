package selection

import (
	"math"
	"testing"

	"github.com/gorustyt/goterrain/geo"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func TestMorphRangesAreOrdered(t *testing.T) {
	for _, p := range []*geo.Profile{geo.GlobalGeodetic(), geo.SphericalMercator()} {
		var s Info
		assertTrue(t, s.Initialize(0, 19, p, 7.0, true), "initialize "+p.String())
		for lod := 0; lod < s.NumLODs(); lod++ {
			l := s.LOD(uint32(lod))
			assertTrue(t, l.MorphStart <= l.MorphEnd, "morph start exceeds end")
			assertTrue(t, l.MorphEnd == l.VisibilityRange, "morph end equals visibility range")
			if lod > 0 {
				finer := s.LOD(uint32(lod))
				coarser := s.LOD(uint32(lod - 1))
				assertTrue(t, coarser.MorphEnd >= finer.MorphEnd, "coarser levels must have larger ranges")
			}
		}
	}
}

func TestInitializeRejectsMisconfiguration(t *testing.T) {
	var s Info
	assertTrue(t, !s.Initialize(0, 10, nil, 7, false), "nil profile rejected")
	assertTrue(t, !s.Initialize(5, 4, geo.GlobalGeodetic(), 7, false), "first > max rejected")
	assertTrue(t, s.NumLODs() == 0, "rejected initialize is a no-op")
	assertTrue(t, s.Initialize(0, 4, geo.GlobalGeodetic(), 7, false), "valid initialize")
	assertTrue(t, !s.Initialize(0, 8, geo.GlobalGeodetic(), 7, false), "double initialize rejected")
	assertTrue(t, s.NumLODs() == 5, "table unchanged by second initialize")
}

func TestRangeFormula(t *testing.T) {
	p := geo.GlobalGeodetic()
	var s Info
	s.Initialize(0, 3, p, 7.0, false)
	tx, ty := p.NumTiles(2)
	c := geo.NewTileKey(2, tx/2, ty/2, p).Extent().ComputeBoundingGeoCircle()
	want := c.Radius * 7.0 * 2.0 * (1.0 / 1.405)
	assertTrue(t, math.Abs(s.LOD(2).VisibilityRange-want) < 1e-6, "visibility range formula")

	finest := s.LOD(3)
	assertTrue(t, finest.MorphStart == finest.MorphEnd*0.66, "finest morph start is 0.66 of its range")
	next := s.LOD(2)
	assertTrue(t, next.MorphStart == finest.MorphEnd+(next.MorphEnd-finest.MorphEnd)*0.66, "morph start from previous end")
}

func TestOutOfBoundsLookups(t *testing.T) {
	p := geo.GlobalGeodetic()
	var s Info
	s.Initialize(2, 5, p, 7, false)
	assertTrue(t, s.LOD(100) == LOD{}, "beyond table yields zeroed entry")
	assertTrue(t, s.LOD(1) == LOD{}, "below first level yields zeroed entry")
	r, ms, me := s.Get(geo.NewTileKey(9, 0, 0, p))
	assertTrue(t, r == 0 && ms == 0 && me == 0, "unknown level yields zeros")
	assertTrue(t, s.Range(geo.NewTileKey(3, 1, 1, p)) > 0, "known level yields range")
}

func TestPolarRestriction(t *testing.T) {
	p := geo.GlobalGeodetic()
	var restricted, open Info
	restricted.Initialize(0, 12, p, 7, true)
	open.Initialize(0, 12, p, 7, false)

	l := restricted.LOD(10)
	assertTrue(t, l.MinValidTY > 0, "polar rows are restricted at level 10")
	_, ty := p.NumTiles(10)
	assertTrue(t, l.MaxValidTY == ty-1-l.MinValidTY, "band is symmetric about the equator")
	polar := geo.NewTileKey(10, 0, 0, p)
	assertTrue(t, restricted.Range(polar) == 0, "polar row has no range")
	assertTrue(t, open.Range(polar) > 0, "unrestricted polar row keeps its range")
	equator := geo.NewTileKey(10, 0, ty/2, p)
	assertTrue(t, restricted.Range(equator) == open.Range(equator), "equatorial rows unaffected")

	assertTrue(t, restricted.LOD(5).MinValidTY == 0 && restricted.LOD(5).MaxValidTY == 0xFFFFFFFF, "no restriction below level 6")

	var merc Info
	merc.Initialize(0, 12, geo.SphericalMercator(), 7, true)
	assertTrue(t, merc.LOD(10).MinValidTY == 0, "projected profiles are never restricted")
}
