// Package selection precomputes per-level visibility and morph ranges.
package selection

import (
	"math"

	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/geo"
	"go.uber.org/zap"
)

const (
	morphStartRatio = 0.66
	// visibility range = bounding radius * minTileRangeFactor * rangeScale
	rangeScale = 2.0 * (1.0 / 1.405)

	polarStartLOD = 6
	polarStartAR  = 0.1 // minimum tile aspect ratio at polarStartLOD
	polarEndAR    = 0.4 // minimum tile aspect ratio at the last level
)

// LOD holds the switching distances of one level. Rows outside
// [MinValidTY, MaxValidTY] never subdivide.
type LOD struct {
	VisibilityRange float64
	MorphStart      float64
	MorphEnd        float64
	MinValidTY      uint32
	MaxValidTY      uint32
}

type Info struct {
	lods     []LOD
	firstLOD uint32
}

// Initialize fills the per-level table for levels [0, maxLOD]. It refuses,
// logging a warning and returning false, when the profile is invalid, the
// table was already built, or firstLOD > maxLOD.
func (s *Info) Initialize(firstLOD, maxLOD uint32, profile *geo.Profile, minTileRangeFactor float64, restrictPolarSubdivision bool) bool {
	if !common.SoftAssert(profile.Valid(), "selection: invalid profile") {
		return false
	}
	if !common.SoftAssert(s.NumLODs() == 0, "selection: already initialized") {
		return false
	}
	if !common.SoftAssert(firstLOD <= maxLOD, "selection: inconsistent first and max LODs",
		zap.Uint32("first", firstLOD), zap.Uint32("max", maxLOD)) {
		return false
	}

	s.firstLOD = firstLOD
	numLODs := maxLOD + 1
	s.lods = make([]LOD, numLODs)

	for lod := uint32(0); lod <= maxLOD; lod++ {
		tx, ty := profile.NumTiles(lod)
		key := geo.NewTileKey(lod, tx/2, ty/2, profile)
		c := key.Extent().ComputeBoundingGeoCircle()
		s.lods[lod].VisibilityRange = c.Radius * minTileRangeFactor * rangeScale
		s.lods[lod].MinValidTY = 0
		s.lods[lod].MaxValidTY = 0xFFFFFFFF
	}

	metersPerEquatorialDegree := profile.SRS().Ellipsoid().SemiMajorAxis() * 2.0 * math.Pi / 360.0
	prevPos := 0.0

	for lod := int(numLODs) - 1; lod >= 0; lod-- {
		l := &s.lods[lod]
		span := l.VisibilityRange - prevPos
		l.MorphEnd = l.VisibilityRange
		l.MorphStart = prevPos + span*morphStartRatio
		prevPos = l.MorphEnd

		// limits subdivision progressively from about +/- 72 degrees latitude
		if restrictPolarSubdivision && lod >= polarStartLOD && profile.SRS().IsGeographic() {
			lodT := float64(lod-polarStartLOD) / float64(numLODs-1)
			minAR := polarStartAR + (polarEndAR-polarStartAR)*lodT
			_, ty := profile.NumTiles(uint32(lod))
			for y := int(ty / 2); y >= 0; y-- {
				e := geo.NewTileKey(uint32(lod), 0, uint32(y), profile).Extent()
				lat := 0.5 * (e.YMax() + e.YMin())
				width := e.Width() * metersPerEquatorialDegree * math.Cos(common.Deg2Rad(lat))
				height := e.Height() * metersPerEquatorialDegree
				if width/height < minAR {
					l.MinValidTY = uint32(min(y+1, int(ty-1)))
					l.MaxValidTY = (ty - 1) - l.MinValidTY
					break
				}
			}
		}
	}
	return true
}

func (s *Info) NumLODs() int { return len(s.lods) }

func (s *Info) FirstLOD() uint32 { return s.firstLOD }

// LOD returns the entry for lod relative to the first level, or a zeroed
// entry when out of bounds.
func (s *Info) LOD(lod uint32) LOD {
	if lod-s.firstLOD >= uint32(len(s.lods)) {
		return LOD{}
	}
	return s.lods[lod-s.firstLOD]
}

// Get returns the visibility range and morph range of key, or zeros when the
// key's level is unknown or its row lies outside the valid band.
func (s *Info) Get(key geo.TileKey) (rng, morphStart, morphEnd float32) {
	if key.Level >= uint32(len(s.lods)) {
		return 0, 0, 0
	}
	l := &s.lods[key.Level]
	if key.Y >= l.MinValidTY && key.Y <= l.MaxValidTY {
		return float32(l.VisibilityRange), float32(l.MorphStart), float32(l.MorphEnd)
	}
	return 0, 0, 0
}

// Range is the visibility range alone; see Get.
func (s *Info) Range(key geo.TileKey) float32 {
	r, _, _ := s.Get(key)
	return r
}
