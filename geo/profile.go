package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gorustyt/goterrain/common"
)

const (
	ProfileGlobalGeodetic    = "global-geodetic"
	ProfileSphericalMercator = "spherical-mercator"
	ProfilePlateCarree       = "plate-carree"
)

var ErrUnknownProfile = errors.New("geo: unknown profile")

// Profile is a tiling scheme: an SRS, a full extent and the number of root
// tiles at level 0. Every deeper level splits each tile into four.
type Profile struct {
	name    string
	extent  GeoExtent
	latlong GeoExtent
	tx, ty  uint32
	sig     string
}

// NewProfile builds a profile. Zero bounds use the SRS bounds; zero tile
// counts are derived from the aspect ratio of the bounds.
func NewProfile(srs SRS, bounds Bounds, tx, ty uint32) *Profile {
	if !srs.Valid() {
		return nil
	}
	b := bounds
	if !b.Valid() {
		b = srs.Bounds()
	}
	if tx == 0 || ty == 0 {
		if b.Valid() {
			ar := b.Width() / b.Height()
			if ar >= 1.0 {
				tx, ty = uint32(ar), 1
			} else {
				tx, ty = 1, uint32(1.0/ar)
			}
		} else {
			tx, ty = 1, 1
		}
	}
	p := &Profile{
		extent: NewGeoExtent(srs, b.XMin, b.YMin, b.XMax, b.YMax),
		tx:     tx,
		ty:     ty,
	}
	if srs.IsGeographic() {
		p.latlong = p.extent
	} else {
		p.latlong = p.extent.Transform(SRSWGS84)
	}
	p.sig = fmt.Sprintf("%s|%.6f|%.6f|%.6f|%.6f|%d|%d", srs.Name(), b.XMin, b.YMin, b.XMax, b.YMax, tx, ty)
	return p
}

// NewNamedProfile returns one of the well-known profiles.
func NewNamedProfile(name string) (*Profile, error) {
	var p *Profile
	switch strings.ToLower(name) {
	case ProfileGlobalGeodetic:
		p = NewProfile(SRSWGS84, Bounds{-180, -90, 180, 90}, 2, 1)
	case ProfileSphericalMercator:
		p = NewProfile(SRSSphericalMercator, SRSSphericalMercator.Bounds(), 1, 1)
	case ProfilePlateCarree, "plate-carre", "eqc-wgs84":
		p = NewProfile(SRSPlateCarree, SRSPlateCarree.Bounds(), 2, 1)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	p.name = strings.ToLower(name)
	return p, nil
}

// GlobalGeodetic is the 2x1 WGS84 profile.
func GlobalGeodetic() *Profile {
	p, _ := NewNamedProfile(ProfileGlobalGeodetic)
	return p
}

// SphericalMercator is the 1x1 web mercator profile.
func SphericalMercator() *Profile {
	p, _ := NewNamedProfile(ProfileSphericalMercator)
	return p
}

func (p *Profile) Valid() bool { return p != nil && p.extent.Valid() }

func (p *Profile) Name() string             { return p.name }
func (p *Profile) SRS() SRS                 { return p.extent.srs }
func (p *Profile) Extent() GeoExtent        { return p.extent }
func (p *Profile) LatLongExtent() GeoExtent { return p.latlong }
func (p *Profile) IsGeographic() bool       { return p.Valid() && p.extent.srs.IsGeographic() }

// Equivalent reports whether both profiles tile the world identically.
func (p *Profile) Equivalent(rhs *Profile) bool {
	if p == rhs {
		return true
	}
	if !p.Valid() || !rhs.Valid() {
		return false
	}
	return p.sig == rhs.sig
}

func (p *Profile) String() string {
	if !p.Valid() {
		return "invalid"
	}
	if p.name != "" {
		return p.name
	}
	return p.sig
}

// TileDimensions returns the width and height of one tile at lod, in SRS units.
func (p *Profile) TileDimensions(lod uint32) (width, height float64) {
	width = p.extent.Width() / float64(p.tx)
	height = p.extent.Height() / float64(p.ty)
	factor := float64(uint64(1) << lod)
	return width / factor, height / factor
}

// NumTiles returns the tile counts along x and y at lod.
func (p *Profile) NumTiles(lod uint32) (wide, high uint32) {
	factor := uint32(1) << lod
	return p.tx * factor, p.ty * factor
}

func (p *Profile) CalculateExtent(lod, tileX, tileY uint32) GeoExtent {
	width, height := p.TileDimensions(lod)
	xmin := p.extent.XMin() + width*float64(tileX)
	ymax := p.extent.YMax() - height*float64(tileY)
	return NewGeoExtent(p.SRS(), xmin, ymax-height, xmin+width, ymax)
}

func (p *Profile) RootKeys() []TileKey {
	return p.AllKeysAtLOD(0)
}

func (p *Profile) AllKeysAtLOD(lod uint32) []TileKey {
	if !common.SoftAssert(p.Valid(), "AllKeysAtLOD on invalid profile") {
		return nil
	}
	tx, ty := p.NumTiles(lod)
	out := make([]TileKey, 0, tx*ty)
	for c := uint32(0); c < tx; c++ {
		for r := uint32(0); r < ty; r++ {
			out = append(out, NewTileKey(lod, c, r, p))
		}
	}
	return out
}

// LevelOfDetailForHorizResolution returns the first level whose tiles of
// tileSize samples are at least as fine as resolution (SRS units per sample).
func (p *Profile) LevelOfDetailForHorizResolution(resolution float64, tileSize int) uint32 {
	if tileSize <= 0 || resolution <= 0.0 {
		return 23
	}
	tileRes := (p.extent.Width() / float64(p.tx)) / float64(tileSize)
	var level uint32
	for tileRes > resolution {
		level++
		tileRes *= 0.5
	}
	return level
}

// EquivalentLOD finds the level in this profile whose tile height is closest
// to the tile height of rhsLOD in rhs.
func (p *Profile) EquivalentLOD(rhs *Profile, rhsLOD uint32) uint32 {
	if !common.SoftAssert(rhs.Valid(), "EquivalentLOD with invalid profile") {
		return rhsLOD
	}
	if p.Equivalent(rhs) {
		return rhsLOD
	}
	// geodetic and mercator share level numbering
	if (rhs.name == ProfileSphericalMercator && p.name == ProfileGlobalGeodetic) ||
		(rhs.name == ProfileGlobalGeodetic && p.name == ProfileSphericalMercator) {
		return rhsLOD
	}
	rhsWidth, rhsHeight := rhs.TileDimensions(rhsLOD)
	if common.Equiv(rhsWidth, 0) || common.Equiv(rhsHeight, 0) {
		return rhsLOD
	}
	target := rhsHeight * rhs.SRS().MetersPerUnit() / p.SRS().MetersPerUnit()
	return p.LOD(target)
}

// LOD returns the level whose tile height most closely matches height.
func (p *Profile) LOD(height float64) uint32 {
	var cur, dest uint32
	delta := math.MaxFloat64
	for cur < 32 {
		prev := delta
		_, h := p.TileDimensions(cur)
		delta = math.Abs(h - height)
		if delta >= prev {
			break
		}
		dest = cur
		cur++
	}
	return dest
}
