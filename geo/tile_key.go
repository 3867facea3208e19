package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
)

var ErrInvalidKey = errors.New("geo: invalid tile key")

// scale and bias matrices, one per quadrant
var scaleBias = [4]mgl64.Mat4{
	{0.5, 0, 0, 0, 0, 0.5, 0, 0, 0, 0, 1.0, 0, 0.0, 0.5, 0, 1.0},
	{0.5, 0, 0, 0, 0, 0.5, 0, 0, 0, 0, 1.0, 0, 0.5, 0.5, 0, 1.0},
	{0.5, 0, 0, 0, 0, 0.5, 0, 0, 0, 0, 1.0, 0, 0.0, 0.0, 0, 1.0},
	{0.5, 0, 0, 0, 0, 0.5, 0, 0, 0, 0, 1.0, 0, 0.5, 0.0, 0, 1.0},
}

// TileID is the comparable identity of a key within one profile.
type TileID struct {
	Level, X, Y uint32
}

func (id TileID) String() string {
	return strconv.FormatUint(uint64(id.Level), 10) + "/" +
		strconv.FormatUint(uint64(id.X), 10) + "/" +
		strconv.FormatUint(uint64(id.Y), 10)
}

// TileKey addresses one tile of a profile's quadtree. Row 0 is the northern edge.
type TileKey struct {
	Level, X, Y uint32
	Profile     *Profile
}

var InvalidKey = TileKey{}

func NewTileKey(level, x, y uint32, profile *Profile) TileKey {
	return TileKey{Level: level, X: x, Y: y, Profile: profile}
}

// ParseTileKey reads the "L/X/Y" form produced by String.
func ParseTileKey(s string, profile *Profile) (TileKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return InvalidKey, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	var v [3]uint32
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return InvalidKey, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
		}
		v[i] = uint32(n)
	}
	key := NewTileKey(v[0], v[1], v[2], profile)
	if !key.Valid() {
		return InvalidKey, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	tx, ty := profile.NumTiles(key.Level)
	if key.X >= tx || key.Y >= ty {
		return InvalidKey, fmt.Errorf("%w: %q out of range", ErrInvalidKey, s)
	}
	return key, nil
}

func (k TileKey) Valid() bool { return k.Profile.Valid() }

func (k TileKey) ID() TileID { return TileID{Level: k.Level, X: k.X, Y: k.Y} }

// Equal compares level, column, row and profile equivalence.
func (k TileKey) Equal(o TileKey) bool {
	if k.Valid() != o.Valid() {
		return false
	}
	if !k.Valid() {
		return true
	}
	return k.Level == o.Level && k.X == o.X && k.Y == o.Y && k.Profile.Equivalent(o.Profile)
}

func (k TileKey) String() string {
	if !k.Valid() {
		return "invalid"
	}
	return k.ID().String()
}

func (k TileKey) Extent() GeoExtent {
	if !k.Valid() {
		return InvalidExtent
	}
	return k.Profile.CalculateExtent(k.Level, k.X, k.Y)
}

// Quadrant returns this key's position within its parent:
// 0 = upper left, 1 = upper right, 2 = lower left, 3 = lower right.
func (k TileKey) Quadrant() uint32 {
	if k.Level == 0 {
		return 0
	}
	xeven := k.X&1 == 0
	yeven := k.Y&1 == 0
	switch {
	case xeven && yeven:
		return 0
	case xeven:
		return 2
	case yeven:
		return 1
	}
	return 3
}

// ScaleBiasMatrix maps the parent's unit texture space onto this key's quadrant.
func (k TileKey) ScaleBiasMatrix() mgl64.Mat4 {
	if k.Level > 0 {
		return scaleBias[k.Quadrant()]
	}
	return mgl64.Ident4()
}

// ResolutionForTileSize returns the sample spacing of a tileSize grid over this key.
func (k TileKey) ResolutionForTileSize(tileSize uint32) (float64, float64) {
	w, h := k.Profile.TileDimensions(k.Level)
	return w / float64(tileSize-1), h / float64(tileSize-1)
}

func (k TileKey) CreateChildKey(quadrant uint32) TileKey {
	xx, yy := k.X*2, k.Y*2
	switch quadrant {
	case 1:
		xx++
	case 2:
		yy++
	case 3:
		xx++
		yy++
	}
	return NewTileKey(k.Level+1, xx, yy, k.Profile)
}

func (k TileKey) CreateParentKey() TileKey {
	if k.Level == 0 {
		return InvalidKey
	}
	return NewTileKey(k.Level-1, k.X/2, k.Y/2, k.Profile)
}

// MakeParent moves the key up one level in place. At level 0 the key
// becomes invalid and false is returned.
func (k *TileKey) MakeParent() bool {
	if k.Level == 0 {
		k.Profile = nil
		return false
	}
	k.Level--
	k.X >>= 1
	k.Y >>= 1
	return true
}

func (k TileKey) CreateAncestorKey(ancestorLOD uint32) TileKey {
	if ancestorLOD > k.Level {
		return InvalidKey
	}
	xx, yy := k.X, k.Y
	for i := k.Level; i > ancestorLOD; i-- {
		xx /= 2
		yy /= 2
	}
	return NewTileKey(ancestorLOD, xx, yy, k.Profile)
}

// CreateNeighborKey returns the key offset by (dx, dy) at the same level,
// wrapping around both axes.
func (k TileKey) CreateNeighborKey(dx, dy int) TileKey {
	if !common.SoftAssert(k.Valid(), "CreateNeighborKey on invalid key") {
		return InvalidKey
	}
	tx, ty := k.Profile.NumTiles(k.Level)
	wrap := func(v int, n uint32) uint32 {
		switch {
		case v < 0:
			return uint32(int(n) + v)
		case v >= int(n):
			return uint32(v) - n
		}
		return uint32(v)
	}
	x := wrap(int(k.X)+dx, tx)
	y := wrap(int(k.Y)+dy, ty)
	return NewTileKey(k.Level, x%tx, y%ty, k.Profile)
}

// QuadKey returns the Bing-style quadrant string.
func (k TileKey) QuadKey() string {
	var sb strings.Builder
	sb.Grow(int(k.Level) + 1)
	for i := int(k.Level); i >= 0; i-- {
		digit := byte('0')
		mask := uint32(1) << uint(i)
		if k.X&mask != 0 {
			digit++
		}
		if k.Y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// TileKeyContainingPoint returns the key at level containing (x, y) in the
// profile's SRS, or InvalidKey when the point is outside the profile.
func TileKeyContainingPoint(x, y float64, level uint32, profile *Profile) TileKey {
	if !common.SoftAssert(profile.Valid(), "TileKeyContainingPoint on invalid profile") {
		return InvalidKey
	}
	ext := profile.Extent()
	if !ext.Contains(x, y) {
		return InvalidKey
	}
	tilesX, tilesY := profile.NumTiles(level)
	rx := (x - ext.XMin()) / ext.Width()
	ry := (y - ext.YMin()) / ext.Height()
	tileX := min(uint32(rx*float64(tilesX)), tilesX-1)
	tileY := min(uint32((1.0-ry)*float64(tilesY)), tilesY-1)
	return NewTileKey(level, tileX, tileY, profile)
}
