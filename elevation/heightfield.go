// Package elevation samples heights from tiled elevation layers.
package elevation

import (
	"errors"
	"fmt"
	"math"

	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/message"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
)

// NoDataValue marks a missing height.
const NoDataValue = float32(-math.MaxFloat32)

type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
)

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "bilinear"
}

var ErrBadHeightfield = errors.New("elevation: bad heightfield")

// Heightfield is a grid of heights. Row 0 is the southern edge.
type Heightfield struct {
	cols, rows int
	heights    []float32
}

func NewHeightfield(cols, rows int) *Heightfield {
	common.AssertTrue(cols > 0 && rows > 0, "heightfield needs a positive size")
	return &Heightfield{cols: cols, rows: rows, heights: make([]float32, cols*rows)}
}

func (h *Heightfield) Width() int  { return h.cols }
func (h *Heightfield) Height() int { return h.rows }

func (h *Heightfield) HeightAt(col, row int) float32 { return h.heights[row*h.cols+col] }

func (h *Heightfield) SetHeightAt(col, row int, v float32) { h.heights[row*h.cols+col] = v }

func (h *Heightfield) Fill(v float32) {
	for i := range h.heights {
		h.heights[i] = v
	}
}

// ForEachHeight visits every height and stores what fn returns.
func (h *Heightfield) ForEachHeight(fn func(v float32) float32) {
	for i, v := range h.heights {
		h.heights[i] = fn(v)
	}
}

// MinMax ignores NoDataValue samples. ok is false when every sample is missing.
func (h *Heightfield) MinMax() (lo, hi float32, ok bool) {
	lo, hi = math.MaxFloat32, -math.MaxFloat32
	for _, v := range h.heights {
		if v == NoDataValue {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
		ok = true
	}
	return
}

// HeightAtPixel samples at fractional pixel coordinates.
func (h *Heightfield) HeightAtPixel(c, r float64, interp Interpolation) float32 {
	if interp == Nearest {
		col := common.Clamp(int(math.Round(c)), 0, h.cols-1)
		row := common.Clamp(int(math.Round(r)), 0, h.rows-1)
		return h.HeightAt(col, row)
	}

	rowMin := max(int(math.Floor(r)), 0)
	rowMax := max(min(int(math.Ceil(r)), h.rows-1), 0)
	colMin := max(int(math.Floor(c)), 0)
	colMax := max(min(int(math.Ceil(c)), h.cols-1), 0)
	rowMin = min(rowMin, rowMax)
	colMin = min(colMin, colMax)

	ll := h.HeightAt(colMin, rowMin)
	lr := h.HeightAt(colMax, rowMin)
	ul := h.HeightAt(colMin, rowMax)
	ur := h.HeightAt(colMax, rowMax)
	if ll == NoDataValue || lr == NoDataValue || ul == NoDataValue || ur == NoDataValue {
		return NoDataValue
	}

	switch {
	case colMax == colMin && rowMax == rowMin:
		return ll
	case colMax == colMin:
		return float32(float64(ll)*(float64(rowMax)-r) + float64(ul)*(r-float64(rowMin)))
	case rowMax == rowMin:
		return float32(float64(ll)*(float64(colMax)-c) + float64(lr)*(c-float64(colMin)))
	}
	bottom := float64(ll)*(float64(colMax)-c) + float64(lr)*(c-float64(colMin))
	top := float64(ul)*(float64(colMax)-c) + float64(ur)*(c-float64(colMin))
	return float32(bottom*(float64(rowMax)-r) + top*(r-float64(rowMin)))
}

// HeightAtUV samples at normalized coordinates in [0,1].
func (h *Heightfield) HeightAtUV(u, v float64, interp Interpolation) float32 {
	return h.HeightAtPixel(u*float64(h.cols-1), v*float64(h.rows-1), interp)
}

func (h *Heightfield) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt32(uint32(h.cols))
	w.WriteUInt32(uint32(h.rows))
	w.WriteFloat32s(h.heights)
}

func ReadHeightfield(r *rw.ReaderWriter) (*Heightfield, error) {
	cols, rows := int(r.ReadUInt32()), int(r.ReadUInt32())
	if r.Err() != nil || cols <= 0 || rows <= 0 || cols*rows > r.Size()/4 {
		return nil, fmt.Errorf("%w: header %dx%d", ErrBadHeightfield, cols, rows)
	}
	h := NewHeightfield(cols, rows)
	r.ReadFloat32s(h.heights)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeightfield, err)
	}
	return h, nil
}

// GeoHeightfield places a heightfield over an extent.
type GeoHeightfield struct {
	Key        geo.TileKey
	hf         *Heightfield
	extent     geo.GeoExtent
	resX, resY float64
}

func NewGeoHeightfield(hf *Heightfield, extent geo.GeoExtent) *GeoHeightfield {
	g := &GeoHeightfield{hf: hf, extent: extent}
	if hf != nil && extent.Valid() {
		g.resX = extent.Width() / float64(max(hf.cols-1, 1))
		g.resY = extent.Height() / float64(max(hf.rows-1, 1))
	}
	return g
}

func (g *GeoHeightfield) Valid() bool { return g != nil && g.hf != nil && g.extent.Valid() }

func (g *GeoHeightfield) Heightfield() *Heightfield { return g.hf }
func (g *GeoHeightfield) Extent() geo.GeoExtent     { return g.extent }

// Resolution is the sample spacing in SRS units.
func (g *GeoHeightfield) Resolution() (x, y float64) { return g.resX, g.resY }

// HeightAtLocation samples at (x, y) in the extent's SRS, clamping to the edges.
func (g *GeoHeightfield) HeightAtLocation(x, y float64, interp Interpolation) float32 {
	if !common.SoftAssert(g.Valid(), "HeightAtLocation on invalid heightfield") {
		return NoDataValue
	}
	px := common.Clamp((x-g.extent.XMin())/g.resX, 0, float64(g.hf.cols-1))
	py := common.Clamp((y-g.extent.YMin())/g.resY, 0, float64(g.hf.rows-1))
	return g.hf.HeightAtPixel(px, py, interp)
}

// ToMessage converts the tile for a shared cache.
func (g *GeoHeightfield) ToMessage(revision int64) *message.HeightfieldTile {
	return &message.HeightfieldTile{
		Level: g.Key.Level, X: g.Key.X, Y: g.Key.Y,
		Cols: uint32(g.hf.cols), Rows: uint32(g.hf.rows),
		XMin: g.extent.XMin(), YMin: g.extent.YMin(),
		XMax: g.extent.XMax(), YMax: g.extent.YMax(),
		SRS:      g.extent.SRS().Name(),
		Heights:  g.hf.heights,
		Revision: revision,
	}
}

// FromMessage rebuilds a tile decoded from a shared cache. The extent is
// taken in the SRS of profile.
func FromMessage(m *message.HeightfieldTile, profile *geo.Profile) (*GeoHeightfield, error) {
	if m.Cols == 0 || m.Rows == 0 || int(m.Cols*m.Rows) != len(m.Heights) {
		return nil, fmt.Errorf("%w: %dx%d grid with %d heights", ErrBadHeightfield, m.Cols, m.Rows, len(m.Heights))
	}
	if m.SRS != "" && m.SRS != profile.SRS().Name() {
		return nil, fmt.Errorf("%w: srs %q does not match %q", ErrBadHeightfield, m.SRS, profile.SRS().Name())
	}
	hf := &Heightfield{cols: int(m.Cols), rows: int(m.Rows), heights: m.Heights}
	g := NewGeoHeightfield(hf, geo.NewGeoExtent(profile.SRS(), m.XMin, m.YMin, m.XMax, m.YMax))
	g.Key = geo.NewTileKey(m.Level, m.X, m.Y, profile)
	return g, nil
}
