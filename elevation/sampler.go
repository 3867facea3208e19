package elevation

import (
	"context"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/metrics"
	"go.uber.org/zap"
)

// FetchFunc returns the heightfield for a key.
type FetchFunc func(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error)

// Sample is a height with the resolution of the data it came from, both in
// meters.
type Sample struct {
	Height     float64
	Resolution float64
}

// Sampler queries an elevation layer for heights.
//
//	s := elevation.NewSampler(layer)
//	sample, err := s.Sample(ctx, geo.NewGeoPoint(geo.SRSWGS84, lon, lat, 0))
type Sampler struct {
	Layer         Layer
	Interpolation Interpolation
	// FailValue is returned for points without data.
	FailValue float32
	// PreFetch is consulted before the layer, usually a cache.
	PreFetch FetchFunc
	// OnFetched receives heightfields read from the layer.
	OnFetched func(ctx context.Context, g *GeoHeightfield)

	log *zap.Logger
}

func NewSampler(layer Layer) *Sampler {
	return &Sampler{
		Layer:         layer,
		Interpolation: Bilinear,
		FailValue:     NoDataValue,
		log:           logger.Named("elevation"),
	}
}

func (s *Sampler) OK() bool { return s.Layer != nil && s.Layer.IsOpen() }

// Fetch returns the heightfield for key. The pre-fetch hook is tried first;
// then the layer, walking up to ancestors until one has data.
func (s *Sampler) Fetch(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error) {
	if !s.OK() {
		return nil, ErrNoLayer
	}
	if s.PreFetch != nil {
		if g, err := s.PreFetch(ctx, key); err == nil && g.Valid() {
			return g, nil
		}
	}
	var lastErr error = ErrResourceUnavailable
	for k := key; k.Valid(); k.MakeParent() {
		metrics.ElevationFetchesTotal.Inc()
		g, err := s.Layer.CreateHeightfield(ctx, k)
		if err == nil && g.Valid() {
			if !k.Equal(key) {
				metrics.ElevationFallbacksTotal.Inc()
			}
			if s.OnFetched != nil {
				s.OnFetched(ctx, g)
			}
			return g, nil
		}
		if err != nil && !errors.Is(err, ErrResourceUnavailable) {
			if s.log != nil {
				s.log.Debug("fetch failed", zap.Stringer("key", k), zap.Error(err))
			}
			lastErr = err
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Session caches the last tile it used. Consecutive points in the same tile
// reuse it, so sort points for locality before sampling many of them.
type Session struct {
	ctx context.Context
	// LOD to sample at. When negative it is derived from Resolution.
	LOD int
	// Resolution in meters, used when LOD is negative.
	Resolution float64
	// ReferenceLatitude, in degrees, scales Resolution for geographic layers.
	ReferenceLatitude float64
	// SRS of incoming points. Invalid means the layer's own SRS.
	SRS geo.SRS

	pw, ph, pxmin, pymin float64
	tilesX, tilesY       uint32
	lod                  uint32

	tx, ty  uint32
	key     geo.TileKey
	hf      *GeoHeightfield
	fetches int
}

const noTile = math.MaxUint32

func (s *Sampler) Session(ctx context.Context) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Session{ctx: ctx, LOD: -1, Resolution: 10, tx: noTile, ty: noTile}
}

// Dirty forces the session to recompute its level and forget its tile.
// Call it after changing LOD, Resolution or ReferenceLatitude.
func (ss *Session) Dirty() {
	ss.pw = -1
	ss.tx, ss.ty = noTile, noTile
	ss.hf = nil
}

// Level is the level the session samples at, once a point was sampled.
func (ss *Session) Level() uint32 { return ss.lod }

// Fetches counts tile fetches made by this session.
func (ss *Session) Fetches() int { return ss.fetches }

func (ss *Session) tile(x, y float64) (uint32, uint32) {
	rx := math.Max(0, math.Min(1, (x-ss.pxmin)/ss.pw))
	ry := math.Max(0, math.Min(1, (y-ss.pymin)/ss.ph))
	tx := min(uint32(rx*float64(ss.tilesX)), ss.tilesX-1)
	ty := min(uint32((1.0-ry)*float64(ss.tilesY)), ss.tilesY-1)
	return tx, ty
}

func (s *Sampler) prepare(ss *Session) {
	if ss.pw > 0 {
		return
	}
	profile := s.Layer.Profile()
	if ss.LOD < 0 {
		r := profile.SRS().MetersToUnits(ss.Resolution, ss.ReferenceLatitude)
		ss.lod = profile.LevelOfDetailForHorizResolution(r, s.Layer.TileSize())
	} else {
		ss.lod = uint32(ss.LOD)
	}
	ext := profile.Extent()
	ss.pw, ss.ph = ext.Width(), ext.Height()
	ss.pxmin, ss.pymin = ext.XMin(), ext.YMin()
	ss.tilesX, ss.tilesY = profile.NumTiles(ss.lod)
}

// SampleSession returns the height at (x, y, z), or FailValue.
func (s *Sampler) SampleSession(ss *Session, x, y, z float64) float32 {
	if !s.OK() {
		return s.FailValue
	}
	s.prepare(ss)

	layerSRS := s.Layer.Profile().SRS()
	if ss.SRS.Valid() && !ss.SRS.Equivalent(layerSRS) {
		p := ss.SRS.Transform(mgl64.Vec3{x, y, z}, layerSRS)
		x, y = p.X(), p.Y()
	}

	tx, ty := ss.tile(x, y)
	if tx != ss.tx || ty != ss.ty {
		ss.key = s.Layer.BestAvailableTileKey(geo.NewTileKey(ss.lod, tx, ty, s.Layer.Profile()))
		if ss.key.Valid() {
			ss.fetches++
			ss.hf, _ = s.Fetch(ss.ctx, ss.key)
			ss.tx, ss.ty = tx, ty
		} else {
			ss.tx, ss.ty = noTile, noTile
			ss.hf = nil
		}
	}

	if ss.hf == nil {
		return s.FailValue
	}
	h := ss.hf.HeightAtLocation(x, y, s.Interpolation)
	if h == NoDataValue {
		return s.FailValue
	}
	return h
}

// Sample returns the height at p.
func (s *Sampler) Sample(ctx context.Context, p geo.GeoPoint) (Sample, error) {
	if !s.OK() {
		return Sample{}, ErrNoLayer
	}
	ss := s.Session(ctx)
	ss.SRS = p.SRS
	lat := p.Y
	if p.SRS.Valid() && !p.SRS.IsGeographic() {
		lat = p.SRS.ToGeographic(p.Vec()).Y()
	}
	ss.ReferenceLatitude = lat

	h := s.SampleSession(ss, p.X, p.Y, p.Z)
	if h == s.FailValue {
		return Sample{}, ErrResourceUnavailable
	}
	out := Sample{Height: float64(h)}
	if ss.hf != nil {
		rx, _ := ss.hf.Resolution()
		out.Resolution = ss.hf.Extent().SRS().UnitsToMeters(rx, lat)
	}
	return out, nil
}

// Clamp replaces the Z of each point, given in the layer's SRS, with the
// sampled height. The first point sets the reference latitude.
func (s *Sampler) Clamp(ctx context.Context, points []mgl64.Vec3) error {
	if !s.OK() {
		return ErrNoLayer
	}
	if len(points) == 0 {
		return nil
	}
	ss := s.Session(ctx)
	if s.Layer.Profile().IsGeographic() {
		ss.ReferenceLatitude = points[0].Y()
	}
	s.ClampRange(ss, points)
	return nil
}

// ClampRange samples points with an existing session.
func (s *Sampler) ClampRange(ss *Session, points []mgl64.Vec3) {
	if !s.OK() {
		return
	}
	for i := range points {
		points[i][2] = float64(s.SampleSession(ss, points[i][0], points[i][1], points[i][2]))
	}
}
