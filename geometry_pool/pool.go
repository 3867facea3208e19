// Package geometry_pool shares tessellated tile meshes between tiles whose
// shapes are identical up to placement.
package geometry_pool

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/gorustyt/goterrain/scene"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EnvNoPool disables sharing when set to any value.
const EnvNoPool = "GOTERRAIN_NO_POOL"

type Settings struct {
	TileSize   uint32 // verts per side, ideally 2^n+1
	SkirtRatio float32
	Morphing   bool
}

func DefaultSettings() Settings {
	return Settings{TileSize: 17}
}

// MaxVertices is the largest mesh the uint16 index buffer can address.
const MaxVertices = math.MaxUint16 + 1

// NumVertices is the vertex count of one tile mesh, skirt included.
func NumVertices(settings Settings) int {
	n := int(settings.TileSize) * int(settings.TileSize)
	if settings.SkirtRatio > 0 && settings.TileSize > 0 {
		n += int(settings.TileSize-1) * 2 * 4
	}
	return n
}

// Validate reports settings whose meshes cannot be built or indexed.
func (s Settings) Validate() error {
	if s.TileSize < 2 {
		return fmt.Errorf("geometry pool: tile size %d is less than 2", s.TileSize)
	}
	if n := NumVertices(s); n > MaxVertices {
		return fmt.Errorf("geometry pool: tile size %d needs %d vertices, more than %d", s.TileSize, n, MaxVertices)
	}
	return nil
}

type Pool struct {
	// Enabled turns on sharing of geometries with compatible keys.
	Enabled bool

	geocentric bool
	mu         sync.Mutex
	gate       singleflight.Group
	shared     map[GeometryKey]*SharedGeometry

	defaultIndices         []uint16
	defaultIndicesSettings Settings

	log *zap.Logger
}

// NewPool creates a pool. A geocentric pool builds meshes on the ellipsoid;
// otherwise meshes are flat in the profile's own SRS.
func NewPool(geocentric bool) *Pool {
	p := &Pool{
		Enabled:    true,
		geocentric: geocentric,
		shared:     make(map[GeometryKey]*SharedGeometry),
		log:        logger.Named("geometry_pool"),
	}
	if _, ok := os.LookupEnv(EnvNoPool); ok {
		p.Enabled = false
		p.log.Info("geometry pool disabled (environment)")
	}
	return p
}

// GetPooledGeometry returns the mesh for key, building it on a miss. The
// caller owns one reference on the result and releases it with Unref.
// Only one goroutine builds any given key at a time; unrelated keys build
// in parallel. A canceled ctx returns jobs.ErrCanceled.
func (p *Pool) GetPooledGeometry(ctx context.Context, key geo.TileKey, settings Settings) (*SharedGeometry, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if !key.Valid() {
		return nil, fmt.Errorf("geometry pool: %w", geo.ErrInvalidKey)
	}

	p.mu.Lock()
	if p.defaultIndices == nil || p.defaultIndicesSettings.TileSize != settings.TileSize ||
		(p.defaultIndicesSettings.SkirtRatio > 0) != (settings.SkirtRatio > 0) {
		p.defaultIndices = CreateIndices(settings)
		p.defaultIndicesSettings = settings
	}
	indices := p.defaultIndices
	p.mu.Unlock()

	if !p.Enabled {
		return p.createGeometry(ctx, key, settings, CreateIndices(settings))
	}

	geomKey := KeyFor(key, settings.TileSize)
	gateKey := fmt.Sprintf("%d/%d/%d/%t", geomKey.LOD, geomKey.TileY, geomKey.Size, geomKey.Patch)
	for {
		v, err, _ := p.gate.Do(gateKey, func() (any, error) {
			p.mu.Lock()
			g, ok := p.shared[geomKey]
			p.mu.Unlock()
			if ok {
				metrics.GeometryHitsTotal.Inc()
				return g, nil
			}
			g, err := p.createGeometry(ctx, key, settings, indices)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			// the pool's own reference
			p.shared[geomKey] = g
			metrics.GeometryPoolSize.Set(float64(len(p.shared)))
			p.mu.Unlock()
			return g, nil
		})
		// a shared build canceled by another caller's context
		if err == jobs.ErrCanceled && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.(*SharedGeometry).Ref(), nil
	}
}

// NumSkirtElements is the number of skirt indices for settings.
func NumSkirtElements(settings Settings) int {
	if settings.SkirtRatio > 0 {
		return int(settings.TileSize-1) * 4 * 6
	}
	return 0
}

// Sweep drops geometries that only the pool still references and returns
// how many were removed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, g := range p.shared {
		if g.RefCount() == 1 {
			delete(p.shared, k)
			n++
		}
	}
	metrics.GeometryPoolSize.Set(float64(len(p.shared)))
	if n > 0 {
		p.log.Debug("swept geometries", zap.Int("removed", n), zap.Int("remaining", len(p.shared)))
	}
	return n
}

func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = make(map[GeometryKey]*SharedGeometry)
	metrics.GeometryPoolSize.Set(0)
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shared)
}

// CreateIndices builds the triangle list shared by every tile with the same
// size and skirt configuration.
func CreateIndices(settings Settings) []uint16 {
	common.AssertTrue(settings.TileSize > 0 && NumVertices(settings) <= MaxVertices,
		"tile mesh exceeds 16 bit indices")
	needsSkirt := settings.SkirtRatio > 0
	tileSize := int(settings.TileSize)
	numVertsInSurface := tileSize * tileSize
	numVertsInSkirt := 0
	if needsSkirt {
		numVertsInSkirt = (tileSize - 1) * 2 * 4
	}
	numIndices := (tileSize-1)*(tileSize-1)*6 + NumSkirtElements(settings)
	indices := make([]uint16, 0, numIndices)

	for j := 0; j < tileSize-1; j++ {
		for i := 0; i < tileSize-1; i++ {
			i00 := j*tileSize + i
			i01 := i00 + tileSize
			i10 := i00 + 1
			i11 := i01 + 1
			indices = append(indices,
				uint16(i01), uint16(i00), uint16(i11),
				uint16(i00), uint16(i10), uint16(i11))
		}
	}

	if needsSkirt {
		addSkirtTriangles := func(i0, i1 int) {
			indices = append(indices,
				uint16(i0), uint16(i0+1), uint16(i1),
				uint16(i1), uint16(i0+1), uint16(i1+1))
		}
		skirtBegin := numVertsInSurface
		skirtEnd := skirtBegin + numVertsInSkirt
		i := skirtBegin
		for ; i < skirtEnd-3; i += 2 {
			addSkirtTriangles(i, i+2)
		}
		addSkirtTriangles(i, skirtBegin)
	}
	return indices
}

func morphNeighborIndexOffset(col, row, rowSize int) int {
	if col&1 == 1 && row&1 == 1 {
		return rowSize + 2
	}
	if row&1 == 1 {
		return rowSize + 1
	}
	if col&1 == 1 {
		return 2
	}
	return 1
}

// LocalToWorld returns the tangent frame the tile's mesh is expressed in.
func (p *Pool) LocalToWorld(key geo.TileKey) mgl64.Mat4 {
	return localToWorld(key, p.geocentric)
}

func localToWorld(key geo.TileKey, geocentric bool) mgl64.Mat4 {
	c := key.Extent().Centroid()
	if geocentric {
		srs := key.Profile.SRS()
		return srs.Ellipsoid().GeocentricToLocalToWorld(srs.ToWorld(c.Vec()))
	}
	return mgl64.Translate3D(c.X, c.Y, 0)
}

// locator maps unit tile coordinates to world coordinates.
type locator struct {
	srs        geo.SRS
	xform      mgl64.Mat4
	geocentric bool
}

func newLocator(extent geo.GeoExtent, geocentric bool) locator {
	return locator{
		srs: extent.SRS(),
		xform: mgl64.Mat4{
			extent.Width(), 0, 0, 0,
			0, extent.Height(), 0, 0,
			0, 0, 1, 0,
			extent.XMin(), extent.YMin(), 0, 1,
		},
		geocentric: geocentric,
	}
}

func (l locator) unitToWorld(unit mgl64.Vec3) mgl64.Vec3 {
	world := common.TransformPoint(l.xform, unit)
	if l.geocentric {
		return l.srs.ToWorld(world)
	}
	return world
}

func (p *Pool) createGeometry(ctx context.Context, key geo.TileKey, settings Settings, indices []uint16) (*SharedGeometry, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, jobs.ErrCanceled
	}
	world2local := localToWorld(key, p.geocentric).Inv()

	needsSkirt := settings.SkirtRatio > 0
	tileSize := int(settings.TileSize)
	numVertsInSurface := tileSize * tileSize
	numVertsInSkirt := 0
	if needsSkirt {
		numVertsInSkirt = (tileSize - 1) * 2 * 4
	}
	numVerts := numVertsInSurface + numVertsInSkirt

	g := &SharedGeometry{
		Verts:   make([]mgl32.Vec3, numVerts),
		Normals: make([]mgl32.Vec3, numVerts),
		UVs:     make([]mgl32.Vec3, numVerts),
		Indices: indices,
	}
	if settings.Morphing {
		g.Neighbors = make([]mgl32.Vec3, numVerts)
		g.NeighborNormals = make([]mgl32.Vec3, numVerts)
	}

	loc := newLocator(key.Extent(), p.geocentric)
	var tileBound scene.Sphere

	for row := 0; row < tileSize; row++ {
		ny := float64(row) / float64(tileSize-1)
		for col := 0; col < tileSize; col++ {
			nx := float64(col) / float64(tileSize-1)
			i := row*tileSize + col

			unit := mgl64.Vec3{nx, ny, 0}
			modelLTP := common.TransformPoint(world2local, loc.unitToWorld(unit))
			g.Verts[i] = common.ToVec3f(modelLTP)
			tileBound.ExpandBy(modelLTP)

			g.UVs[i] = mgl32.Vec3{float32(nx), float32(ny), VertexVisible}

			unit[2] = 1
			modelPlusOne := common.TransformPoint(world2local, loc.unitToWorld(unit))
			g.Normals[i] = common.ToVec3f(common.Vnormalize(modelPlusOne.Sub(modelLTP)))

			if g.Neighbors != nil {
				n := i + 1 - morphNeighborIndexOffset(col, row, tileSize)
				g.Neighbors[i] = g.Verts[n]
				g.NeighborNormals[i] = g.Normals[n]
			}
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, jobs.ErrCanceled
		}
	}

	if needsSkirt {
		height := float32(tileBound.Radius) * settings.SkirtRatio
		pos := numVertsInSurface
		add := func(index int) {
			uv := g.UVs[index]
			uv[2] = float32(int(uv[2]) | VertexSkirt)
			down := g.Normals[index].Mul(height)

			g.Verts[pos] = g.Verts[index]
			g.Normals[pos] = g.Normals[index]
			g.UVs[pos] = uv
			if g.Neighbors != nil {
				g.Neighbors[pos] = g.Neighbors[index]
				g.NeighborNormals[pos] = g.NeighborNormals[index]
			}
			pos++

			g.Verts[pos] = g.Verts[index].Sub(down)
			g.Normals[pos] = g.Normals[index]
			g.UVs[pos] = uv
			if g.Neighbors != nil {
				g.Neighbors[pos] = g.Neighbors[index].Sub(down)
				g.NeighborNormals[pos] = g.NeighborNormals[index]
			}
			pos++
		}
		for c := 0; c < tileSize-1; c++ {
			add(c) // south
		}
		for r := 0; r < tileSize-1; r++ {
			add(r*tileSize + (tileSize - 1)) // east
		}
		for c := tileSize - 1; c > 0; c-- {
			add((tileSize-1)*tileSize + c) // north
		}
		for r := tileSize - 1; r > 0; r-- {
			add(r * tileSize) // west
		}
	}

	g.Bound = tileBound
	g.refs.Store(1)
	metrics.GeometryBuildsTotal.Inc()
	return g, nil
}
