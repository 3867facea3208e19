package geometry_pool

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/scene"
)

// Vertex markers stored in the z component of each uv.
const (
	VertexVisible      = 1  // draw it
	VertexBoundary     = 2  // lies on a skirt boundary
	VertexHasElevation = 4  // not subject to the elevation texture
	VertexSkirt        = 8  // skirt vertex (bitmask)
	VertexConstraint   = 16 // part of a non-morphable constraint
)

// GeometryKey identifies tiles whose meshes are identical up to placement.
// In a geographic profile the row matters because tile shape changes with
// latitude; in a projected profile every tile of a level shares one mesh.
type GeometryKey struct {
	LOD   int
	TileY int
	Size  uint32
	Patch bool
}

// KeyFor derives the geometry key of a tile.
func KeyFor(key geo.TileKey, tileSize uint32) GeometryKey {
	k := GeometryKey{LOD: int(key.Level), Size: tileSize}
	if key.Profile.IsGeographic() {
		k.TileY = int(key.Y)
	}
	return k
}

// SharedGeometry is an immutable tile mesh in the local tangent frame of the
// tile it was built for. It must not be modified once returned by the pool.
type SharedGeometry struct {
	Verts           []mgl32.Vec3
	Normals         []mgl32.Vec3
	UVs             []mgl32.Vec3
	Neighbors       []mgl32.Vec3
	NeighborNormals []mgl32.Vec3
	Indices         []uint16
	Bound           scene.Sphere
	HasConstraints  bool

	refs atomic.Int32
}

// Ref adds an external reference.
func (g *SharedGeometry) Ref() *SharedGeometry {
	g.refs.Add(1)
	return g
}

// Unref drops a reference taken with Ref or returned by the pool.
func (g *SharedGeometry) Unref() {
	g.refs.Add(-1)
}

func (g *SharedGeometry) RefCount() int32 { return g.refs.Load() }

func (g *SharedGeometry) Empty() bool { return len(g.Indices) == 0 }

func (g *SharedGeometry) Render(rv scene.RecordTraversal) { rv.Record(g) }

func (g *SharedGeometry) ComputeBound() scene.Sphere { return g.Bound }

func (g *SharedGeometry) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagGeometry)
	w.WriteUInt32(uint32(len(g.Verts)))
	writeVec3s(w, g.Verts)
	writeVec3s(w, g.Normals)
	writeVec3s(w, g.UVs)
	w.WriteBool(g.Neighbors != nil)
	if g.Neighbors != nil {
		writeVec3s(w, g.Neighbors)
		writeVec3s(w, g.NeighborNormals)
	}
	w.WriteUInt32(uint32(len(g.Indices)))
	w.WriteUInt16s(g.Indices)
	w.WriteFloat64s(g.Bound.Center[:])
	w.WriteFloat64(g.Bound.Radius)
}

func writeVec3s(w *rw.ReaderWriter, v []mgl32.Vec3) {
	for i := range v {
		w.WriteFloat32s(v[i][:])
	}
}
