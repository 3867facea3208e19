package terrain

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/geometry_pool"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/scene"
	"go.uber.org/zap"
)

// ImageTexture is one color texture and the matrix mapping tile coordinates
// into it.
type ImageTexture struct {
	Image  *GeoImage
	Key    geo.TileKey
	Matrix mgl64.Mat4
}

func (t ImageTexture) HasData() bool { return t.Image.Valid() }

type ElevationTexture struct {
	Heightfield *elevation.GeoHeightfield
	Matrix      mgl64.Mat4
}

func (t ElevationTexture) HasData() bool { return t.Heightfield.Valid() }

// RenderModel is what a tile draws with. Subtiles start from their parent's
// model and refine it as their own data arrives.
type RenderModel struct {
	Color       ImageTexture
	ColorParent ImageTexture
	Elevation   ElevationTexture
}

// ApplyScaleBias narrows every texture with data to one quadrant.
func (r *RenderModel) ApplyScaleBias(sb mgl64.Mat4) {
	if r.Color.HasData() {
		r.Color.Matrix = r.Color.Matrix.Mul4(sb)
	}
	if r.ColorParent.HasData() {
		r.ColorParent.Matrix = r.ColorParent.Matrix.Mul4(sb)
	}
	if r.Elevation.HasData() {
		r.Elevation.Matrix = r.Elevation.Matrix.Mul4(sb)
	}
}

// Surface is the drawable of one tile: the pooled mesh placed in the world.
type Surface struct {
	Tile     *TileNode
	Geometry *geometry_pool.SharedGeometry
	Matrix   mgl64.Mat4
}

func (s *Surface) Render(rv scene.RecordTraversal) { rv.Record(s) }

func (s *Surface) ComputeBound() scene.Sphere {
	if s.Geometry == nil {
		return scene.Sphere{}
	}
	return s.Geometry.Bound.Transform(s.Matrix)
}

func (s *Surface) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagTerrainTile)
	w.WriteFloat64s(s.Matrix[:])
	w.WriteBool(s.Geometry != nil)
	if s.Geometry != nil {
		s.Geometry.Serialize(w)
	}
}

// quad holds the four subtiles of a tile, ordered by quadrant.
type quad struct {
	children [4]*TileNode
}

func (q *quad) Render(rv scene.RecordTraversal) {
	for _, c := range q.children {
		c.Render(rv)
	}
}

func (q *quad) ComputeBound() scene.Sphere {
	var s scene.Sphere
	for _, c := range q.children {
		s.ExpandBySphere(c.ComputeBound())
	}
	return s
}

func (q *quad) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagGroup)
	w.WriteUInt32(4)
	for _, c := range q.children {
		c.Serialize(w)
	}
}

// TileNode is one terrain tile. It draws its surface until it is close
// enough to be replaced by four subtiles, which the registry loads on its
// behalf.
//
// Render, subtiles and neighbors belong to the frame goroutine. The render
// model is also read by workers inheriting it and is guarded by mu.
type TileNode struct {
	Key geo.TileKey
	// DoNotExpire keeps the tile resident; set on roots.
	DoNotExpire bool
	// MorphConstants are (end/(end-start), 1/(end-start)) of the tile's
	// morph range.
	MorphConstants mgl32.Vec2
	// KeyValue packs x, y, level and tile size for the vertex stage.
	KeyValue mgl32.Vec4
	// ChildrenVisibilityRange is the distance inside which subtiles replace
	// the tile.
	ChildrenVisibilityRange float32

	engine   *Engine
	parent   common.Ref
	ref      common.Ref
	surface  *Surface
	geometry *geometry_pool.SharedGeometry

	mu          sync.RWMutex
	renderModel RenderModel
	revision    int64
	bound       scene.Sphere

	lastFrame     atomic.Uint64
	lastTime      atomic.Int64
	lastRange     atomic.Uint32
	needsSubtiles atomic.Bool
	needsUpdate   atomic.Bool
	dataMerged    atomic.Bool
	released      atomic.Bool

	subtiles *jobs.Future[*quad]

	opMu   sync.Mutex
	loadOp *LoadTileDataOperation

	east, south common.Ref
	dynamic     Manifest
}

func (t *TileNode) Revision() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revision
}

func (t *TileNode) RenderModel() RenderModel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.renderModel
}

func (t *TileNode) Bound() scene.Sphere {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bound
}

// Parent returns the parent tile while it is resident.
func (t *TileNode) Parent() *TileNode {
	if t.engine == nil || t.parent == 0 {
		return nil
	}
	p, _ := t.engine.Tiles.handles.Get(t.parent)
	return p
}

// Neighbors returns the east and south tiles recorded by arrival
// notification, or nil.
func (t *TileNode) Neighbors() (east, south *TileNode) {
	if t.engine == nil {
		return nil, nil
	}
	east, _ = t.engine.Tiles.handles.Get(t.east)
	south, _ = t.engine.Tiles.handles.Get(t.south)
	return east, south
}

func (t *TileNode) SubtilesExist() bool { return t.subtiles != nil && t.subtiles.Available() }

func (t *TileNode) DataMerged() bool { return t.dataMerged.Load() }

func (t *TileNode) LastTraversalFrame() uint64 { return t.lastFrame.Load() }

func (t *TileNode) LastTraversalTime() time.Time { return time.Unix(0, t.lastTime.Load()) }

func (t *TileNode) LastTraversalRange() float32 { return math.Float32frombits(t.lastRange.Load()) }

func (t *TileNode) Surface() *Surface { return t.surface }

func (t *TileNode) Render(rv scene.RecordTraversal) {
	if t.released.Load() || t.engine == nil {
		return
	}
	bound := t.Bound()
	d := rv.LODDistance(bound)

	frame := rv.Frame()
	if t.lastFrame.Swap(frame) != frame {
		t.lastRange.Store(math.Float32bits(math.MaxFloat32))
	}
	rng := float32(d)
	if d < 0 {
		rng = math.MaxFloat32
	}
	if rng < t.LastTraversalRange() {
		t.lastRange.Store(math.Float32bits(rng))
	}
	t.lastTime.Store(rv.Time().UnixNano())

	hasSubtiles := t.SubtilesExist()
	if hasSubtiles {
		t.needsSubtiles.Store(false)
	}

	if d >= 0 {
		s := t.engine.Settings
		ratio := (s.TilePixelSize + s.ScreenSpaceError) / rv.ViewportHeight()
		inRange := d > 0 && bound.Radius > d*ratio &&
			t.ChildrenVisibilityRange > 0 && t.ChildrenVisibilityRange < math.MaxFloat32

		if inRange && hasSubtiles {
			q := t.subtiles.Value()
			for _, c := range q.children {
				c.Render(rv)
			}
			for _, c := range q.children {
				t.engine.Tiles.Ping(c, t)
			}
		} else {
			t.surface.Render(rv)
			if inRange && t.subtiles == nil {
				t.needsSubtiles.Store(true)
			}
		}
	}

	if t.DoNotExpire {
		t.engine.Tiles.Ping(t, nil)
	}
}

func (t *TileNode) ComputeBound() scene.Sphere { return t.Bound() }

func (t *TileNode) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagTerrainTile)
	w.WriteUInt32(t.Key.Level)
	w.WriteUInt32(t.Key.X)
	w.WriteUInt32(t.Key.Y)
	w.WriteUInt64(uint64(t.Revision()))
	subtiles := t.SubtilesExist()
	w.WriteBool(subtiles)
	if subtiles {
		t.subtiles.Value().Serialize(w)
	} else if t.surface != nil {
		t.surface.Serialize(w)
	}
}

// inheritFrom starts the tile from its parent's render model, narrowed to
// this tile's quadrant.
func (t *TileNode) inheritFrom(parent *TileNode) {
	parent.mu.RLock()
	model := parent.renderModel
	revision := parent.revision
	parent.mu.RUnlock()

	model.ColorParent = model.Color
	model.ApplyScaleBias(t.Key.ScaleBiasMatrix())

	t.mu.Lock()
	t.renderModel = model
	t.revision = revision
	t.mu.Unlock()
}

// recomputeBound must be called with mu held.
func (t *TileNode) recomputeBound() {
	if t.geometry == nil {
		t.bound = scene.Sphere{}
		return
	}
	b := t.geometry.Bound.Transform(t.surface.Matrix)
	if hf := t.renderModel.Elevation.Heightfield; hf.Valid() {
		if lo, hi, ok := hf.Heightfield().MinMax(); ok {
			b.Radius += math.Max(math.Abs(float64(lo)), math.Abs(float64(hi)))
		}
	}
	t.bound = b
}

// merge installs freshly loaded data.
func (t *TileNode) merge(model *TileModel) {
	t.mu.Lock()
	if len(model.Colors) > 0 {
		c := model.Colors[0]
		t.renderModel.Color = ImageTexture{Image: c.Image, Key: c.Key, Matrix: c.Matrix}
	}
	if model.Elevation.Heightfield.Valid() {
		t.renderModel.Elevation = ElevationTexture{
			Heightfield: model.Elevation.Heightfield,
			Matrix:      model.Elevation.Matrix,
		}
	}
	t.revision = model.Revision
	t.recomputeBound()
	t.mu.Unlock()

	t.dynamic = model.Dynamic
	t.needsUpdate.Store(!model.Dynamic.Empty())
	t.dataMerged.Store(true)

	if err := t.engine.Context.Compile(t.surface); err != nil {
		t.engine.log.Warn("compile after merge failed", zap.Stringer("key", t.Key), zap.Error(err))
	}
	t.engine.Context.RequestFrame()
}

// refreshLayers replaces any pending load with one for manifest. The
// registry dispatches it on the next ping.
func (t *TileNode) refreshLayers(manifest Manifest) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if t.loadOp != nil && t.loadOp.Working() {
		t.loadOp.Cancel()
	}
	t.loadOp = NewLoadTileDataOperation(t.engine, t, manifest)
}

func (t *TileNode) update() {
	t.needsUpdate.Store(false)
	if !t.dynamic.Empty() {
		t.refreshLayers(t.dynamic.Clone())
	}
}

func (t *TileNode) op() *LoadTileDataOperation {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.loadOp
}

// LoadSync loads and merges the tile's data on the calling goroutine.
func (t *TileNode) LoadSync() bool {
	op := NewLoadTileDataOperation(t.engine, t, Manifest{})
	op.SetEnableCancelation(false)
	t.opMu.Lock()
	if t.loadOp != nil {
		t.loadOp.Cancel()
	}
	t.loadOp = op
	t.opMu.Unlock()
	op.Dispatch(false)
	return op.Merge()
}

// removeSubtiles drops the quad below the tile, releasing every subtile.
func (t *TileNode) removeSubtiles() {
	if t.subtiles == nil {
		return
	}
	t.subtiles.Cancel()
	if q := t.subtiles.Value(); q != nil {
		t.engine.Context.Dispose(q)
		for _, c := range q.children {
			c.release()
		}
	}
	t.subtiles = nil
	t.needsSubtiles.Store(false)
}

// release detaches the tile for good. Safe to call more than once.
func (t *TileNode) release() {
	if t.released.Swap(true) {
		return
	}
	if t.engine != nil {
		t.engine.Tiles.handles.Remove(t.ref)
	}
	if op := t.op(); op != nil {
		op.Cancel()
	}
	t.removeSubtiles()
	if t.geometry != nil {
		t.geometry.Unref()
	}
}

// notifyOfArrival records that as the east or south neighbor.
func (t *TileNode) notifyOfArrival(that *TileNode) {
	switch {
	case that.Key.Equal(t.Key.CreateNeighborKey(1, 0)):
		t.east = that.ref
	case that.Key.Equal(t.Key.CreateNeighborKey(0, 1)):
		t.south = that.ref
	}
}
