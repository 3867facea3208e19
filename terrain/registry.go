package terrain

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/gorustyt/goterrain/sentry"
	"go.uber.org/zap"
)

type registryEntry struct {
	tile  *TileNode
	token sentry.Handle
}

// Registry tracks every resident tile. Tiles ping it as they render; it
// queues their loads and merges and, once per frame, expires the tiles
// that went dormant.
type Registry struct {
	engine *Engine

	mu       sync.Mutex
	tiles    map[geo.TileID]*registryEntry
	tracker  *sentry.Tracker[*TileNode]
	handles  *common.Arena[*TileNode]
	notifyNe bool
	// waiting tile -> tiles that want to hear when it arrives
	notifiers map[geo.TileID]map[geo.TileID]struct{}

	loadSubtiles []geo.TileID
	loadData     []geo.TileID
	mergeData    []geo.TileID
	updateData   []geo.TileID

	lastUpdate uint64
	log        *zap.Logger
}

func NewRegistry(e *Engine) *Registry {
	return &Registry{
		engine:    e,
		tiles:     make(map[geo.TileID]*registryEntry),
		tracker:   sentry.New[*TileNode](),
		handles:   common.NewArena[*TileNode](),
		notifiers: make(map[geo.TileID]map[geo.TileID]struct{}),
		log:       logger.Named("registry"),
	}
}

// SetNotifyNeighbors turns east/south neighbor tracking on or off.
func (r *Registry) SetNotifyNeighbors(v bool) {
	r.mu.Lock()
	r.notifyNe = v
	r.mu.Unlock()
}

// Ping records that tile was visited this frame and queues whatever work
// it needs. parent is nil for roots.
func (r *Registry) Ping(tile, parent *TileNode) {
	if tile == nil || tile.released.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tile.Key.ID()
	e, ok := r.tiles[id]
	if ok && e.tile != tile {
		// a released tile reloaded under the same key
		r.tracker.Remove(e.token)
		ok = false
	}
	if !ok {
		e = &registryEntry{tile: tile}
		r.tiles[id] = e
		r.add(tile)
	}
	e.token = r.tracker.Use(tile, e.token)

	// progressive: subtiles only once this tile has its own data
	if tile.dataMerged.Load() && tile.needsSubtiles.Load() {
		r.loadSubtiles = append(r.loadSubtiles, id)
	}

	op := tile.op()
	if op == nil || !op.Dispatched() {
		ready := parent == nil
		if parent != nil {
			pe, ok := r.tiles[parent.Key.ID()]
			if common.SoftAssert(ok, "pinged tile has an untracked parent", zap.Stringer("key", tile.Key)) {
				ready = pe.tile.dataMerged.Load()
			}
		}
		if ready {
			r.loadData = append(r.loadData, id)
		}
	} else if op.Available() && !op.Merged() {
		r.mergeData = append(r.mergeData, id)
	}

	if tile.needsUpdate.Load() {
		r.updateData = append(r.updateData, id)
	}
}

// add must be called with mu held.
func (r *Registry) add(tile *TileNode) {
	metrics.ResidentTiles.Set(float64(len(r.tiles)))
	if !r.notifyNe {
		return
	}
	id := tile.Key.ID()
	for waiter := range r.notifiers[id] {
		if e, ok := r.tiles[waiter]; ok {
			e.tile.notifyOfArrival(tile)
		}
	}
	delete(r.notifiers, id)

	for _, nk := range []geo.TileKey{tile.Key.CreateNeighborKey(1, 0), tile.Key.CreateNeighborKey(0, 1)} {
		if !nk.Valid() {
			continue
		}
		if ne, ok := r.tiles[nk.ID()]; ok {
			tile.notifyOfArrival(ne.tile)
		} else {
			r.startListeningFor(nk, tile)
		}
	}
}

// StartListeningFor asks for waiter to be notified when key arrives.
func (r *Registry) StartListeningFor(key geo.TileKey, waiter *TileNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startListeningFor(key, waiter)
}

func (r *Registry) startListeningFor(key geo.TileKey, waiter *TileNode) {
	set, ok := r.notifiers[key.ID()]
	if !ok {
		set = make(map[geo.TileID]struct{})
		r.notifiers[key.ID()] = set
	}
	set[waiter.Key.ID()] = struct{}{}
}

func (r *Registry) StopListeningFor(key geo.TileKey, waiter *TileNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopListeningFor(key, waiter)
}

func (r *Registry) stopListeningFor(key geo.TileKey, waiter *TileNode) {
	if set, ok := r.notifiers[key.ID()]; ok {
		delete(set, waiter.Key.ID())
		if len(set) == 0 {
			delete(r.notifiers, key.ID())
		}
	}
}

// Update runs the work queued by this frame's pings, then lets the unloader
// expire dormant tiles once per new frame. It reports whether any work was
// done.
func (r *Registry) Update(frame uint64, now time.Time) bool {
	r.mu.Lock()
	busy := len(r.updateData)+len(r.loadSubtiles)+len(r.loadData)+len(r.mergeData) > 0

	for _, id := range r.updateData {
		if e, ok := r.tiles[id]; ok {
			e.tile.update()
		}
	}

	for _, id := range r.loadSubtiles {
		e, ok := r.tiles[id]
		if !ok || e.tile.subtiles != nil {
			continue
		}
		e.tile.needsSubtiles.Store(false)
		r.requestLoadSubtiles(e.tile)
	}

	for _, id := range r.loadData {
		e, ok := r.tiles[id]
		if !ok {
			continue
		}
		e.tile.opMu.Lock()
		if e.tile.loadOp == nil {
			e.tile.loadOp = NewLoadTileDataOperation(r.engine, e.tile, Manifest{})
		}
		op := e.tile.loadOp
		e.tile.opMu.Unlock()
		op.Dispatch(true)
	}

	// one merge per frame keeps frame times even
	for _, id := range r.mergeData {
		e, ok := r.tiles[id]
		if !ok {
			continue
		}
		if op := e.tile.op(); op != nil && op.Available() && !op.Merged() {
			op.Merge()
			if len(r.mergeData) > 1 {
				r.engine.Context.RequestFrame()
			}
			break
		}
	}

	r.updateData = r.updateData[:0]
	r.loadSubtiles = r.loadSubtiles[:0]
	r.loadData = r.loadData[:0]
	r.mergeData = r.mergeData[:0]
	r.mu.Unlock()

	if frame > r.lastUpdate && r.engine.Unloader != nil {
		r.engine.Unloader.Update(r, frame, now)
	}
	r.lastUpdate = frame
	return busy
}

// requestLoadSubtiles must be called with mu held.
func (r *Registry) requestLoadSubtiles(parent *TileNode) {
	e := r.engine
	ref := parent.ref
	key := parent.Key

	priority := func() float32 {
		p, ok := r.handles.Get(ref)
		if !ok {
			return float32(math.Inf(1))
		}
		return -float32(math.Sqrt(float64(p.LastTraversalRange())) * float64(key.Level))
	}

	load := func(ctx context.Context) (*quad, error) {
		p, ok := r.handles.Get(ref)
		if !ok {
			return nil, jobs.ErrCanceled
		}
		q := &quad{}
		for i := uint32(0); i < 4; i++ {
			if ctx.Err() != nil {
				releaseQuad(q)
				return nil, jobs.ErrCanceled
			}
			child, err := r.CreateTile(ctx, key.CreateChildKey(i), p)
			if err != nil {
				releaseQuad(q)
				return nil, err
			}
			q.children[i] = child
		}
		if err := e.Context.Compile(q); err != nil {
			releaseQuad(q)
			return nil, err
		}
		if ctx.Err() != nil {
			releaseQuad(q)
			return nil, jobs.ErrCanceled
		}
		e.Context.RequestFrame()
		return q, nil
	}

	metrics.SubtileLoadsTotal.Inc()
	parent.subtiles = jobs.Dispatch(e.Pool, load, priority, context.Background())
}

func releaseQuad(q *quad) {
	for _, c := range q.children {
		if c != nil {
			c.release()
		}
	}
}

// CreateTile builds a tile for key below parent, or a root when parent is
// nil. The tile starts from its parent's render model.
func (r *Registry) CreateTile(ctx context.Context, key geo.TileKey, parent *TileNode) (*TileNode, error) {
	e := r.engine
	s := e.Settings
	geom, err := e.Geometry.GetPooledGeometry(ctx, key, s.geometrySettings())
	if err != nil {
		return nil, fmt.Errorf("create tile %s: %w", key, err)
	}

	t := &TileNode{Key: key, engine: e, geometry: geom}
	t.surface = &Surface{Tile: t, Geometry: geom, Matrix: e.Geometry.LocalToWorld(key)}

	_, ms, me := e.Selection.Get(key)
	if me > ms {
		t.MorphConstants = mgl32.Vec2{me / (me - ms), 1 / (me - ms)}
	}
	t.KeyValue = mgl32.Vec4{float32(key.X), float32(key.Y), float32(key.Level), float32(s.TileSize)}

	if int(key.Level) >= e.Selection.NumLODs()-1 {
		t.ChildrenVisibilityRange = math.MaxFloat32
	} else {
		// the row of the child closest to the equator stands for all four
		_, th := key.Profile.NumTiles(key.Level)
		q := uint32(0)
		if key.Y > th/2 {
			q = 3
		}
		t.ChildrenVisibilityRange = e.Selection.Range(key.CreateChildKey(q))
	}
	t.lastRange.Store(math.Float32bits(math.MaxFloat32))

	if parent != nil {
		t.parent = parent.ref
		t.inheritFrom(parent)
	} else {
		t.DoNotExpire = true
	}
	t.mu.Lock()
	t.recomputeBound()
	t.mu.Unlock()

	t.ref = r.handles.Insert(t)
	return t, nil
}

// Tile returns the resident tile for key, or nil.
func (r *Registry) Tile(key geo.TileKey) *TileNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tiles[key.ID()]; ok {
		return e.tile
	}
	return nil
}

// Size is the number of tracked tiles.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tiles)
}

// TileKeys lists the tracked tiles, most recently pinged first.
func (r *Registry) TileKeys() []geo.TileKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.tracker.Snapshot()
	keys := make([]geo.TileKey, 0, len(items))
	for _, t := range items {
		keys = append(keys, t.Key)
	}
	return keys
}

// SetDirty reloads the tiles between minLevel and maxLevel that intersect
// extent. An invalid extent matches every tile.
func (r *Registry) SetDirty(extent geo.GeoExtent, minLevel, maxLevel uint32, manifest Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tiles {
		k := e.tile.Key
		if k.Level < minLevel || k.Level > maxLevel {
			continue
		}
		if !extent.Valid() || extent.Intersects(k.Extent()) {
			e.tile.refreshLayers(manifest.Clone())
		}
	}
}

// ReleaseAll drops every tracked tile.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tiles {
		e.tile.release()
	}
	r.tiles = make(map[geo.TileID]*registryEntry)
	r.notifiers = make(map[geo.TileID]map[geo.TileID]struct{})
	r.tracker.Reset()
	r.loadSubtiles = r.loadSubtiles[:0]
	r.loadData = r.loadData[:0]
	r.mergeData = r.mergeData[:0]
	r.updateData = r.updateData[:0]
	metrics.ResidentTiles.Set(0)
}

// CollectDormantTiles expires tiles that were last visited before
// oldestTime and oldestFrame and farther away than minRange. Expiring a
// tile makes its parent drop all four subtiles. At most maxCount tiles are
// removed and at least minResident are kept.
func (r *Registry) CollectDormantTiles(oldestTime time.Time, oldestFrame uint64, minRange float64, maxCount, minResident int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := oldestTime.UnixNano()
	n := r.tracker.Flush(maxCount, minResident, func(tile *TileNode) bool {
		if tile.released.Load() {
			r.removeEntry(tile)
			return true
		}
		if tile.DoNotExpire ||
			tile.lastTime.Load() >= oldest ||
			tile.lastFrame.Load() >= oldestFrame ||
			float64(tile.LastTraversalRange()) <= minRange {
			return false
		}
		if parent, ok := r.handles.Get(tile.parent); ok {
			parent.removeSubtiles()
		}
		r.removeEntry(tile)
		return true
	})

	metrics.ResidentTiles.Set(float64(len(r.tiles)))
	metrics.TilesExpiredTotal.Add(float64(n))
	return n
}

// removeEntry must be called with mu held.
func (r *Registry) removeEntry(tile *TileNode) {
	if e, ok := r.tiles[tile.Key.ID()]; ok && e.tile == tile {
		delete(r.tiles, tile.Key.ID())
	}
	if r.notifyNe {
		r.stopListeningFor(tile.Key.CreateNeighborKey(1, 0), tile)
		r.stopListeningFor(tile.Key.CreateNeighborKey(0, 1), tile)
	}
	tile.release()
}
