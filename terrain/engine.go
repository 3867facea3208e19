package terrain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/geometry_pool"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/scene"
	"github.com/gorustyt/goterrain/selection"
	"go.uber.org/zap"
)

// Engine is the state one terrain shares between its tiles.
type Engine struct {
	Settings  Settings
	Map       *Map
	Profile   *geo.Profile
	Geometry  *geometry_pool.Pool
	Selection *selection.Info
	Tiles     *Registry
	Unloader  *Unloader
	Factory   *ModelFactory
	// Pool runs loads in the background; nil loads on the frame goroutine.
	Pool    *jobs.Pool
	Context *scene.Context

	log *zap.Logger
}

func NewEngine(m *Map, profile *geo.Profile, s Settings, pool *jobs.Pool, sc *scene.Context) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !profile.Valid() {
		return nil, errors.New("terrain: invalid profile")
	}
	e := &Engine{
		Settings:  s,
		Map:       m,
		Profile:   profile,
		Geometry:  geometry_pool.NewPool(profile.IsGeographic()),
		Selection: &selection.Info{},
		Unloader:  NewUnloader(s),
		Factory:   NewModelFactory(),
		Pool:      pool,
		Context:   sc,
		log:       logger.Named("terrain"),
	}
	if !e.Selection.Initialize(s.MinLOD, s.MaxLOD, profile, s.MinTileRangeFactor, s.RestrictPolarSubdivision) {
		return nil, fmt.Errorf("terrain: cannot build selection info for levels %d-%d", s.MinLOD, s.MaxLOD)
	}
	e.Tiles = NewRegistry(e)
	e.Tiles.SetNotifyNeighbors(s.NormalizeEdges)
	return e, nil
}

// TerrainNode is the scene node of a paged terrain. Call Render during
// traversal and Update once per frame afterwards.
type TerrainNode struct {
	Settings Settings

	engine  *Engine
	roots   []*TileNode
	reset   atomic.Bool
	unwatch func()
	log     *zap.Logger
}

func NewTerrainNode(s Settings) *TerrainNode {
	return &TerrainNode{Settings: s, log: logger.Named("terrain")}
}

func (t *TerrainNode) Engine() *Engine { return t.engine }

// SetMap points the terrain at m. Adding or removing layers later rebuilds
// every tile.
func (t *TerrainNode) SetMap(m *Map, profile *geo.Profile, pool *jobs.Pool, sc *scene.Context) error {
	if m == nil {
		return errors.New("terrain: nil map")
	}
	e, err := NewEngine(m, profile, t.Settings, pool, sc)
	if err != nil {
		return err
	}
	t.Close()
	t.engine = e
	t.unwatch = m.OnLayersChanged(func(int64) { t.reset.Store(true) })
	t.log.Info("map set", zap.Stringer("profile", profile),
		zap.Int("layers", len(m.Layers())), zap.Uint32("minLOD", t.Settings.MinLOD),
		zap.Uint32("maxLOD", t.Settings.MaxLOD))
	return nil
}

// Update runs the per-frame work: building roots, loads, merges and
// expiry. It reports whether more frames are needed to finish pending work.
func (t *TerrainNode) Update(ctx context.Context, frame uint64, now time.Time) (bool, error) {
	e := t.engine
	if e == nil {
		return false, nil
	}
	if t.reset.Swap(false) {
		t.releaseRoots()
		e.Geometry.Clear()
	}
	if len(t.roots) == 0 {
		if err := t.createRoots(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	busy := e.Tiles.Update(frame, now)
	e.Geometry.Sweep()
	return busy, nil
}

func (t *TerrainNode) createRoots(ctx context.Context) error {
	e := t.engine
	keys := e.Profile.AllKeysAtLOD(t.Settings.MinLOD)
	roots := make([]*TileNode, 0, len(keys))
	for _, key := range keys {
		tile, err := e.Tiles.CreateTile(ctx, key, nil)
		if err != nil {
			for _, r := range roots {
				r.release()
			}
			return err
		}
		roots = append(roots, tile)
	}
	nodes := make([]scene.Node, len(roots))
	for i, r := range roots {
		nodes[i] = r
	}
	if err := e.Context.Compile(nodes...); err != nil {
		for _, r := range roots {
			r.release()
		}
		return err
	}
	t.roots = roots
	t.log.Debug("created root tiles", zap.Int("count", len(roots)))
	return nil
}

func (t *TerrainNode) releaseRoots() {
	if t.engine == nil {
		return
	}
	t.engine.Tiles.ReleaseAll()
	for _, r := range t.roots {
		t.engine.Context.Dispose(r)
		r.release()
	}
	t.roots = nil
}

// Roots returns the level MinLOD tiles.
func (t *TerrainNode) Roots() []*TileNode { return t.roots }

func (t *TerrainNode) Render(rv scene.RecordTraversal) {
	for _, r := range t.roots {
		r.Render(rv)
	}
}

func (t *TerrainNode) ComputeBound() scene.Sphere {
	var s scene.Sphere
	for _, r := range t.roots {
		s.ExpandBySphere(r.ComputeBound())
	}
	return s
}

func (t *TerrainNode) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagGroup)
	w.WriteUInt32(uint32(len(t.roots)))
	for _, r := range t.roots {
		r.Serialize(w)
	}
}

// Close releases every tile. The terrain needs SetMap again before use.
func (t *TerrainNode) Close() {
	if t.unwatch != nil {
		t.unwatch()
		t.unwatch = nil
	}
	t.releaseRoots()
	if t.engine != nil {
		t.engine.Geometry.Clear()
	}
	t.engine = nil
}
