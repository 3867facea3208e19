package terrain

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/scene"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.TileSize = 5
	s.MaxLOD = 2
	return s
}

func newDEM() *elevation.MemoryLayer {
	l := elevation.NewMemoryLayer(elevation.Options{Name: "dem", TileSize: 5})
	l.Generate = func(x, y float64) float32 { return 100 }
	return l
}

type fixture struct {
	node  *TerrainNode
	m     *Map
	dem   *elevation.MemoryLayer
	view  *scene.View
	now   time.Time
	ctx   context.Context
	tiles *Registry
}

// newFixture builds a terrain loading synchronously. The tall viewport
// makes every tile want its subtiles.
func newFixture(t *testing.T, s Settings, pool *jobs.Pool) *fixture {
	f := &fixture{dem: newDEM(), now: time.Unix(1000, 0), ctx: context.Background()}
	f.m = NewMap(f.dem)
	f.node = NewTerrainNode(s)
	if err := f.node.SetMap(f.m, geo.GlobalGeodetic(), pool, &scene.Context{}); err != nil {
		t.Fatal(err)
	}
	f.tiles = f.node.Engine().Tiles
	f.view = scene.NewView(geo.SRSWGS84.ToWorld(mgl64.Vec3{10, 10, 1000}), 1e6)
	return f
}

// step renders one frame and runs the per-frame update after it.
func (f *fixture) step(t *testing.T) {
	t.Helper()
	f.now = f.now.Add(time.Second)
	f.view.Advance(f.now)
	f.node.Render(f.view)
	if _, err := f.node.Update(f.ctx, f.view.Frame(), f.view.Time()); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) steps(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		f.step(t)
	}
}

func TestRootsLoadAndMergeOnePerFrame(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()

	f.step(t)
	roots := f.node.Roots()
	assertTrue(t, len(roots) == 2, "global geodetic has two roots")
	for _, r := range roots {
		assertTrue(t, r.DoNotExpire, "roots never expire")
		assertTrue(t, !r.DataMerged(), "no data before the first ping")
	}

	// pings queue the loads, which run synchronously in update
	f.step(t)
	assertTrue(t, f.tiles.Size() == 2, "both roots tracked")
	for _, r := range roots {
		op := r.op()
		assertTrue(t, op != nil && op.Dispatched() && op.Available(), "root data loaded")
	}

	f.step(t)
	assertTrue(t, roots[0].DataMerged(), "first root merged")
	assertTrue(t, !roots[1].DataMerged(), "only one merge per frame")

	f.step(t)
	assertTrue(t, roots[1].DataMerged(), "second root merged next frame")
	assertTrue(t, roots[0].SubtilesExist(), "merged root loads its subtiles")
	assertTrue(t, !roots[1].SubtilesExist(), "subtiles wait for the tile's own data")

	m := roots[0].RenderModel()
	assertTrue(t, m.Elevation.HasData(), "elevation merged")
	lo, hi, ok := m.Elevation.Heightfield.Heightfield().MinMax()
	assertTrue(t, ok && lo == 100 && hi == 100, "generated heights")
	assertTrue(t, roots[0].Revision() == f.m.Revision(), "merged at the map revision")
}

func TestSubtilesInheritParentModel(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()
	f.steps(t, 4)

	root := f.node.Roots()[0]
	assertTrue(t, root.SubtilesExist(), "subtiles loaded")
	parentModel := root.RenderModel()
	for i, c := range root.subtiles.Value().children {
		assertTrue(t, c.Key.Equal(root.Key.CreateChildKey(uint32(i))), "children ordered by quadrant")
		assertTrue(t, !c.DataMerged(), "child has no data of its own yet")
		assertTrue(t, c.Parent() == root, "child resolves its parent")
		m := c.RenderModel()
		assertTrue(t, m.Elevation.HasData(), "child inherits elevation")
		want := parentModel.Elevation.Matrix.Mul4(c.Key.ScaleBiasMatrix())
		assertTrue(t, m.Elevation.Matrix.ApproxEqual(want), "elevation narrowed to the quadrant")
		assertTrue(t, c.ChildrenVisibilityRange > 0, "level 1 can still refine")
	}

	// children are pinged and load once their parent has data
	f.step(t)
	for _, c := range root.subtiles.Value().children {
		assertTrue(t, f.tiles.Tile(c.Key) == c, "child tracked")
		op := c.op()
		assertTrue(t, op != nil && op.Dispatched(), "child data requested")
	}
}

func TestFullTreeLoadsAndDormantTilesExpire(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()
	f.steps(t, 120)
	assertTrue(t, f.tiles.Size() == 2+8+32, "every tile down to the max level is resident")
	for _, k := range f.tiles.TileKeys() {
		assertTrue(t, f.tiles.Tile(k).DataMerged(), "every tile merged")
	}

	f.view.Eye = mgl64.Vec3{1e12, 0, 0}
	f.steps(t, 6)
	assertTrue(t, f.tiles.Size() == 2, "only the roots stay resident")
	for _, r := range f.node.Roots() {
		assertTrue(t, !r.SubtilesExist(), "subtiles dropped")
		assertTrue(t, f.tiles.Tile(r.Key) == r, "root still tracked")
	}
}

func TestFrozenClockKeepsTiles(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()
	f.steps(t, 20)
	before := f.tiles.Size()
	assertTrue(t, before > 2, "subtiles resident")

	f.view.Eye = mgl64.Vec3{1e12, 0, 0}
	for i := 0; i < 10; i++ {
		f.view.Advance(f.now)
		f.node.Render(f.view)
		_, err := f.node.Update(f.ctx, f.view.Frame(), f.view.Time())
		assertTrue(t, err == nil, "update")
	}
	assertTrue(t, f.tiles.Size() >= before, "tiles younger than the minimum age stay")
}

func TestMinResidentTilesBlocksUnload(t *testing.T) {
	s := testSettings()
	s.MinResidentTilesBeforeUnload = 1000
	f := newFixture(t, s, nil)
	defer f.node.Close()
	f.steps(t, 20)
	before := f.tiles.Size()

	f.view.Eye = mgl64.Vec3{1e12, 0, 0}
	f.steps(t, 6)
	assertTrue(t, f.tiles.Size() == before, "nothing expires below the resident floor")
}

func TestStaleMergeRequeuesLoad(t *testing.T) {
	dem := newDEM()
	m := NewMap(dem)
	e, err := NewEngine(m, geo.GlobalGeodetic(), testSettings(), nil, nil)
	assertTrue(t, err == nil, "engine")
	key := geo.NewTileKey(0, 1, 0, e.Profile)
	tile, err := e.Tiles.CreateTile(context.Background(), key, nil)
	assertTrue(t, err == nil && tile != nil, "create tile")

	op := NewLoadTileDataOperation(e, tile, Manifest{})
	assertTrue(t, op.Dispatch(false), "dispatch")
	assertTrue(t, op.Available(), "sync load finished")
	m.BumpRevision()
	assertTrue(t, !op.Merge(), "stale model is not merged")
	assertTrue(t, op.Merged(), "merge attempted")
	assertTrue(t, !tile.DataMerged(), "tile untouched")

	next := tile.op()
	assertTrue(t, next != nil && next != op && !next.Dispatched(), "fresh load queued")
	assertTrue(t, next.Dispatch(false), "dispatch fresh load")
	assertTrue(t, next.Merge(), "fresh model merges")
	assertTrue(t, tile.DataMerged() && tile.Revision() == m.Revision(), "tile at current revision")

	dem.BumpRevision()
	manifest := NewManifest(dem)
	dem.BumpRevision()
	op = NewLoadTileDataOperation(e, tile, manifest)
	op.Dispatch(false)
	assertTrue(t, !op.Merge(), "layer revision moved since the manifest was taken")
	assertTrue(t, tile.op().manifest.InSyncWith(m), "requeued manifest is refreshed")

	tile.release()
	op = NewLoadTileDataOperation(e, tile, Manifest{})
	assertTrue(t, !op.Dispatch(false), "released tile does not load")
	assertTrue(t, !op.Merge(), "nothing to merge")
}

func TestMergeWaitsForPendingLoad(t *testing.T) {
	dem := newDEM()
	release := make(chan struct{})
	dem.Generate = func(x, y float64) float32 {
		<-release
		return 100
	}
	pool := jobs.NewPool("merge-test", 1)
	defer pool.Close()
	e, err := NewEngine(NewMap(dem), geo.GlobalGeodetic(), testSettings(), pool, nil)
	assertTrue(t, err == nil, "engine")
	tile, err := e.Tiles.CreateTile(context.Background(), geo.NewTileKey(0, 0, 0, e.Profile), nil)
	assertTrue(t, err == nil && tile != nil, "create tile")

	op := NewLoadTileDataOperation(e, tile, Manifest{})
	assertTrue(t, !op.Merge() && !op.Merged(), "nothing dispatched yet")
	assertTrue(t, op.Dispatch(true), "dispatch")
	assertTrue(t, !op.Merge() && !op.Merged(), "pending result leaves the operation mergeable")

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for !op.Available() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assertTrue(t, op.Available(), "load finished")
	assertTrue(t, op.Merge() && op.Merged(), "completed result merges")
	assertTrue(t, tile.DataMerged(), "tile has its data")
}

func TestLoadSync(t *testing.T) {
	e, err := NewEngine(NewMap(newDEM()), geo.GlobalGeodetic(), testSettings(), nil, nil)
	assertTrue(t, err == nil, "engine")
	tile, err := e.Tiles.CreateTile(context.Background(), geo.NewTileKey(0, 0, 0, e.Profile), nil)
	assertTrue(t, err == nil, "create")
	before := tile.Bound().Radius
	assertTrue(t, tile.LoadSync(), "load sync merges")
	assertTrue(t, tile.Bound().Radius == before+100, "bound grows by the highest sample")
}

func TestManifest(t *testing.T) {
	dem := newDEM()
	img := NewImageDirLayer(t.TempDir(), elevation.Options{})
	m := NewMap(dem, img)

	var all Manifest
	assertTrue(t, all.Empty() && all.Includes(img.UID()) && all.IncludesElevation(), "empty includes everything")

	only := NewManifest(img)
	assertTrue(t, only.Includes(img.UID()) && !only.Includes(dem.UID()), "listed layers only")
	assertTrue(t, !only.IncludesElevation(), "no elevation layer listed")
	assertTrue(t, NewManifest(dem).IncludesElevation(), "elevation layer listed")

	assertTrue(t, only.InSyncWith(m), "in sync")
	img.BumpRevision()
	assertTrue(t, !only.InSyncWith(m), "layer revision moved")
	clone := only.Clone()
	only.UpdateRevisions(m)
	assertTrue(t, only.InSyncWith(m), "revisions refreshed")
	assertTrue(t, !clone.InSyncWith(m), "clone is independent")

	rev := m.Revision()
	fired := int64(0)
	cancel := m.OnLayersChanged(func(r int64) { fired = r })
	assertTrue(t, m.RemoveLayer(img), "remove")
	assertTrue(t, fired == rev+1 && m.Revision() == rev+1, "removal bumps the map revision")
	assertTrue(t, clone.InSyncWith(m), "removed layers are ignored")
	assertTrue(t, !m.RemoveLayer(img), "already removed")
	cancel()
	m.AddLayer(img)
	assertTrue(t, fired == rev+1, "canceled subscription")
	assertTrue(t, m.ElevationLayer() == elevation.Layer(dem), "elevation layer")
	assertTrue(t, len(m.ImageLayers()) == 1, "image layers")
}

func TestLayerChangeRebuildsTiles(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()
	f.steps(t, 10)
	old := f.node.Roots()[0]

	f.m.AddLayer(NewImageDirLayer(t.TempDir(), elevation.Options{}))
	f.step(t)
	assertTrue(t, old.released.Load(), "old tiles released")
	roots := f.node.Roots()
	assertTrue(t, len(roots) == 2 && roots[0] != old, "roots rebuilt")
	assertTrue(t, f.tiles.Size() == 0, "registry emptied")
	f.steps(t, 4)
	assertTrue(t, roots[0].DataMerged(), "rebuilt roots load again")
}

func TestSetDirtyReloadsTiles(t *testing.T) {
	s := testSettings()
	s.MaxLOD = 0
	f := newFixture(t, s, nil)
	defer f.node.Close()
	f.steps(t, 4)
	roots := f.node.Roots()
	fetches := f.dem.Fetches()

	// the eastern hemisphere only
	east := geo.NewGeoExtent(geo.SRSWGS84, 10, -10, 20, 10)
	f.tiles.SetDirty(east, 0, 0, Manifest{})
	assertTrue(t, roots[0].op().Merged(), "western root untouched")
	assertTrue(t, !roots[1].op().Dispatched(), "eastern root reload queued")

	f.steps(t, 2)
	assertTrue(t, roots[1].op().Merged(), "eastern root merged again")
	assertTrue(t, f.dem.Fetches() > fetches, "data fetched again")
}

func TestNeighborNotification(t *testing.T) {
	s := testSettings()
	s.NormalizeEdges = true
	e, err := NewEngine(NewMap(newDEM()), geo.GlobalGeodetic(), s, nil, nil)
	assertTrue(t, err == nil, "engine")
	ctx := context.Background()
	create := func(x, y uint32) *TileNode {
		tile, err := e.Tiles.CreateTile(ctx, geo.NewTileKey(2, x, y, e.Profile), nil)
		if err != nil {
			t.Fatal(err)
		}
		return tile
	}

	a := create(1, 1)
	e.Tiles.Ping(a, nil)
	east, south := a.Neighbors()
	assertTrue(t, east == nil && south == nil, "no neighbors yet")

	b := create(2, 1)
	e.Tiles.Ping(b, nil)
	east, _ = a.Neighbors()
	assertTrue(t, east == b, "east neighbor arrival noticed")

	c := create(1, 2)
	e.Tiles.Ping(c, nil)
	_, south = a.Neighbors()
	assertTrue(t, south == c, "south neighbor arrival noticed")

	d := create(0, 1)
	e.Tiles.Ping(d, nil)
	east, _ = d.Neighbors()
	assertTrue(t, east == a, "neighbor already present is recorded at once")

	// the last column wraps to the first
	w := create(7, 1)
	e.Tiles.Ping(w, nil)
	east, _ = w.Neighbors()
	assertTrue(t, east == d, "east neighbor wraps around")

	b.release()
	east, _ = a.Neighbors()
	assertTrue(t, east == nil, "released neighbor no longer resolves")
}

func TestModelFactoryColorFallback(t *testing.T) {
	profile := geo.GlobalGeodetic()
	fine := NewImageDirLayer(t.TempDir(), elevation.Options{Name: "fine"})
	coarse := NewImageDirLayer(t.TempDir(), elevation.Options{Name: "coarse"})
	key := geo.NewTileKey(1, 2, 1, profile)

	assertTrue(t, fine.WriteImageTile(key, solid(color.RGBA{R: 255, A: 255})) == nil, "write fine")
	assertTrue(t, coarse.WriteImageTile(key.CreateParentKey(), solid(color.RGBA{G: 255, A: 255})) == nil, "write coarse")

	f := NewModelFactory()
	ctx := context.Background()
	model, err := f.CreateTileModel(ctx, NewMap(fine, coarse), key, Manifest{})
	assertTrue(t, err == nil, "create model")
	assertTrue(t, len(model.Colors) == 2, "both layers contribute")
	assertTrue(t, model.Colors[0].Key.Equal(key), "fine layer at the tile")
	assertTrue(t, model.Colors[0].Matrix.ApproxEqual(mgl64.Ident4()), "no remap for own data")
	assertTrue(t, model.Colors[1].Key.Equal(key.CreateParentKey()), "coarse layer falls back to the parent")
	assertTrue(t, model.Colors[1].Matrix.ApproxEqual(key.ScaleBiasMatrix()), "fallback maps into the parent quadrant")
	assertTrue(t, !model.Elevation.Heightfield.Valid(), "no elevation layer")

	// a lone layer never falls back
	model, err = f.CreateTileModel(ctx, NewMap(coarse), key, Manifest{})
	assertTrue(t, err == nil && len(model.Colors) == 0, "single layer without data at the key")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.CreateTileModel(cctx, NewMap(fine), key, Manifest{})
	assertTrue(t, err == jobs.ErrCanceled, "canceled")
}

func TestModelFactoryElevation(t *testing.T) {
	profile := geo.GlobalGeodetic()
	key := geo.NewTileKey(1, 2, 1, profile)
	dem := elevation.NewMemoryLayer(elevation.Options{Name: "dem", TileSize: 3})
	hf := elevation.NewHeightfield(3, 3)
	hf.Fill(5)
	hf.SetHeightAt(1, 1, elevation.NoDataValue)
	dem.Put(key, hf)
	img := NewImageDirLayer(t.TempDir(), elevation.Options{})
	m := NewMap(dem, img)

	f := NewModelFactory()
	model, err := f.CreateTileModel(context.Background(), m, key, Manifest{})
	assertTrue(t, err == nil, "create model")
	g := model.Elevation.Heightfield
	assertTrue(t, g.Valid(), "elevation loaded")
	assertTrue(t, g.Heightfield().HeightAt(1, 1) == 0, "no data replaced by zero")
	assertTrue(t, g.Heightfield().HeightAt(0, 0) == 5, "samples kept")
	assertTrue(t, hf.HeightAt(1, 1) == elevation.NoDataValue, "layer tile untouched")
	assertTrue(t, model.Revision == m.Revision(), "model revision")

	fetches := dem.Fetches()
	model, err = f.CreateTileModel(context.Background(), m, key, NewManifest(img))
	assertTrue(t, err == nil && !model.Elevation.Heightfield.Valid(), "elevation excluded by manifest")
	assertTrue(t, dem.Fetches() == fetches, "elevation not fetched")

	dem.Close()
	model, err = f.CreateTileModel(context.Background(), m, key, Manifest{})
	assertTrue(t, err == nil && !model.Elevation.Heightfield.Valid(), "closed layer skipped")
}

func TestDynamicLayerReloads(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	defer f.node.Close()
	img := NewImageDirLayer(t.TempDir(), elevation.Options{})
	img.Refresh = true
	key := geo.NewTileKey(0, 0, 0, f.node.Engine().Profile)
	assertTrue(t, img.WriteImageTile(key, solid(color.RGBA{B: 255, A: 255})) == nil, "write")
	f.m.AddLayer(img)

	f.steps(t, 4)
	root := f.tiles.Tile(key)
	assertTrue(t, root != nil && root.DataMerged(), "root merged")
	assertTrue(t, root.RenderModel().Color.HasData(), "color merged")
	assertTrue(t, !root.dynamic.Empty() && root.dynamic.Includes(img.UID()), "dynamic layer recorded")

	f.step(t)
	op := root.op()
	assertTrue(t, op != nil && !op.Merged(), "dynamic tile reloads")
}

func TestAsyncPool(t *testing.T) {
	pool := jobs.NewPool("terrain-test", 2)
	defer pool.Close()
	f := newFixture(t, testSettings(), pool)
	defer f.node.Close()

	merged := func() bool {
		for _, r := range f.node.Roots() {
			if !r.DataMerged() {
				return false
			}
		}
		return len(f.node.Roots()) > 0
	}
	for i := 0; i < 500 && !merged(); i++ {
		f.step(t)
		time.Sleep(2 * time.Millisecond)
	}
	assertTrue(t, merged(), "roots merge through the pool")
}

func TestImageDirLayer(t *testing.T) {
	l := NewImageDirLayer(t.TempDir(), elevation.Options{})
	key := geo.NewTileKey(2, 3, 1, l.Profile())
	_, err := l.CreateImage(context.Background(), key)
	assertTrue(t, err == elevation.ErrResourceUnavailable, "missing tile")

	assertTrue(t, l.WriteImageTile(key, solid(color.RGBA{R: 10, G: 20, B: 30, A: 255})) == nil, "write")
	g, err := l.CreateImage(context.Background(), key)
	assertTrue(t, err == nil && g.Valid(), "read back")
	r, gg, b, _ := g.Image.At(1, 1).RGBA()
	assertTrue(t, r>>8 == 10 && gg>>8 == 20 && b>>8 == 30, "pixel round trip")
	assertTrue(t, g.Key.Equal(key) && g.Extent.West() == key.Extent().West(), "extent of the key")

	l.Close()
	_, err = l.CreateImage(context.Background(), key)
	assertTrue(t, err == elevation.ErrNoLayer, "closed layer")
}

func TestSettingsValidate(t *testing.T) {
	assertTrue(t, DefaultSettings().Validate() == nil, "defaults are valid")
	s := DefaultSettings()
	s.MinLOD, s.MaxLOD = 5, 2
	assertTrue(t, s.Validate() != nil, "min above max")
	s = DefaultSettings()
	s.TileSize = 1
	assertTrue(t, s.Validate() != nil, "tile size too small")
	s = DefaultSettings()
	s.TileSize = 257
	assertTrue(t, s.Validate() != nil, "tile size beyond 16 bit indices")
	s.TileSize, s.SkirtRatio = 256, 0.05
	assertTrue(t, s.Validate() != nil, "skirt pushes past 16 bit indices")
	s.TileSize = 129
	assertTrue(t, s.Validate() == nil, "129 with skirts fits")
}

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
